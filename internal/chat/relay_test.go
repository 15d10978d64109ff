package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pathways/api/internal/app"

	"github.com/gorilla/websocket"
)

type fakeSessions struct{}

func (fakeSessions) SessionFromToken(_ context.Context, token string) (app.Session, error) {
	if !strings.HasPrefix(token, "tok-") {
		return app.Session{}, errors.New("bad token")
	}
	id := strings.TrimPrefix(token, "tok-")
	return app.Session{UserID: "usr_" + id, UserName: id, Role: "explorer"}, nil
}

type fakeMessages struct {
	mu     sync.Mutex
	seq    int
	failOn string
	saved  []app.ChatMessageView
}

func (f *fakeMessages) PostChatMessage(_ context.Context, session app.Session, roomID, body string, replyToID *string) (app.ChatMessageView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if body == f.failOn {
		return app.ChatMessageView{}, errors.New("store unavailable")
	}
	f.seq++
	view := app.ChatMessageView{
		ID:        fmt.Sprintf("msg_%d", f.seq),
		RoomID:    roomID,
		UserID:    session.UserID,
		UserName:  session.UserName,
		Body:      body,
		ReplyToID: replyToID,
		CreatedAt: time.Now().UTC(),
	}
	f.saved = append(f.saved, view)
	return view, nil
}

type relayFixture struct {
	server   *httptest.Server
	hub      *Hub
	messages *fakeMessages
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	messages := &fakeMessages{}
	relay := NewRelay(hub, fakeSessions{}, messages)
	server := httptest.NewServer(http.HandlerFunc(relay.HandleWS))
	t.Cleanup(server.Close)

	return &relayFixture{server: server, hub: hub, messages: messages}
}

func (f *relayFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]json.RawMessage
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func frameString(t *testing.T, frame map[string]json.RawMessage, key string) string {
	t.Helper()
	raw, ok := frame[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return s
}

func TestRelayRejectsBadCredentials(t *testing.T) {
	f := newRelayFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	if err == nil {
		t.Fatal("expected handshake failure with invalid token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestRelayAcceptsBearerHeader(t *testing.T) {
	f := newRelayFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")

	header := http.Header{}
	header.Set("Authorization", "Bearer tok-alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial with bearer header: %v", err)
	}
	conn.Close()
}

func TestBroadcastScopedToRoom(t *testing.T) {
	f := newRelayFixture(t)

	alice := f.dial(t, "tok-alice")
	bob := f.dial(t, "tok-bob")
	carol := f.dial(t, "tok-carol")

	sendFrame(t, alice, map[string]any{"type": "join", "roomId": "room-a"})
	sendFrame(t, bob, map[string]any{"type": "join", "roomId": "room-a"})
	sendFrame(t, carol, map[string]any{"type": "join", "roomId": "room-b"})

	// Joins are processed by the hub goroutine; give them a beat to land.
	time.Sleep(100 * time.Millisecond)

	sendFrame(t, alice, map[string]any{"type": "message", "roomId": "room-a", "text": "hello"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrame(t, conn)
		if got := frameString(t, frame, "type"); got != "message" {
			t.Fatalf("expected message frame, got %q", got)
		}
		if got := frameString(t, frame, "roomId"); got != "room-a" {
			t.Fatalf("expected room-a, got %q", got)
		}
		var message app.ChatMessageView
		if err := json.Unmarshal(frame["message"], &message); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if message.Body != "hello" || message.UserID != "usr_alice" {
			t.Fatalf("unexpected message %+v", message)
		}
	}

	// Carol is in a different room. Post to her room and verify the
	// room-a message never reached her: the first frame she sees is hers.
	sendFrame(t, carol, map[string]any{"type": "message", "roomId": "room-b", "text": "aside"})
	frame := readFrame(t, carol)
	var message app.ChatMessageView
	if err := json.Unmarshal(frame["message"], &message); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if message.Body != "aside" {
		t.Fatalf("carol received a room-a message: %+v", message)
	}
}

func TestPersistFailureAbortsBroadcast(t *testing.T) {
	f := newRelayFixture(t)
	f.messages.failOn = "doomed"

	alice := f.dial(t, "tok-alice")
	bob := f.dial(t, "tok-bob")

	sendFrame(t, alice, map[string]any{"type": "join", "roomId": "room-a"})
	sendFrame(t, bob, map[string]any{"type": "join", "roomId": "room-a"})
	time.Sleep(100 * time.Millisecond)

	sendFrame(t, alice, map[string]any{"type": "message", "roomId": "room-a", "text": "doomed"})

	frame := readFrame(t, alice)
	if got := frameString(t, frame, "type"); got != "error" {
		t.Fatalf("expected error frame for sender, got %q", got)
	}

	// The failed message must not fan out. Bob's next frame is the
	// follow-up that does persist.
	sendFrame(t, alice, map[string]any{"type": "message", "roomId": "room-a", "text": "recovered"})
	frame = readFrame(t, bob)
	if got := frameString(t, frame, "type"); got != "message" {
		t.Fatalf("expected message frame, got %q", got)
	}
	var message app.ChatMessageView
	if err := json.Unmarshal(frame["message"], &message); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if message.Body != "recovered" {
		t.Fatalf("bob received the failed message: %+v", message)
	}

	f.messages.mu.Lock()
	saved := len(f.messages.saved)
	f.messages.mu.Unlock()
	if saved != 1 {
		t.Fatalf("expected exactly one persisted message, got %d", saved)
	}
}

func TestMalformedFramesKeepConnectionAlive(t *testing.T) {
	f := newRelayFixture(t)

	alice := f.dial(t, "tok-alice")
	sendFrame(t, alice, map[string]any{"type": "join", "roomId": "room-a"})
	time.Sleep(100 * time.Millisecond)

	if err := alice.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write raw: %v", err)
	}
	frame := readFrame(t, alice)
	if got := frameString(t, frame, "type"); got != "error" {
		t.Fatalf("expected error frame, got %q", got)
	}

	sendFrame(t, alice, map[string]any{"type": "message", "roomId": "room-a", "text": "still here"})
	frame = readFrame(t, alice)
	if got := frameString(t, frame, "type"); got != "message" {
		t.Fatalf("expected message frame after bad input, got %q", got)
	}
}
