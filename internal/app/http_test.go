package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pathways/api/internal/store"
)

type recordingBroadcaster struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBroadcaster) Broadcast(roomID string, _ any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, roomID)
}

type httpFixture struct {
	handler     http.Handler
	service     *Service
	data        *fakeStore
	broadcaster *recordingBroadcaster
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	service, data := newTestService(t)
	server := NewHTTPServer(service, "*")
	broadcaster := &recordingBroadcaster{}
	server.SetBroadcaster(broadcaster)
	return &httpFixture{
		handler:     server.Handler(),
		service:     service,
		data:        data,
		broadcaster: broadcaster,
	}
}

// tokenFor mints a real access token for a registered user.
func (f *httpFixture) tokenFor(t *testing.T, userID, name, role string) string {
	t.Helper()
	user := f.data.addUser(userID, name, role)
	session, err := f.service.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func (f *httpFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	f := newHTTPFixture(t)

	recorder := f.do(t, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodGet, "/api/ready", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["status"] != "ready" {
		t.Fatalf("unexpected ready payload %v", payload)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	f := newHTTPFixture(t)

	recorder := f.do(t, http.MethodGet, "/api/roadmaps/rdm_missing", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["statusCode"] != float64(http.StatusNotFound) {
		t.Fatalf("missing statusCode: %v", payload)
	}
	if payload["success"] != false {
		t.Fatalf("missing success=false: %v", payload)
	}
	if payload["message"] != "Not found" {
		t.Fatalf("unexpected message: %v", payload)
	}
	errs, ok := payload["errors"].([]any)
	if !ok || len(errs) == 0 {
		t.Fatalf("errors must be a non-empty array: %v", payload)
	}
}

func TestOptionalAuthPolicy(t *testing.T) {
	f := newHTTPFixture(t)
	f.data.addRoadmap("rdm_go", "Go Basics", "n1")

	// No credentials: anonymous view.
	recorder := f.do(t, http.MethodGet, "/api/roadmaps", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("anonymous list: expected 200, got %d", recorder.Code)
	}

	// Present but invalid credentials: rejected, not downgraded.
	recorder = f.do(t, http.MethodGet, "/api/roadmaps", "garbage-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodGet, "/api/roadmaps/rdm_go", "garbage-token", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("bad token on detail: expected 401, got %d", recorder.Code)
	}
}

func TestFollowRoutes(t *testing.T) {
	f := newHTTPFixture(t)
	f.data.addRoadmap("rdm_go", "Go Basics", "n1", "n2")
	token := f.tokenFor(t, "usr_alice", "Alice", "explorer")

	recorder := f.do(t, http.MethodPost, "/api/roadmaps/rdm_go/follow", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("follow without token: expected 401, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/api/roadmaps/rdm_go/follow", token, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("follow: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodPost, "/api/roadmaps/rdm_go/follow", token, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("double follow: expected 409, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPut, "/api/roadmaps/rdm_go/milestones/n1", token, map[string]string{"status": "done"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("milestone: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = f.do(t, http.MethodGet, "/api/roadmaps/rdm_go", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("detail: expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["progress"] != 0.5 {
		t.Fatalf("expected progress 0.5, got %v", payload["progress"])
	}

	recorder = f.do(t, http.MethodDelete, "/api/roadmaps/rdm_go/follow", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unfollow: expected 200, got %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodDelete, "/api/roadmaps/rdm_go/follow", token, nil)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("double unfollow: expected 409, got %d", recorder.Code)
	}
}

func TestRoadmapAuthoringRequiresAdmin(t *testing.T) {
	f := newHTTPFixture(t)
	explorer := f.tokenFor(t, "usr_alice", "Alice", "explorer")
	admin := f.tokenFor(t, "usr_root", "Root", "admin")

	input := RoadmapInput{
		Name:  "Go Basics",
		Nodes: []store.Node{{ID: "n1", Label: "Syntax"}},
	}

	recorder := f.do(t, http.MethodPost, "/api/roadmaps", explorer, input)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("explorer create: expected 403, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/api/roadmaps", admin, input)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("admin create: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	roadmapID, _ := payload["id"].(string)
	if roadmapID == "" {
		t.Fatalf("created roadmap has no id: %v", payload)
	}

	recorder = f.do(t, http.MethodPost, "/api/roadmaps", admin, RoadmapInput{Nodes: input.Nodes})
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("nameless create: expected 422, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodDelete, "/api/roadmaps/"+roadmapID, explorer, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("explorer delete: expected 403, got %d", recorder.Code)
	}
	recorder = f.do(t, http.MethodDelete, "/api/roadmaps/"+roadmapID, admin, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("admin delete: expected 200, got %d", recorder.Code)
	}
}

func TestChatRoutesBroadcastPersistedMessages(t *testing.T) {
	f := newHTTPFixture(t)
	if err := f.data.InsertChatRoom(context.Background(), store.ChatRoom{ID: "room_1", Name: "general", Type: "general"}); err != nil {
		t.Fatalf("room: %v", err)
	}
	token := f.tokenFor(t, "usr_alice", "Alice", "explorer")

	recorder := f.do(t, http.MethodPost, "/api/chat/rooms/room_1/messages", "", map[string]string{"body": "hi"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("post without token: expected 401, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/api/chat/rooms/room_1/messages", token, map[string]string{"body": "hi"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("post: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["userName"] != "Alice" {
		t.Fatalf("unexpected message payload %v", payload)
	}

	f.broadcaster.mu.Lock()
	calls := append([]string(nil), f.broadcaster.calls...)
	f.broadcaster.mu.Unlock()
	if len(calls) != 1 || calls[0] != "room_1" {
		t.Fatalf("expected one broadcast to room_1, got %v", calls)
	}

	// A rejected message must not fan out.
	recorder = f.do(t, http.MethodPost, "/api/chat/rooms/room_missing/messages", token, map[string]string{"body": "hi"})
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing room: expected 404, got %d", recorder.Code)
	}
	f.broadcaster.mu.Lock()
	count := len(f.broadcaster.calls)
	f.broadcaster.mu.Unlock()
	if count != 1 {
		t.Fatalf("failed post still broadcast: %d calls", count)
	}

	recorder = f.do(t, http.MethodGet, "/api/chat/rooms/room_1/messages", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("history: expected 200, got %d", recorder.Code)
	}

	recorder = f.do(t, http.MethodPost, "/api/chat/rooms/room_1/messages/"+payload["id"].(string)+"/upvote", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("upvote: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	upvotes := decodeResponse(t, recorder)
	if upvotes["upvotes"] != float64(1) {
		t.Fatalf("expected 1 upvote, got %v", upvotes)
	}
}

func TestSessionRoutes(t *testing.T) {
	f := newHTTPFixture(t)
	user := f.data.addUser("usr_alice", "Alice", "explorer")
	session, err := f.service.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	recorder := f.do(t, http.MethodGet, "/api/session", session.Token, nil)
	payload := decodeResponse(t, recorder)
	if payload["authenticated"] != true || payload["userName"] != "Alice" {
		t.Fatalf("unexpected session payload %v", payload)
	}

	recorder = f.do(t, http.MethodGet, "/api/session", "", nil)
	payload = decodeResponse(t, recorder)
	if payload["authenticated"] != false {
		t.Fatalf("anonymous introspection should not authenticate: %v", payload)
	}

	recorder = f.do(t, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if recorder.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	rotated := decodeResponse(t, recorder)
	if rotated["refreshToken"] == session.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	recorder = f.do(t, http.MethodPost, "/api/session/refresh", "", map[string]string{"refreshToken": session.RefreshToken})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("spent refresh token: expected 401, got %d", recorder.Code)
	}
}

func TestRequestIDAndCORSHeaders(t *testing.T) {
	f := newHTTPFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, req)

	if got := recorder.Header().Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("request id not echoed: %q", got)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("missing CORS origin: %q", got)
	}
	if got := recorder.Header().Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("expected JSON content type, got %q", got)
	}
}
