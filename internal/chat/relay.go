package chat

import (
	"context"
	"log"
	"net/http"
	"strings"

	"pathways/api/internal/app"

	"github.com/gorilla/websocket"
)

// SessionResolver verifies an access token and returns the session bound to
// it. *app.Service satisfies this.
type SessionResolver interface {
	SessionFromToken(ctx context.Context, token string) (app.Session, error)
}

// MessageService persists chat messages before they are fanned out.
// *app.Service satisfies this.
type MessageService interface {
	PostChatMessage(ctx context.Context, session app.Session, roomID, body string, replyToID *string) (app.ChatMessageView, error)
}

// Relay upgrades authenticated HTTP requests to websocket connections and
// hands them to the hub.
type Relay struct {
	hub      *Hub
	sessions SessionResolver
	messages MessageService
	upgrader websocket.Upgrader
}

func NewRelay(hub *Hub, sessions SessionResolver, messages MessageService) *Relay {
	return &Relay{
		hub:      hub,
		sessions: sessions,
		messages: messages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS authenticates the request and upgrades it. Credentials come from
// the token query parameter (browser websocket clients cannot set headers) or
// a bearer Authorization header. Missing or invalid credentials are rejected
// before the upgrade.
func (rl *Relay) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	session, err := rl.sessions.SessionFromToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("chat: upgrade user=%s: %v", session.UserID, err)
		return
	}

	newClient(rl, conn, session).start()
}
