package chat

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"pathways/api/internal/app"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
	sendBufferSize = 64
)

// inboundFrame is what clients send: join a room or post a message.
type inboundFrame struct {
	Type      string  `json:"type"`
	RoomID    string  `json:"roomId"`
	Text      string  `json:"text"`
	ReplyToID *string `json:"replyToId,omitempty"`
}

// Client is one websocket connection bound to a verified identity for its
// lifetime.
type Client struct {
	relay   *Relay
	conn    *websocket.Conn
	session app.Session
	send    chan []byte

	closeOnce sync.Once
}

func newClient(relay *Relay, conn *websocket.Conn, session app.Session) *Client {
	return &Client{
		relay:   relay,
		conn:    conn,
		session: session,
		send:    make(chan []byte, sendBufferSize),
	}
}

func (c *Client) start() {
	c.relay.hub.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// disconnect tears down the connection from outside the client's own
// goroutines. Both pumps observe the closed conn and exit on their own.
func (c *Client) disconnect() {
	c.conn.Close()
}

func (c *Client) readPump() {
	defer func() {
		c.relay.hub.unregister <- c
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("chat: read error user=%s: %v", c.session.UserID, err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("invalid frame")
			continue
		}

		switch frame.Type {
		case "join":
			if frame.RoomID == "" {
				c.sendError("roomId is required")
				continue
			}
			c.relay.hub.join <- joinRequest{client: c, roomID: frame.RoomID}

		case "message":
			c.handleMessage(frame)

		default:
			c.sendError("unknown frame type")
		}
	}
}

// handleMessage persists then broadcasts. A persistence failure cancels the
// broadcast for that message only; the connection stays up.
func (c *Client) handleMessage(frame inboundFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	message, err := c.relay.messages.PostChatMessage(ctx, c.session, frame.RoomID, frame.Text, frame.ReplyToID)
	if err != nil {
		log.Printf("chat: persist message user=%s room=%s: %v", c.session.UserID, frame.RoomID, err)
		c.sendError("message not delivered")
		return
	}
	c.relay.hub.Broadcast(message.RoomID, message)
}

func (c *Client) sendError(message string) {
	payload, err := json.Marshal(map[string]any{"type": "error", "message": message})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
