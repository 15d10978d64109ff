// Package chat relays room-scoped messages to live websocket connections.
// Messages are persisted before they are broadcast; the hub only fans out.
package chat

import (
	"encoding/json"
	"log"
)

type joinRequest struct {
	client *Client
	roomID string
}

type broadcastRequest struct {
	roomID  string
	payload []byte
}

// Hub tracks room membership and fans messages out. All state is owned by
// the Run goroutine, so per-room broadcast order follows enqueue order.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	join       chan joinRequest
	broadcast  chan broadcastRequest
	done       chan struct{}

	rooms   map[string]map[*Client]struct{}
	members map[*Client]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan joinRequest),
		broadcast:  make(chan broadcastRequest, 64),
		done:       make(chan struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		members:    make(map[*Client]map[string]struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.members[client] = make(map[string]struct{})

		case client := <-h.unregister:
			h.drop(client)

		case req := <-h.join:
			if _, ok := h.members[req.client]; !ok {
				continue
			}
			room, ok := h.rooms[req.roomID]
			if !ok {
				room = make(map[*Client]struct{})
				h.rooms[req.roomID] = room
			}
			room[req.client] = struct{}{}
			h.members[req.client][req.roomID] = struct{}{}

		case req := <-h.broadcast:
			for client := range h.rooms[req.roomID] {
				select {
				case client.send <- req.payload:
				default:
					// Slow consumer; drop it rather than stall the room.
					log.Printf("chat: dropping slow connection user=%s", client.session.UserID)
					h.drop(client)
					client.disconnect()
				}
			}
		}
	}
}

func (h *Hub) Stop() {
	close(h.done)
}

// Broadcast enqueues a payload for every connection joined to the room.
// Satisfies the HTTP layer's broadcaster so REST-posted messages reach live
// connections too.
func (h *Hub) Broadcast(roomID string, payload any) {
	encoded, err := json.Marshal(map[string]any{
		"type":    "message",
		"roomId":  roomID,
		"message": payload,
	})
	if err != nil {
		log.Printf("chat: encode broadcast: %v", err)
		return
	}
	select {
	case h.broadcast <- broadcastRequest{roomID: roomID, payload: encoded}:
	case <-h.done:
	}
}

func (h *Hub) drop(client *Client) {
	rooms, ok := h.members[client]
	if !ok {
		return
	}
	for roomID := range rooms {
		delete(h.rooms[roomID], client)
		if len(h.rooms[roomID]) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(h.members, client)
}
