// Package wsapi mirrors the per-session event stream over WebSocket. Frames
// come from the event bus, so the mirror sees exactly what the monitors
// publish: sequenced envelopes, message snapshots, task snapshots, and
// status updates.
package wsapi

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentlab/agentlab/internal/common/logger"
	"github.com/agentlab/agentlab/internal/events/bus"
)

// Frame is one WebSocket message: the bus subject plus its payload.
type Frame struct {
	Subject string `json:"subject"`
	Data    any    `json:"data"`
}

// Hub fans bus traffic out to WebSocket clients by session id. A client
// whose send buffer stays full is dropped; it reconnects and resyncs via
// the history endpoint.
type Hub struct {
	log *logger.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan busFrame

	unsubscribe func() error
}

type busFrame struct {
	sessionID string
	data      []byte
}

// NewHub creates a hub; call Run to start it.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:        log.WithComponent("ws-hub"),
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan busFrame, 256),
	}
}

// AttachBus subscribes the hub to all session subjects.
func (h *Hub) AttachBus(eb bus.EventBus) error {
	sub, err := eb.Subscribe("session.>", func(ctx context.Context, ev *bus.Event) error {
		sessionID := sessionFromSubject(ev.Type)
		if sessionID == "" {
			return nil
		}
		data, err := json.Marshal(Frame{Subject: ev.Type, Data: ev.Data})
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- busFrame{sessionID: sessionID, data: data}:
		default:
			h.log.Warn("hub broadcast queue full, dropping frame",
				zap.String("subject", ev.Type))
		}
		return nil
	})
	if err != nil {
		return err
	}
	h.unsubscribe = sub.Unsubscribe
	return nil
}

// sessionFromSubject extracts the session id of a session.<id>.<kind>
// subject.
func sessionFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) < 3 || parts[0] != "session" {
		return ""
	}
	return strings.Join(parts[1:len(parts)-1], ".")
}

// Run processes registrations and broadcasts until the context ends.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("websocket hub started")
	defer h.log.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			if h.unsubscribe != nil {
				_ = h.unsubscribe()
			}
			h.mu.Lock()
			for _, clients := range h.sessions {
				for client := range clients {
					close(client.send)
				}
			}
			h.sessions = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			clients := h.sessions[client.sessionID]
			if clients == nil {
				clients = make(map[*Client]bool)
				h.sessions[client.sessionID] = clients
			}
			clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("session_id", client.sessionID))

		case client := <-h.unregister:
			h.drop(client)

		case frame := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.sessions[frame.sessionID]))
			for client := range h.sessions[frame.sessionID] {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- frame.data:
				default:
					h.log.Debug("slow client dropped", zap.String("session_id", client.sessionID))
					h.drop(client)
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.sessions[client.sessionID]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.sessions, client.sessionID)
	}
	close(client.send)
}
