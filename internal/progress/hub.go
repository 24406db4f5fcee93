package progress

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/PotLock/zerobuild/pkg/model"
)

const writeWait = 10 * time.Second

// Hub tracks websocket subscribers per session and implements Sink by fanning events out to
// them as JSON frames.
type Hub struct {
	mu   sync.Mutex
	subs map[model.SessionID]map[*websocket.Conn]bool
	log  *log.Entry
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[model.SessionID]map[*websocket.Conn]bool),
		log:  log.WithField("component", "progress-hub"),
	}
}

// Subscribe registers conn for events about the session. The caller owns the connection's read
// loop; the hub only writes.
func (h *Hub) Subscribe(id model.SessionID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*websocket.Conn]bool)
	}
	h.subs[id][conn] = true
}

// Unsubscribe drops conn. It does not close it.
func (h *Hub) Unsubscribe(id model.SessionID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[id], conn)
	if len(h.subs[id]) == 0 {
		delete(h.subs, id)
	}
}

// Subscribers reports how many connections follow the session.
func (h *Hub) Subscribers(id model.SessionID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// Publish implements Sink. A connection that fails to accept a write is dropped; its read loop
// will notice the closed connection and clean up.
func (h *Hub) Publish(_ context.Context, e Event) error {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subs[e.SessionID]))
	for c := range h.subs[e.SessionID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(e); err != nil {
			h.log.WithError(err).WithField("session", e.SessionID).
				Debug("dropping dead subscriber")
			h.Unsubscribe(e.SessionID, c)
			_ = c.Close()
		}
	}
	return nil
}

var _ Sink = (*Hub)(nil)
