// Package eventbus is the out-of-band push channel for UI subscribers
// (spec §8's "server.status-changed", "approval.new", "approval.resolved",
// "approval.expired" events): a WebSocket fan-out hub grounded on the
// upgrade/session pattern the retrieval pack's mcp-service main.go uses for
// its own per-connection WebSocket sessions, rebuilt here as a broadcast hub
// rather than a bidirectional RPC session since the UI only ever listens.
// The Publisher interfaces of internal/approval.Queue and
// internal/mcp.Manager are the hub's producer seams — *Hub satisfies both
// directly.
package eventbus

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait is the deadline writePump sets for each event it writes to a
// subscriber's connection; a write that misses it ends that subscriber.
// broadcast itself never blocks: a subscriber whose outbound buffer is full
// is dropped at once.
const writeWait = 5 * time.Second

// outboundBuffer is the per-subscriber channel depth; a subscriber that
// falls this far behind is disconnected rather than allowed to grow without
// bound.
const outboundBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the wire shape pushed to every subscriber.
type Event struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

type subscriber struct {
	conn *websocket.Conn
	out  chan Event
}

// Hub fans broadcast events out to every currently-connected WebSocket
// subscriber. The zero value is not usable; construct with New.
type Hub struct {
	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	log         *slog.Logger
	now         func() int64
}

// New constructs a Hub. now lets callers inject a deterministic clock in
// tests; a nil now defaults to the wall clock.
func New(log *slog.Logger, now func() int64) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Hub{subscribers: make(map[*subscriber]struct{}), log: log, now: now}
}

// Publish implements internal/approval.Publisher, letting the Approval
// Queue push approval.new/approval.resolved/approval.expired events without
// importing this package directly.
func (h *Hub) Publish(event string, payload any) {
	h.broadcast(Event{Type: event, Payload: payload, Timestamp: h.now()})
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		select {
		case sub.out <- ev:
		default:
			h.log.Warn("eventbus: dropping slow subscriber", "event", ev.Type)
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) removeLocked(sub *subscriber) {
	delete(h.subscribers, sub)
	close(sub.out)
	sub.conn.Close()
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		h.removeLocked(sub)
	}
}

// ServeHTTP upgrades the connection and registers it as a subscriber until
// the client disconnects or falls too far behind. Mount at a single route
// (e.g. GET /api/events) — there is no per-subscriber filtering, every
// subscriber receives every event, matching spec §8's "push every event to
// every connected UI" contract.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("eventbus: upgrade failed", "error", err)
		return
	}

	sub := &subscriber{conn: conn, out: make(chan Event, outboundBuffer)}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()

	go h.readPump(sub)
	h.writePump(sub)
}

// readPump drains and discards whatever the client sends (the protocol is
// push-only); its only job is to notice when the connection closes.
func (h *Hub) readPump(sub *subscriber) {
	defer h.remove(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	defer func() {
		h.remove(sub)
		sub.conn.Close()
	}()
	for ev := range sub.out {
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// SubscriberCount reports the number of currently-connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
