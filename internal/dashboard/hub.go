// Package dashboard implements the observer fan-out listener: a
// websocket hub that pushes the set of currently-live public URLs to
// every connected observer on a periodic tick and on connect.
package dashboard

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexthop-dev/retunnel/internal/registry"
	"github.com/nexthop-dev/retunnel/internal/wire"
)

// broadcastInterval is the process-wide snapshot cadence.
const broadcastInterval = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub accepts observer connections, sends each one a snapshot on
// connect, and broadcasts a fresh snapshot to all of them every
// broadcastInterval. Observers never send application frames; the
// hub only reads control frames (ping/close) off them.
type Hub struct {
	registry    *registry.Registry
	baseDomain  string
	legacyShape bool
	log         *slog.Logger

	mu        sync.Mutex
	observers map[*websocket.Conn]struct{}
}

// Option configures a Hub.
type Option func(*Hub)

// WithLegacyShape switches the broadcast frame's data field from
// map[user][]url to a flat []url, for older observer clients.
func WithLegacyShape() Option {
	return func(h *Hub) { h.legacyShape = true }
}

// NewHub returns a Hub snapshotting live URLs from reg under
// baseDomain.
func NewHub(reg *registry.Registry, baseDomain string, opts ...Option) *Hub {
	h := &Hub{
		registry:   reg,
		baseDomain: baseDomain,
		log:        slog.Default().With("component", "dashboard"),
		observers:  make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades an observer connection, sends it an immediate
// snapshot, and keeps it registered for the broadcast loop until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.observers[conn] = struct{}{}
	h.send(conn)
	h.mu.Unlock()

	go h.drain(conn)
}

// drain discards anything an observer sends (it never sends
// application frames, but pings/closes must still be read per
// gorilla/websocket's connection contract) until the connection
// closes, then evicts it.
func (h *Hub) drain(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.observers, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Run broadcasts a snapshot to every open observer every
// broadcastInterval until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.broadcast()
		case <-stop:
			return
		}
	}
}

// broadcast sends the current snapshot to every registered observer.
// Writes happen under the hub mutex so a tick and an explicit Notify
// never interleave frames on the same connection.
func (h *Hub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.observers {
		h.send(conn)
	}
}

// send writes one snapshot frame to conn, in the hub's configured
// shape. Callers must hold h.mu.
func (h *Hub) send(conn *websocket.Conn) {
	snapshot := h.registry.SnapshotLiveURLs(h.baseDomain)

	var frame any
	if h.legacyShape {
		flat := make([]string, 0, len(snapshot))
		for _, urls := range snapshot {
			flat = append(flat, urls...)
		}
		frame = wire.ActiveURLsFrameLegacy{Type: "active_urls", Data: flat}
	} else {
		frame = wire.ActiveURLsFrame{Type: "active_urls", Data: snapshot}
	}

	data, err := wire.Marshal(frame)
	if err != nil {
		h.log.Warn("failed to marshal snapshot", "error", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.log.Warn("failed to send snapshot", "error", err)
	}
}

// Notify triggers an immediate broadcast outside the regular tick,
// used when the registry's live set changes.
func (h *Hub) Notify() {
	h.broadcast()
}

// Shutdown closes every observer connection. Needed at process exit
// because observer websockets are hijacked and invisible to
// http.Server.Shutdown.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.observers))
	for conn := range h.observers {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
