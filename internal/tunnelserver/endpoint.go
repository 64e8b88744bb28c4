// Package tunnelserver implements the tunnel endpoint: the per-agent-connection state machine, registration
// handshake, liveness, and orderly teardown.
package tunnelserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nexthop-dev/retunnel/internal/alloc"
	"github.com/nexthop-dev/retunnel/internal/core"
	"github.com/nexthop-dev/retunnel/internal/metrics"
	"github.com/nexthop-dev/retunnel/internal/registry"
	"github.com/nexthop-dev/retunnel/internal/wire"
)

// registrationTimeout bounds how long a freshly-accepted connection
// has to send its register frame before the endpoint gives up.
const registrationTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server accepts agent connections and runs each through the tunnel
// endpoint state machine.
type Server struct {
	registry  *registry.Registry
	allocator *alloc.Allocator
	keepAlive time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics

	onActiveChange func() // notifies the dashboard hub to refresh

	// Live connection set, needed because http.Server.Shutdown does
	// not close hijacked connections; Shutdown closes them itself.
	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithKeepAlive configures the read-deadline grace period derived
// from the agent's keepalive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// WithOnActiveChange registers a callback invoked whenever a tunnel
// becomes ACTIVE or is removed, so the dashboard can push an
// out-of-band refresh in addition to its periodic tick.
func WithOnActiveChange(fn func()) Option {
	return func(s *Server) { s.onActiveChange = fn }
}

// WithMetrics wires the endpoint's tunnels-active gauge into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer returns a tunnel endpoint server.
func NewServer(reg *registry.Registry, allocator *alloc.Allocator, opts ...Option) *Server {
	s := &Server{
		registry:  reg,
		allocator: allocator,
		keepAlive: 20 * time.Second,
		log:       slog.Default().With("component", "tunnel-endpoint"),
		conns:     make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request to a websocket and runs the
// connection through the state machine until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	if !s.track(conn) {
		conn.Close()
		return
	}

	go s.run(conn)
}

// track adds conn to the live set, or refuses it once Shutdown has
// begun.
func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown closes every live control connection and waits for each
// connection goroutine to finish its teardown (registry removal,
// pending-request aborts). http.Server.Shutdown cannot do this: the
// websocket upgrade hijacks the connection out from under it.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
}

// run drives one connection through CONNECTED → REGISTERING → ACTIVE
// → CLOSED.
func (s *Server) run(conn *websocket.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.log.Warn("no register frame received", "error", err)
		return
	}

	var reg wire.RegisterFrame
	if err := wire.Unmarshal(data, &reg); err != nil || reg.Type != "register" {
		s.log.Warn("malformed register frame", "error", err)
		s.sendError(conn, "malformed register frame")
		return
	}

	user := reg.User
	if user == "" {
		user = core.AnonymousUser
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	result, err := s.allocator.Allocate(ctx, user, reg.Port)
	cancel()
	if err != nil {
		s.log.Warn("registration failed", "user", user, "port", reg.Port, "error", err)
		s.sendError(conn, registerErrorMessage(err))
		return
	}

	tun := core.NewTunnel(uuid.NewString(), user, reg.Port, newWSSender(conn))
	tun.Alias = result.Alias
	tun.SetState(core.StateRegistering)

	if err := s.registry.Insert(tun); err != nil {
		s.log.Warn("registry insert failed", "alias", tun.Alias, "error", err)
		s.sendError(conn, registerErrorMessage(err))
		return
	}

	tun.SetState(core.StateActive)
	if s.metrics != nil {
		s.metrics.TunnelsActive.Inc()
	}
	defer s.teardown(tun)

	if err := tun.Sender.Send(wire.RegisteredFrame{Type: "registered", UUID: tun.ID, Alias: tun.Alias}); err != nil {
		s.log.Warn("failed to send registered frame", "tunnel_id", tun.ID, "error", err)
		return
	}

	s.log.Info("tunnel active", "tunnel_id", tun.ID, "alias", tun.Alias, "user", tun.User, "port", tun.Port)
	s.notifyActiveChange()

	s.readLoop(conn, tun)
}

// readLoop consumes response frames until the connection closes.
// Liveness relies on the transport's ping/pong: SetReadDeadline is
// refreshed on every ping from the agent (answered with a pong) and on
// every frame, so a silent transport eventually trips the deadline and
// surfaces as a read error.
func (s *Server) readLoop(conn *websocket.Conn, tun *core.Tunnel) {
	deadline := s.keepAlive*3 + 5*time.Second
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(deadline))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Info("tunnel disconnected", "tunnel_id", tun.ID, "alias", tun.Alias, "error", err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(deadline))

		tun.AddBytes(len(data), 0)

		var resp wire.ResponseFrame
		if err := wire.Unmarshal(data, &resp); err != nil {
			s.log.Warn("malformed response frame", "tunnel_id", tun.ID, "error", err)
			continue
		}

		// Filter by id before anything else, including logging
		if !tun.Complete(&core.ResponseFrame{
			ID:      resp.ID,
			Status:  resp.Status,
			Headers: resp.Headers,
			Body:    resp.Body,
		}) {
			s.log.Warn("dropped response with no matching pending request", "tunnel_id", tun.ID, "request_id", resp.ID)
		}
	}
}

// teardown removes the tunnel from the registry, aborts every
// pending request, and notifies the dashboard.
func (s *Server) teardown(tun *core.Tunnel) {
	tun.SetState(core.StateClosed)
	s.registry.Remove(tun.ID)
	tun.AbortAll()
	if s.metrics != nil {
		s.metrics.TunnelsActive.Dec()
	}
	s.notifyActiveChange()
}

// registerErrorMessage maps a registration failure to the message
// carried by the error frame. The agent sees a stable, non-leaking
// string per failure class; details stay in the server log.
func registerErrorMessage(err error) string {
	var collision *core.ErrAliasCollision
	if errors.As(err, &collision) {
		return "alias already in use"
	}
	return "registration failed"
}

func (s *Server) sendError(conn *websocket.Conn, msg string) {
	data, err := wire.Marshal(wire.ErrorFrame{Type: "error", Message: msg})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) notifyActiveChange() {
	if s.onActiveChange != nil {
		s.onActiveChange()
	}
}
