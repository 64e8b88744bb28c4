// Package core holds the domain types shared by the registry, the
// allocator, the tunnel endpoint, and the edge dispatcher. No
// transport, no storage driver, no wire format; just the shared
// shapes and their invariants.
package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a tunnel's position in its connection lifecycle.
type State int

const (
	StateConnected State = iota
	StateRegistering
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateRegistering:
		return "REGISTERING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AnonymousUser is the sentinel user token for unauthenticated or
// unknown agents.
const AnonymousUser = "anonymous"

// Sender abstracts the outbound half of a tunnel's control channel.
// Implementations must serialize concurrent Send calls.
type Sender interface {
	Send(frame any) error
	Close() error
}

// PendingRequest is a single in-flight public request waiting for its
// matching response on a tunnel.
type PendingRequest struct {
	ID       uint64
	Done     chan *ResponseFrame
	Deadline time.Time
}

// ResponseFrame is the minimal shape the tunnel reader needs to
// correlate and deliver a response; the full wire shape lives in
// package wire and is converted to this before being handed to a
// waiting dispatcher goroutine, keeping core free of encoding
// concerns.
type ResponseFrame struct {
	ID      uint64
	Status  int
	Headers map[string]string
	Body    any
}

// Tunnel is one live agent connection.
type Tunnel struct {
	ID     string
	Alias  string
	User   string
	Port   int
	Sender Sender

	mu      sync.Mutex
	state   State
	pending map[uint64]*PendingRequest
	nextID  atomic.Uint64

	BytesIn  uint64
	BytesOut uint64
}

// NewTunnel creates a tunnel in the CONNECTED state with an empty
// pending-request table.
func NewTunnel(id, user string, port int, sender Sender) *Tunnel {
	return &Tunnel{
		ID:      id,
		User:    user,
		Port:    port,
		Sender:  sender,
		state:   StateConnected,
		pending: make(map[uint64]*PendingRequest),
	}
}

// SetState transitions the tunnel's state machine. Callers are
// responsible for only making legal transitions; SetState itself
// does not validate edges.
func (t *Tunnel) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the tunnel's current state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// NextRequestID returns a fresh, monotonically increasing id, unique
// within this tunnel's lifetime.
func (t *Tunnel) NextRequestID() uint64 {
	return t.nextID.Add(1)
}

// Register inserts a pending-request slot under id. It is the
// dispatcher's half of the correlation contract.
func (t *Tunnel) Register(id uint64, deadline time.Time) *PendingRequest {
	pr := &PendingRequest{ID: id, Done: make(chan *ResponseFrame, 1), Deadline: deadline}
	t.mu.Lock()
	t.pending[id] = pr
	t.mu.Unlock()
	return pr
}

// Complete delivers a response to its matching pending slot and
// removes it. It reports whether a waiter was found; a false return
// means the response's id had no matching slot and must be dropped
// without being logged.
func (t *Tunnel) Complete(resp *ResponseFrame) bool {
	t.mu.Lock()
	pr, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	pr.Done <- resp
	return true
}

// Expire removes a pending slot without a response, used when its
// deadline elapses. Returns false if the slot was already completed
// or removed by AbortAll.
func (t *Tunnel) Expire(id uint64) bool {
	t.mu.Lock()
	_, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	return ok
}

// AbortAll cancels every pending request on this tunnel with a nil
// send on each Done channel, used on disconnect. Waiting dispatcher
// goroutines must treat a nil receive as the tunnel having gone
// offline (the dispatcher answers 503).
func (t *Tunnel) AbortAll() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[uint64]*PendingRequest)
	t.mu.Unlock()

	for _, pr := range pending {
		pr.Done <- nil
	}
}

// AddBytes atomically accumulates the observability counters.
func (t *Tunnel) AddBytes(in, out int) {
	t.mu.Lock()
	t.BytesIn += uint64(in)
	t.BytesOut += uint64(out)
	t.mu.Unlock()
}
