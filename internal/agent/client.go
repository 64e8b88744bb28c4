// Package agent implements the agent side of the control channel:
// it dials the tunnel endpoint, registers, and for every request
// frame it receives, reissues the request against a local server and
// sends back the response.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexthop-dev/retunnel/internal/wire"
)

// Sentinel errors for misconfigured clients.
var (
	ErrLocalPortRequired = errors.New("agent: local port is required")
	ErrServerURLRequired = errors.New("agent: server URL is required")
)

// Option configures a Client.
type Option func(*Client)

// WithUser sets the user token presented at registration.
func WithUser(user string) Option {
	return func(c *Client) { c.user = user }
}

// WithLocalPort sets the loopback port the agent re-issues requests
// against.
func WithLocalPort(port int) Option {
	return func(c *Client) { c.localPort = port }
}

// WithServerURL sets the tunnel endpoint's websocket URL
// (ws://host:port/tunnel or wss://...).
func WithServerURL(url string) Option {
	return func(c *Client) { c.serverURL = url }
}

// WithKeepAlive sets the ping interval used to keep the control
// channel's intermediary proxies from timing it out.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) { c.keepAlive = d }
}

// WithBaseRetryDelay sets the starting reconnect backoff delay.
func WithBaseRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.baseRetryDelay = d }
}

// WithMaxRetryDelay sets the reconnect backoff ceiling.
func WithMaxRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.maxRetryDelay = d }
}

// WithLocalTimeout bounds how long the agent waits for its local
// server to answer a re-issued request.
func WithLocalTimeout(d time.Duration) Option {
	return func(c *Client) { c.localTimeout = d }
}

// WithLogger configures a structured logger. Defaults to
// slog.Default with a "component" attribute.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithOnRegistered installs a callback invoked with the alias the
// server assigned once registration completes, useful for printing
// the public URL to the operator.
func WithOnRegistered(fn func(alias string)) Option {
	return func(c *Client) { c.onRegistered = fn }
}

// Client manages a reverse tunnel connection with automatic
// registration and reconnection with exponential backoff.
type Client struct {
	serverURL      string
	user           string
	localPort      int
	keepAlive      time.Duration
	baseRetryDelay time.Duration
	maxRetryDelay  time.Duration
	localTimeout   time.Duration
	onRegistered   func(alias string)
	log            *slog.Logger
	httpClient     *http.Client
}

// New creates an agent Client. It validates required fields but
// performs no I/O.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		keepAlive:      20 * time.Second,
		baseRetryDelay: 1 * time.Second,
		maxRetryDelay:  30 * time.Second,
		localTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.localPort == 0 {
		return nil, ErrLocalPortRequired
	}
	if c.serverURL == "" {
		return nil, ErrServerURLRequired
	}
	if c.log == nil {
		c.log = slog.Default().With("component", "agent")
	}
	c.httpClient = &http.Client{Timeout: c.localTimeout}

	return c, nil
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff on any connection failure.
func (c *Client) Run(ctx context.Context) error {
	bo := newBackoff(c.baseRetryDelay, c.maxRetryDelay)

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, alias, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("connect failed, retrying", "error", err, "retry_in", bo.current)
			if !sleepCtx(ctx, bo.Next()) {
				return nil
			}
			continue
		}
		bo.Reset()

		if c.onRegistered != nil {
			c.onRegistered(alias)
		}

		err = c.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return nil
		}

		c.log.Warn("connection lost, reconnecting", "error", err, "retry_in", bo.current)
		if !sleepCtx(ctx, bo.Next()) {
			return nil
		}
	}
}

// dial opens the websocket connection and performs the registration
// handshake.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial: %w", err)
	}

	reg := wire.RegisterFrame{Type: "register", User: c.user, Port: c.localPort}
	if err := conn.WriteJSON(reg); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("read registration reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env wire.Envelope
	if err := wire.Unmarshal(data, &env); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("decode registration reply: %w", err)
	}

	switch env.Classify() {
	case wire.KindRegistered:
		var registered wire.RegisteredFrame
		if err := wire.Unmarshal(data, &registered); err != nil {
			conn.Close()
			return nil, "", fmt.Errorf("decode registered frame: %w", err)
		}
		return conn, registered.Alias, nil
	case wire.KindError:
		var errFrame wire.ErrorFrame
		_ = wire.Unmarshal(data, &errFrame)
		conn.Close()
		return nil, "", fmt.Errorf("registration rejected: %s", errFrame.Message)
	default:
		conn.Close()
		return nil, "", fmt.Errorf("unexpected registration reply")
	}
}

// serve reads request frames off conn until it closes, dispatching
// each to the local server concurrently; responses are written back
// through a mutex-serialized sender.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	var writeMu sync.Mutex
	send := func(frame any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		data, err := wire.Marshal(frame)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	stop := make(chan struct{})
	go c.pingLoop(ctx, conn, &writeMu, stop)
	defer close(stop)

	// ReadMessage only unblocks on connection errors, so a cancelled
	// context must close the connection out from under it.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env wire.Envelope
		if err := wire.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if env.Classify() != wire.KindRequest {
			continue
		}

		var req wire.RequestFrame
		if err := wire.Unmarshal(data, &req); err != nil {
			c.log.Warn("dropping malformed request frame", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := c.handle(ctx, req)
			if err := send(resp); err != nil {
				c.log.Warn("failed to send response", "id", req.ID, "error", err)
			}
		}()
	}
}

// pingLoop sends periodic websocket pings so intermediary proxies do
// not time out the control channel during idle periods.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, stop <-chan struct{}) {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
