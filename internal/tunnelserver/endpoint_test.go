package tunnelserver

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexthop-dev/retunnel/internal/alloc"
	"github.com/nexthop-dev/retunnel/internal/registry"
	"github.com/nexthop-dev/retunnel/internal/store"
	"github.com/nexthop-dev/retunnel/internal/wire"
)

func newTestServer(t *testing.T) (*httptest.Server, *Server, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	a := alloc.New(store.NewFake(), reg)
	srv := NewServer(reg, a, WithKeepAlive(20*time.Second))
	return httptest.NewServer(srv), srv, reg
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestAnonymousRegistrationRoundTrip(t *testing.T) {
	t.Parallel()

	ts, _, reg := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteJSON(wire.RegisterFrame{Type: "register"}); err != nil {
		t.Fatalf("write register: %v", err)
	}

	var registered wire.RegisteredFrame
	if err := conn.ReadJSON(&registered); err != nil {
		t.Fatalf("read registered: %v", err)
	}
	if registered.Type != "registered" || registered.Alias == "" {
		t.Fatalf("unexpected registered frame: %+v", registered)
	}

	time.Sleep(20 * time.Millisecond) // let the server goroutine insert into the registry

	tun, ok := reg.LookupByAlias(registered.Alias)
	if !ok {
		t.Fatalf("alias %q not found in registry", registered.Alias)
	}
	if tun.ID != registered.UUID {
		t.Fatalf("tunnel id mismatch: registry=%q frame=%q", tun.ID, registered.UUID)
	}
}

func TestMalformedRegisterFrameIsRejected(t *testing.T) {
	t.Parallel()

	ts, _, _ := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var errFrame wire.ErrorFrame
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame.Type != "error" {
		t.Fatalf("expected error frame, got %+v", errFrame)
	}
}

func TestDisconnectRemovesFromRegistry(t *testing.T) {
	t.Parallel()

	ts, _, reg := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts.URL)

	if err := conn.WriteJSON(wire.RegisterFrame{Type: "register"}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var registered wire.RegisteredFrame
	if err := conn.ReadJSON(&registered); err != nil {
		t.Fatalf("read registered: %v", err)
	}

	conn.Close()
	time.Sleep(50 * time.Millisecond)

	if _, ok := reg.LookupByAlias(registered.Alias); ok {
		t.Fatalf("alias still present in registry after disconnect")
	}
}

func TestShutdownClosesLiveTunnels(t *testing.T) {
	t.Parallel()

	ts, srv, reg := newTestServer(t)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	if err := conn.WriteJSON(wire.RegisterFrame{Type: "register"}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	var registered wire.RegisteredFrame
	if err := conn.ReadJSON(&registered); err != nil {
		t.Fatalf("read registered: %v", err)
	}

	// Shutdown blocks until the connection goroutine has torn the
	// tunnel down, so no sleep is needed before checking the registry.
	srv.Shutdown()

	if _, ok := reg.LookupByAlias(registered.Alias); ok {
		t.Fatalf("alias still present in registry after Shutdown")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("agent read succeeded after Shutdown, want a closed connection")
	}
}
