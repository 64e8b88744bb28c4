package dashboard

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexthop-dev/retunnel/internal/core"
	"github.com/nexthop-dev/retunnel/internal/registry"
	"github.com/nexthop-dev/retunnel/internal/wire"
)

type fakeSender struct{}

func (fakeSender) Send(any) error { return nil }
func (fakeSender) Close() error   { return nil }

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestObserverReceivesSnapshotOnConnect(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	tun := core.NewTunnel("tid-1", "alice", 3000, fakeSender{})
	tun.Alias = "client-aaaaaaaaaaaa"
	tun.SetState(core.StateActive)
	if err := reg.Insert(tun); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	hub := NewHub(reg, "example.com")
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	var frame wire.ActiveURLsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if frame.Type != "active_urls" {
		t.Fatalf("frame type = %q", frame.Type)
	}
	urls, ok := frame.Data["alice"]
	if !ok || len(urls) != 1 {
		t.Fatalf("unexpected snapshot: %+v", frame.Data)
	}
}

func TestObserverLegacyShape(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	tun := core.NewTunnel("tid-1", "alice", 3000, fakeSender{})
	tun.Alias = "client-aaaaaaaaaaaa"
	tun.SetState(core.StateActive)
	if err := reg.Insert(tun); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	hub := NewHub(reg, "example.com", WithLegacyShape())
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn := dial(t, ts.URL)
	defer conn.Close()

	var frame wire.ActiveURLsFrameLegacy
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(frame.Data) != 1 {
		t.Fatalf("unexpected legacy snapshot: %+v", frame.Data)
	}
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	hub := NewHub(reg, "example.com")
	ts := httptest.NewServer(hub)
	defer ts.Close()

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conn := dial(t, ts.URL)
		defer conn.Close()
		var frame wire.ActiveURLsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read initial snapshot: %v", err)
		}
		conns = append(conns, conn)
	}

	hub.Notify()

	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame wire.ActiveURLsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read broadcast snapshot: %v", err)
		}
	}
}

func TestDisconnectEvictsObserver(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	hub := NewHub(reg, "example.com")
	ts := httptest.NewServer(hub)
	defer ts.Close()

	conn := dial(t, ts.URL)
	var frame wire.ActiveURLsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read initial snapshot: %v", err)
	}
	conn.Close()

	time.Sleep(50 * time.Millisecond)

	hub.mu.Lock()
	n := len(hub.observers)
	hub.mu.Unlock()
	if n != 0 {
		t.Fatalf("observers = %d, want 0", n)
	}
}
