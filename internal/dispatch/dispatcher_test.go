package dispatch

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nexthop-dev/retunnel/internal/core"
	"github.com/nexthop-dev/retunnel/internal/registry"
	"github.com/nexthop-dev/retunnel/internal/store"
	"github.com/nexthop-dev/retunnel/internal/wire"
)

// echoSender simulates an agent that immediately answers every
// request frame by calling back into the tunnel's Complete method.
type echoSender struct {
	tun      *core.Tunnel
	respond  func(wire.RequestFrame) wire.ResponseFrame
	sendHook func() error
}

func (s *echoSender) Send(frame any) error {
	if s.sendHook != nil {
		if err := s.sendHook(); err != nil {
			return err
		}
	}
	req, ok := frame.(wire.RequestFrame)
	if !ok || s.respond == nil {
		return nil
	}
	go func() {
		resp := s.respond(req)
		s.tun.Complete(&core.ResponseFrame{ID: resp.ID, Status: resp.Status, Headers: resp.Headers, Body: resp.Body})
	}()
	return nil
}

func (s *echoSender) Close() error { return nil }

func activeTunnel(alias string) (*core.Tunnel, *echoSender) {
	sender := &echoSender{}
	tun := core.NewTunnel("tid-1", "alice", 3000, sender)
	tun.Alias = alias
	tun.SetState(core.StateActive)
	sender.tun = tun
	return tun, sender
}

func newDispatcher(t *testing.T, reg *registry.Registry) (*Dispatcher, *store.Fake) {
	t.Helper()
	fake := store.NewFake()
	d := New(reg, fake, WithRequestTimeout(2*time.Second))
	return d, fake
}

func TestUnknownAliasReturns400(t *testing.T) {
	t.Parallel()

	d, _ := newDispatcher(t, registry.New())

	req := httptest.NewRequest(http.MethodGet, "http://ghost.example.com/ping", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestOfflineTunnelReturns503(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	tun, _ := activeTunnel("client-aaaaaaaaaaaa")
	tun.SetState(core.StateRegistering)
	if err := reg.Insert(tun); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	d, _ := newDispatcher(t, reg)

	req := httptest.NewRequest(http.MethodGet, "http://client-aaaaaaaaaaaa.example.com/ping", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	tun, sender := activeTunnel("client-aaaaaaaaaaaa")
	sender.respond = func(req wire.RequestFrame) wire.ResponseFrame {
		return wire.ResponseFrame{
			ID:      req.ID,
			Status:  200,
			Headers: map[string]string{"content-type": "application/json"},
			Body:    map[string]any{"y": float64(2)},
		}
	}
	if err := reg.Insert(tun); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	d, fake := newDispatcher(t, reg)

	body := `{"x":1}`
	req := httptest.NewRequest(http.MethodPost, "http://client-aaaaaaaaaaaa.example.com/api/echo", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != `{"y":2}` {
		t.Fatalf("body = %q, want {\"y\":2}", got)
	}
	if len(fake.Logged) != 1 {
		t.Fatalf("expected one logged request, got %d", len(fake.Logged))
	}
	if fake.Logged[0].Status != 200 || fake.Logged[0].Path != "/api/echo" {
		t.Fatalf("unexpected log record: %+v", fake.Logged[0])
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	tun, sender := activeTunnel("client-aaaaaaaaaaaa")
	want := []byte{0x89, 0x50, 0x4e, 0x47, 0x01, 0x02, 0x03}
	sender.respond = func(req wire.RequestFrame) wire.ResponseFrame {
		return wire.ResponseFrame{
			ID:      req.ID,
			Status:  200,
			Headers: map[string]string{"content-type": "image/png"},
			Body: map[string]any{
				"type": "binary",
				"data": base64.StdEncoding.EncodeToString(want),
			},
		}
	}
	if err := reg.Insert(tun); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	d, _ := newDispatcher(t, reg)

	req := httptest.NewRequest(http.MethodGet, "http://client-aaaaaaaaaaaa.example.com/logo.png", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != string(want) {
		t.Fatalf("body mismatch: got %v want %v", rec.Body.Bytes(), want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content-type = %q, want image/png", ct)
	}
}

func TestTunnelDisconnectMidFlightReturns503(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	tun, sender := activeTunnel("client-aaaaaaaaaaaa")
	sender.sendHook = func() error {
		go tun.AbortAll()
		return nil
	}
	if err := reg.Insert(tun); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	d, _ := newDispatcher(t, reg)

	req := httptest.NewRequest(http.MethodGet, "http://client-aaaaaaaaaaaa.example.com/ping", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestDeadlineExceededReturns504(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	tun, _ := activeTunnel("client-aaaaaaaaaaaa")
	if err := reg.Insert(tun); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// No responder: the pending slot can only ever time out.
	d := New(reg, store.NewFake(), WithRequestTimeout(10*time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "http://client-aaaaaaaaaaaa.example.com/slow", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
}

func TestCustomDomainOverridesSubdomain(t *testing.T) {
	t.Parallel()

	reg := registry.New()
	tun, sender := activeTunnel("client-aaaaaaaaaaaa")
	sender.respond = func(req wire.RequestFrame) wire.ResponseFrame {
		return wire.ResponseFrame{ID: req.ID, Status: 200, Headers: map[string]string{"content-type": "text/plain"}, Body: "ok"}
	}
	if err := reg.Insert(tun); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	d := New(reg, store.NewFake(), WithCustomDomains(map[string]string{"custom.example.org": "client-aaaaaaaaaaaa"}))

	req := httptest.NewRequest(http.MethodGet, "http://custom.example.org/ping", nil)
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}
