// Package dispatch implements the edge dispatcher: subdomain resolution, request framing, dispatch and
// wait for the correlated response, response emission, and request
// logging.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nexthop-dev/retunnel/internal/core"
	"github.com/nexthop-dev/retunnel/internal/metrics"
	"github.com/nexthop-dev/retunnel/internal/registry"
	"github.com/nexthop-dev/retunnel/internal/store"
	"github.com/nexthop-dev/retunnel/internal/wire"
)

// DefaultRequestTimeout bounds how long a dispatched request waits
// for its response before the edge gives up with a 504.
const DefaultRequestTimeout = 60 * time.Second

// Dispatcher is the public HTTP handler.
type Dispatcher struct {
	registry       *registry.Registry
	logger         store.RequestLogger
	customDomains  map[string]string // exact host -> alias
	requestTimeout time.Duration
	log            *slog.Logger
	metrics        *metrics.Metrics

	warnForwardedPortOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithCustomDomains configures the exact host→alias override map
func WithCustomDomains(m map[string]string) Option {
	return func(d *Dispatcher) { d.customDomains = m }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.requestTimeout = t }
}

// WithMetrics wires the dispatcher's request/byte counters into m.
// Without this option the dispatcher runs with no observability
// overhead.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New returns a Dispatcher resolving aliases against reg and logging
// completed requests through logger.
func New(reg *registry.Registry, logger store.RequestLogger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:       reg,
		logger:         logger,
		requestTimeout: DefaultRequestTimeout,
		log:            slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ServeHTTP resolves the request's host to a tunnel, frames and
// dispatches the request on it, waits for the correlated response,
// and writes it back to the public client.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	alias := d.resolveAlias(r)

	tun, err := d.lookupTunnel(alias)
	if err != nil {
		status, msg := statusFromError(err)
		http.Error(w, msg, status)
		return
	}

	body, files, bytesInBody, err := parseBody(r)
	if err != nil {
		status, msg := statusFromError(&core.DomainError{
			Code:    core.ErrorCodeInvalidArgument,
			Message: "Bad request",
		})
		http.Error(w, msg, status)
		return
	}

	headers := headerMap(r.Header)
	id := tun.NextRequestID()
	frame := wire.RequestFrame{
		ID:      id,
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: headers,
		Body:    body,
		Files:   files,
	}

	hdrs, _ := wire.Marshal(headers)
	bytesIn := len(hdrs) + bytesInBody

	deadline := time.Now().Add(d.requestTimeout)
	pending := tun.Register(id, deadline)

	if err := tun.Sender.Send(frame); err != nil {
		tun.Expire(id)
		status, msg := statusFromError(&core.ErrTunnelOffline{Alias: alias})
		http.Error(w, msg, status)
		return
	}

	ctx, cancel := context.WithDeadline(r.Context(), deadline)
	defer cancel()

	var resp *core.ResponseFrame
	select {
	case resp = <-pending.Done:
	case <-ctx.Done():
		tun.Expire(id)
		status, msg := statusFromError(&core.ErrDeadlineExceeded{RequestID: id})
		http.Error(w, msg, status)
		d.logRequest(r, alias, status, bytesIn, 0)
		return
	}

	if resp == nil {
		// Tunnel closed while this request was in flight.
		status, msg := statusFromError(&core.ErrTunnelOffline{Alias: alias})
		http.Error(w, msg, status)
		d.logRequest(r, alias, status, bytesIn, 0)
		return
	}

	bytesOut := writeResponse(w, resp)
	tun.AddBytes(0, bytesOut)
	d.logRequest(r, alias, firstNonZero(resp.Status, http.StatusOK), bytesIn, bytesOut)
}

// lookupTunnel resolves alias against the registry and verifies its
// channel is usable, surfacing the failure as a typed domain error
// for statusFromError to translate.
func (d *Dispatcher) lookupTunnel(alias string) (*core.Tunnel, error) {
	tun, ok := d.registry.LookupByAlias(alias)
	if !ok {
		return nil, &core.ErrUnknownAlias{Alias: alias}
	}
	if tun.State() != core.StateActive {
		return nil, &core.ErrTunnelOffline{Alias: alias}
	}
	return tun, nil
}

// resolveAlias maps the request's host to an alias: custom-domain
// exact match first, then the first label of the host.
func (d *Dispatcher) resolveAlias(r *http.Request) string {
	host := r.Host
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}

	if d.customDomains != nil {
		if alias, ok := d.customDomains[host]; ok {
			return alias
		}
	}

	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

func splitHostPort(hostport string) (string, string, error) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 {
		return hostport, "", nil
	}
	return hostport[:i], hostport[i+1:], nil
}

// logRequest appends a row to the request log. Storage failure is
// logged but never fails the request.
//
// The port is read from X-Forwarded-Port, defaulting to 0: it assumes
// an upstream proxy sets the header, and is always 0 without one.
// warnForwardedPortOnce flags that to the operator a single time, on
// the first logged request that lacks the header.
func (d *Dispatcher) logRequest(r *http.Request, alias string, status, bytesIn, bytesOut int) {
	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(metrics.StatusClass(status)).Inc()
		d.metrics.BytesIn.Add(float64(bytesIn))
		d.metrics.BytesOut.Add(float64(bytesOut))
	}

	port := 0
	if v := r.Header.Get("X-Forwarded-Port"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	} else {
		d.warnForwardedPortOnce.Do(func() {
			d.log.Warn("X-Forwarded-Port header not set; request log port is 0 " +
				"for every request an upstream proxy does not set it on")
		})
	}

	rec := store.Record{
		Alias:    alias,
		Port:     port,
		Method:   r.Method,
		Path:     r.URL.Path,
		Status:   status,
		BytesIn:  bytesIn,
		BytesOut: bytesOut,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := d.logger.LogRequest(ctx, rec); err != nil {
		d.log.Warn("failed to log request", "alias", alias, "error", err)
	}
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
