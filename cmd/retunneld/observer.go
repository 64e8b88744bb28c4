package main

import (
	"net/http"

	"github.com/nexthop-dev/retunnel/internal/dashboard"
)

// newObserverMux builds the observer listener's handler: the dashboard
// websocket endpoint plus the Prometheus /metrics endpoint.
func newObserverMux(hub *dashboard.Hub, metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/dashboard", hub)
	mux.Handle("/metrics", metricsHandler)
	return mux
}
