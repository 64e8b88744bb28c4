package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nexthop-dev/retunnel/internal/alloc"
	"github.com/nexthop-dev/retunnel/internal/config"
	"github.com/nexthop-dev/retunnel/internal/dashboard"
	"github.com/nexthop-dev/retunnel/internal/dispatch"
	"github.com/nexthop-dev/retunnel/internal/httpserver"
	"github.com/nexthop-dev/retunnel/internal/metrics"
	"github.com/nexthop-dev/retunnel/internal/registry"
	"github.com/nexthop-dev/retunnel/internal/store"
	"github.com/nexthop-dev/retunnel/internal/tunnelserver"
)

func newServerCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "server",
		Short:   "Run the edge dispatcher, tunnel endpoint, and dashboard listeners",
		Example: "retunneld server --base-domain=tunnels.example.com --storage-password=$RETUNNEL_DB_PASSWORD",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServer(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.ServerOptions); err != nil {
		return nil, err
	}
	return cmd, nil
}

// runServer wires every component of the server mode and runs its
// three listeners concurrently until ctx is cancelled.
func runServer(ctx context.Context, conf *config.Config) error {
	if conf.ServerStoragePassword() == "" {
		return fmt.Errorf("storage password is required; set --storage-password or RETUNNEL_SERVER_STORAGE_PASSWORD")
	}

	db, err := store.Open(ctx, conf.ServerStorageDSN(), conf.ServerStoragePassword())
	if err != nil {
		return fmt.Errorf("failed to connect to storage: %w", err)
	}
	defer db.Close()

	reg := registry.New()
	allocator := alloc.New(db, reg, alloc.WithDefaultQuota(conf.ServerMaxAliasesPerUser()))
	met, metricsHandler := metrics.New()

	hub := dashboard.NewHub(reg, conf.ServerBaseDomain(), dashboardOptions(conf)...)

	tunnelSrv := tunnelserver.NewServer(reg, allocator,
		tunnelserver.WithKeepAlive(conf.ServerTunnelKeepAlive()),
		tunnelserver.WithOnActiveChange(hub.Notify),
		tunnelserver.WithMetrics(met),
	)

	dispatcher := dispatch.New(reg, db,
		dispatch.WithCustomDomains(conf.ServerCustomDomains()),
		dispatch.WithRequestTimeout(conf.ServerRequestTimeout()),
		dispatch.WithMetrics(met),
	)

	observerMux := newObserverMux(hub, metricsHandler)

	edge := httpserver.New(conf.ServerHTTPAddress(), dispatcher, tlsOptions(conf)...)
	tunnelListener := httpserver.New(conf.ServerTunnelAddress(), tunnelSrv, tlsOptions(conf)...)
	observer := httpserver.New(conf.ServerObserverAddress(), observerMux, tlsOptions(conf)...)

	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return edge.Run(egCtx) })
	eg.Go(func() error { return tunnelListener.Run(egCtx) })
	eg.Go(func() error { return observer.Run(egCtx) })

	err = eg.Wait()

	// The listeners are down, but their websocket upgrades hijacked
	// the tunnel and observer connections out of http.Server's reach;
	// close them explicitly so every tunnel tears down (registry
	// removal, pending-request aborts) before the storage pool drains.
	tunnelSrv.Shutdown()
	hub.Shutdown()

	return err
}

func dashboardOptions(conf *config.Config) []dashboard.Option {
	if conf.ServerObserverLegacyShape() {
		return []dashboard.Option{dashboard.WithLegacyShape()}
	}
	return nil
}

func tlsOptions(conf *config.Config) []httpserver.Option {
	if conf.ServerTLSCert() == "" || conf.ServerTLSKey() == "" {
		return nil
	}
	return []httpserver.Option{httpserver.WithTLS(conf.ServerTLSCert(), conf.ServerTLSKey())}
}
