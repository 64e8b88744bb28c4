package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexthop-dev/retunnel/internal/agent"
	"github.com/nexthop-dev/retunnel/internal/config"
)

func newAgentCommand(conf *config.Config) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "agent",
		Short:   "Dial a tunnel endpoint and re-issue requests against a local server",
		Example: "retunneld agent --local-port=3000 --server-url=ws://tunnels.example.com:8081/tunnel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), conf)
		},
	}

	if err := conf.BindFlags(cmd.Flags(), config.AgentOptions); err != nil {
		return nil, err
	}
	return cmd, nil
}

// runAgent builds and runs the agent client. Anonymous registrations
// additionally arm a timer that terminates the process once the
// configured session timeout elapses.
func runAgent(ctx context.Context, conf *config.Config) error {
	log := slog.Default().With("component", "agent")

	client, err := agent.New(
		agent.WithUser(conf.AgentUser()),
		agent.WithLocalPort(conf.AgentLocalPort()),
		agent.WithServerURL(conf.AgentServerURL()),
		agent.WithKeepAlive(conf.AgentKeepAlive()),
		agent.WithBaseRetryDelay(conf.AgentReconnectDelay()),
		agent.WithMaxRetryDelay(conf.AgentMaxReconnectDelay()),
		agent.WithLocalTimeout(conf.AgentLocalRequestTimeout()),
		agent.WithOnRegistered(func(alias string) {
			log.Info("tunnel registered", "alias", alias)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize agent: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if conf.AgentUser() == "" {
		if ttl := conf.AgentAnonymousSessionTimeout(); ttl > 0 {
			timer := time.AfterFunc(ttl, func() {
				log.Warn("anonymous session timeout elapsed, shutting down", "timeout", ttl)
				cancel()
			})
			defer timer.Stop()
		}
	}

	return client.Run(runCtx)
}
