// Package main is the entry point for the retunneld binary. It
// supports two subcommands:
//   - server: runs the edge dispatcher, tunnel endpoint, and
//     dashboard listeners
//   - agent:  dials a tunnel endpoint and re-issues requests against
//     a local server
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexthop-dev/retunnel/internal/config"
	"github.com/nexthop-dev/retunnel/internal/core"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the root command and its subcommands and executes it.
func run(ctx context.Context) error {
	conf, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	root, err := newRootCommand(conf)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return root.ExecuteContext(ctx)
}

func newRootCommand(conf *config.Config) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:           "retunneld",
		Short:         "retunneld: a reverse HTTP tunnel server and agent",
		Version:       string(core.Version(version)),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd, err := newServerCommand(conf)
	if err != nil {
		return nil, err
	}

	agentCmd, err := newAgentCommand(conf)
	if err != nil {
		return nil, err
	}

	root.AddCommand(serverCmd, agentCmd)
	return root, nil
}
