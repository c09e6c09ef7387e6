package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/workcell/internal/nodesim"
)

func newSimNodeCmd(c *cli) *cobra.Command {
	var (
		cfg  nodesim.Config
		addr string
	)
	cmd := &cobra.Command{
		Use:   "simnode",
		Short: "Serve a simulated instrument node with demo actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg.Logger = c.logger.With("node", cfg.Name)
			node := nodesim.NewDemo(cfg)
			// An admin shutdown stops the process like a signal does.
			node.OnShutdown(stop)

			serveErr := make(chan error, 1)
			go func() { serveErr <- node.Start(addr) }()

			select {
			case err := <-serveErr:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return node.Shutdown(shutdownCtx)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.Name, "name", "simnode", "node name")
	f.StringVar(&cfg.Description, "description", "Simulated instrument", "node description")
	f.StringVar(&addr, "addr", ":2000", "listen address")
	f.DurationVar(&cfg.Delay, "delay", 0, "artificial delay added to every action")
	f.StringVar(&cfg.DataDir, "data-dir", "", "directory for action inputs and outputs")
	f.StringSliceVar(&cfg.RequiredConfig, "require-config", nil, "config keys the node waits for before accepting actions")
	return cmd
}
