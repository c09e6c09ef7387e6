package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/rendis/workcell/internal/api"
	"github.com/rendis/workcell/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workcell manager HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), c)
		},
	}
	cmd.Flags().String("workcell", "", "workcell definition file (YAML or JSON)")
	cmd.Flags().String("listen", "", "HTTP listen address")
	return cmd
}

func runServe(parent context.Context, c *cli) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	cfg, logger := c.cfg, c.logger
	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.close()

	apiSrv, err := api.NewServer(api.Options{
		Manager:        s.manager,
		Hub:            s.hub,
		Scheduler:      s.scheduler,
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	mcpHandler := s.mcp.HTTPHandler()
	swapper := newHandlerSwapper(rootHandler(apiSrv.Handler(), mcpHandler, cfg.MCPHTTP))

	// Hot reload: log level and the /mcp mount apply live; the rest waits
	// for a restart.
	c.v.OnConfigChange(func(fsnotify.Event) {
		next, err := loadConfig(c.v)
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			return
		}
		d := diffConfigs(cfg, next)
		if d.LogLevelChanged {
			c.level.Set(logging.ParseLevel(next.LogLevel))
			logger.Info("log level changed", "level", next.LogLevel)
		}
		if d.MCPHTTPChanged {
			swapper.Swap(rootHandler(apiSrv.Handler(), mcpHandler, next.MCPHTTP))
			logger.Info("mcp http transport toggled", "enabled", next.MCPHTTP)
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("config changes need a restart", "fields", d.RestartNeeded)
		}
		cfg.LogLevel, cfg.MCPHTTP = next.LogLevel, next.MCPHTTP
	})
	if c.v.ConfigFileUsed() != "" {
		c.v.WatchConfig()
	}

	if err := s.start(ctx); err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           swapper,
		ReadHeaderTimeout: 15 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("workcell manager listening", "addr", cfg.ListenAddr, "workcell", s.workcell.Name, "mcp_http", cfg.MCPHTTP)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		s.stop()
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", cfg.ListenAddr, err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	s.stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
		_ = httpSrv.Close()
	}
	logger.Info("workcell manager stopped")
	return nil
}

func newMCPCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the workcell manager with an MCP stdio transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := buildStack(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer s.close()
			if err := s.start(ctx); err != nil {
				return err
			}
			defer s.stop()
			return s.mcp.Serve(ctx)
		},
	}
	cmd.Flags().String("workcell", "", "workcell definition file (YAML or JSON)")
	return cmd
}
