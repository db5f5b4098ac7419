package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ovenzeze/open-interpreter/internal/config"
	"github.com/ovenzeze/open-interpreter/internal/httpapi"
	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/sweeper"
	"github.com/ovenzeze/open-interpreter/internal/turn"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 5001, "listen port")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	c, err := build(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer c.close()

	schedule, err := sweeper.ParseSchedule(cfg.Pool.SweepSchedule, cfg.Pool.CleanupInterval.Std())
	if err != nil {
		return err
	}
	sw := sweeper.New(c.store, c.locks, c.pool, schedule, cfg.Pool.InstanceTimeout.Std())

	deps := httpapi.Deps{
		Sessions: c.store,
		Locks:    c.locks,
		Pool:     c.pool,
		Turns:    turn.New(c.store, c.locks, c.pool, cfg.Session.LockTimeout.Std()),
		Model:    c.engine.Model(),
		Provider: c.engine.Provider(),
		Version:  version,
	}
	if c.archive != nil {
		deps.Archive = c.archive
	}
	srv := httpapi.New(deps)

	logger.Info("interpreter server starting",
		"version", version,
		"addr", cfg.Server.Addr(),
		"provider", c.engine.Provider(),
		"model", c.engine.Model(),
		"max_instances", cfg.Pool.MaxActive,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, cfg.Server.Addr())
	})
	g.Go(func() error {
		sw.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("interpreter server stopped")
	return nil
}
