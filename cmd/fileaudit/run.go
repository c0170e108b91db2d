package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tripwire/fileaudit/internal/audit"
	"github.com/tripwire/fileaudit/internal/httpapi"
	"github.com/tripwire/fileaudit/internal/metrics"
	"github.com/tripwire/fileaudit/internal/monitor"
	"github.com/tripwire/fileaudit/internal/persist"
	"github.com/tripwire/fileaudit/internal/store"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start monitoring until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("configuration loaded",
		slog.String("config_path", a.configPath),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("audit_log", cfg.AuditLog),
		slog.Int("bootstrap_targets", len(cfg.Targets)),
	)

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := a.bootstrap(ctx, st); err != nil {
		return err
	}

	var sink persist.Sink = st
	if cfg.AuditLog != "" {
		trail, err := audit.Open(cfg.AuditLog)
		if err != nil {
			return err
		}
		defer trail.Close()
		sink = persist.Tee(st, trail)
	}

	m := metrics.New()
	svc := monitor.New(st, sink, logger,
		monitor.WithMetrics(m),
		monitor.WithWorkers(cfg.Monitor.Workers),
		monitor.WithWorkerQueue(cfg.Monitor.WorkerQueue),
		monitor.WithQueueCapacity(cfg.Monitor.QueueCapacity),
		monitor.WithEventBuffer(cfg.Monitor.EventBuffer),
		monitor.WithShutdownGrace(cfg.Monitor.ShutdownGrace),
	)
	if err := svc.StartMonitoring(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.HTTPAddr != "-" {
		g.Go(func() error {
			router := httpapi.NewRouter(svc.HealthzHandler, m.Registry)
			return httpapi.Serve(gctx, cfg.HTTPAddr, router, cfg.Monitor.ShutdownGrace, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		// The run context is already cancelled; the grace period bounds
		// the drain instead.
		return svc.StopMonitoring(context.WithoutCancel(gctx))
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run: %w", err)
	}
	logger.Info("fileaudit exited cleanly")
	return nil
}

// bootstrap upserts the configured targets so the first load sees them.
func (a *app) bootstrap(ctx context.Context, st store.Store) error {
	for i, t := range a.cfg.Targets {
		wt, err := t.WatchTarget()
		if err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
		if err := st.Upsert(ctx, wt); err != nil {
			return err
		}
	}
	return nil
}
