package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"alluvial/catchup"
	"alluvial/distributor"
	"alluvial/internal/logging"
	"alluvial/metrics"
	"alluvial/partition"
	"alluvial/pool"
	"alluvial/sqldistributor"
	"alluvial/sqlfeed"
)

func runCommand(root *rootCommand) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Catch up the feed partitions of the configured scope until interrupted",
		Long: `Command "run"

Leases partitions of the configured scope and catches each one up from its
checkpoint. Every worker process pointed at the same database shares the
partitions without ever processing one concurrently. Metrics are served on
/metrics when metrics.addr is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.run(cmd.Context())
		},
	}
}

func (r *rootCommand) run(ctx context.Context) error {
	cfg := r.cfg
	p, err := r.poolFor(cfg.Scope)
	if err != nil {
		return err
	}
	if p.Kind != pool.KindInt64 {
		return fmt.Errorf("scope %q must use int64 partitions to catch up the feed, got %q", cfg.Scope, p.Kind)
	}

	db, dialect, err := r.openDB(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, cfg.Scope)
	clock := clockwork.NewRealClock()

	backend, err := sqldistributor.NewBackend(db, sqldistributor.Config{
		Scope:         cfg.Scope,
		LeaseDuration: p.LeaseDuration,
		WaitInterval:  cfg.Workers.WaitInterval.Duration(),
		Dialect:       dialect,
	},
		sqldistributor.WithLogger(logging.Component(r.logger, "lease-backend")),
		sqldistributor.WithClock(clock),
		sqldistributor.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	feed, err := sqlfeed.NewStream(db, dialect, cfg.Stream, sqlfeed.WithLogger(logging.Component(r.logger, "feed")))
	if err != nil {
		return err
	}
	checkpoints, err := sqlfeed.NewCursorStore(db, dialect, sqlfeed.WithLogger(logging.Component(r.logger, "checkpoints")))
	if err != nil {
		return err
	}
	parts := lo.Map(p.Int64Ranges(), func(rng partition.Range[int64], _ int) partition.Partition[int64] {
		return rng
	})
	driver, err := catchup.New[sqlfeed.Record, int64, int64](feed, parts, checkpoints, logBatch(r.logger),
		catchup.WithLogger(logging.Component(r.logger, "catchup")),
		catchup.WithMetrics(m),
		catchup.WithClock(clock),
		catchup.WithBatchSize(cfg.Workers.BatchSize),
		catchup.WithMaxBatchesPerLease(cfg.Workers.MaxBatchesPerLease),
	)
	if err != nil {
		return err
	}

	workers, err := distributor.New(backend, distributor.Config{
		MaxDegreesOfParallelism: cfg.Workers.Parallelism,
		WaitInterval:            cfg.Workers.WaitInterval.Duration(),
		ReleaseTimeout:          cfg.Workers.ReleaseTimeout.Duration(),
	},
		distributor.WithLogger(logging.Component(r.logger, "distributor")),
		distributor.WithClock(clock),
		distributor.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	var middleware []distributor.Middleware
	if every := cfg.Workers.ExtendEvery.Duration(); every > 0 {
		middleware = append(middleware, distributor.KeepExtending(clock, every, every))
	}
	if err := workers.OnReceive(driver.Handler(), middleware...); err != nil {
		return err
	}

	var httpServer *http.Server
	serverErr := make(chan error, 1)
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			r.logger.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	if err := workers.Start(ctx); err != nil {
		return err
	}
	r.logger.Info().
		Str("scope", cfg.Scope).
		Str("stream", cfg.Stream).
		Int("partitions", len(parts)).
		Msg("catch-up running")

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		runErr = fmt.Errorf("metrics server: %w", runErr)
	}

	if err := workers.Stop(); err != nil && !errors.Is(err, context.Canceled) {
		runErr = errors.Join(runErr, err)
	}
	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}
	return runErr
}

// logBatch is the default apply step: it records what would be projected.
func logBatch(logger zerolog.Logger) catchup.ApplyFunc[sqlfeed.Record] {
	return func(ctx context.Context, partitionName string, batch []sqlfeed.Record) error {
		logger.Info().
			Str("partition", partitionName).
			Int("records", len(batch)).
			Int64("first", batch[0].Pos).
			Int64("last", batch[len(batch)-1].Pos).
			Msg("batch applied")
		return nil
	}
}
