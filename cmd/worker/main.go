// The worker runs the renewal sweep on a fixed interval. It shares the
// billing engine with the API so sweeps triggered over HTTP and sweeps
// triggered here reconcile the same way.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lunapay/subs-api/internal/domain/billing"
	"github.com/lunapay/subs-api/pkg/config"
	"github.com/lunapay/subs-api/pkg/db"
	"github.com/lunapay/subs-api/pkg/observability"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.IsDevelopment() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	}

	logger.Info("starting renewal worker",
		slog.Duration("sweep_interval", cfg.Worker.SweepInterval),
		slog.String("metrics_addr", cfg.Worker.MetricsAddr),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(db.Config{
		DSN:             cfg.Database.DSN(),
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer database.Close()

	repo := billing.NewRepositoryImpl(database.Pool, logger)
	gateway := billing.NewSimulatedGateway(cfg.Gateway.FailPattern)
	engine := billing.NewService(repo, gateway, logger)

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		runSweep(gCtx, engine, logger)

		ticker := time.NewTicker(cfg.Worker.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				runSweep(gCtx, engine, logger)
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func runSweep(ctx context.Context, engine billing.Service, logger *slog.Logger) {
	start := time.Now()
	result, err := engine.RenewalSweep(ctx, time.Now().UTC())
	if err != nil {
		logger.Error("renewal sweep failed", slog.Any("error", err))
		return
	}
	observability.SweepDuration.Observe(time.Since(start).Seconds())
	logger.Info("renewal sweep completed",
		slog.Int("checked", result.Checked),
		slog.Int("renewed", result.Renewed),
		slog.Int("failed", result.Failed),
		slog.Duration("took", time.Since(start)),
	)
}
