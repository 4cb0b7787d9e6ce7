// Package main provides the outbox relay service entry point. It drains
// committed chart changes from the transactional outbox into Redpanda so
// ward terminals hear about them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/opchart/go-dripline/internal/config"
	"github.com/opchart/go-dripline/internal/infrastructure/postgres"
	"github.com/opchart/go-dripline/internal/infrastructure/redpanda"
	"github.com/opchart/go-dripline/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	if cfg.IsDev() {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	if cfg.Standalone() {
		logger.Fatal("outbox relay needs the postgres deployment", zap.String("store_mode", cfg.StoreMode))
	}

	ctx := context.Background()

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Make sure the chart topics exist before producing to them
	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client failed", zap.Error(err))
	}
	if err := admin.EnsureTopics(ctx); err != nil {
		logger.Fatal("topic bootstrap failed", zap.Error(err))
	}
	admin.Close()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.KafkaBrokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.KafkaBrokers))

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)

	outbox.Start()
	logger.Info("outbox relay started")

	m := metrics.New()

	// Housekeeping: sweep delivered entries, dead-letter the ones that ran
	// out of retries, keep the backlog gauge fresh.
	maintCtx, cancelMaint := context.WithCancel(ctx)
	go maintenanceLoop(maintCtx, outbox, m, logger)

	// Liveness and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":"outbox-relay","version":"1.0.0"}`)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancelMaint()
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}

func maintenanceLoop(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := outbox.SweepProcessed(ctx); err != nil {
				logger.Warn("outbox sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("swept delivered outbox entries", zap.Int64("count", n))
			}

			if n, err := outbox.MoveToDeadLetter(ctx, redpanda.TopicDeadLetter); err != nil {
				logger.Warn("dead-letter move failed", zap.Error(err))
			} else if n > 0 {
				logger.Warn("entries moved to dead letter", zap.Int64("count", n))
			}

			stats, err := outbox.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.OldestPending != nil {
				logger.Info("outbox backlog",
					zap.Int64("pending", stats.Pending),
					zap.Int64("failed", stats.Failed),
					zap.Time("oldest_pending", *stats.OldestPending))
			}
		}
	}
}
