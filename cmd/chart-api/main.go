// Package main provides the chart API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/opchart/go-dripline/internal/api/handlers"
	"github.com/opchart/go-dripline/internal/api/middleware"
	"github.com/opchart/go-dripline/internal/audit"
	"github.com/opchart/go-dripline/internal/config"
	"github.com/opchart/go-dripline/internal/domain/infusion"
	"github.com/opchart/go-dripline/internal/infrastructure/postgres"
	"github.com/opchart/go-dripline/internal/infrastructure/redpanda"
	"github.com/opchart/go-dripline/internal/infrastructure/sqlite"
	"github.com/opchart/go-dripline/internal/infrastructure/websocket"
	"github.com/opchart/go-dripline/internal/observability/metrics"
	"github.com/opchart/go-dripline/internal/observability/tracing"
	"github.com/opchart/go-dripline/internal/registry"
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

	ctx := context.Background()

	// Tracing
	tcfg := tracing.DefaultConfig("chart-api")
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.Disabled = cfg.TracingDisabled
	provider, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}()

	m := metrics.New()

	// Store selection: postgres for the ward deployment, sqlite for a
	// standalone bedside unit, memory for demos.
	var (
		store infusion.Store
		pool  *pgxpool.Pool
		trail *audit.Trail
		hub   *websocket.Hub
	)
	switch cfg.StoreMode {
	case "postgres":
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("database ping failed", zap.Error(err))
		}
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
		logger.Info("connected to database")

		store = infusion.NewRepository(pool, redpanda.TopicChartChanges, logger)

		trail = audit.NewTrail(pool, audit.DefaultConfig(), logger)
		trail.StartSweeper()
		defer trail.Stop()

	case "sqlite":
		st, err := sqlite.NewStore(cfg.SQLitePath, logger)
		if err != nil {
			logger.Fatal("failed to open sqlite store", zap.Error(err))
		}
		defer st.Close()
		logger.Info("standalone sqlite store open", zap.String("path", st.Path()))

		hub = websocket.NewHub(logger)
		st.AddSink(hub)
		store = st

	case "memory":
		ms := infusion.NewMemoryStore()
		hub = websocket.NewHub(logger)
		ms.AddSink(hub)
		store = ms
	}

	// Registry guard. Without a registry URL every record is reachable,
	// which is how standalone units run.
	var guard middleware.Authorizer
	if cfg.RegistryURL != "" {
		rcfg := registry.DefaultConfig()
		rcfg.BaseURL = cfg.RegistryURL
		rcfg.AllowOnOutage = cfg.RegistryAllowOnOutage
		client, err := registry.NewClient(rcfg, logger)
		if err != nil {
			logger.Fatal("registry client failed", zap.Error(err))
		}
		guard = client
	}

	svc := infusion.NewService(store, logger)

	chartHandler := handlers.NewChartHandler(svc, logger).WithMetrics(m)
	if guard != nil {
		chartHandler = chartHandler.WithAuthorizer(guard)
	}
	if trail != nil {
		chartHandler = chartHandler.WithAuditTrail(trail)
	}

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing("chart-api"))

	r.Get("/healthz", healthHandler)
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler())

	// Standalone units serve terminals directly; the ward deployment
	// leaves that to the sync gateway.
	if hub != nil {
		r.Get("/ws", hub.ServeWS)
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				m.ConnectedTerminals.Set(float64(hub.ClientCount()))
			}
		}()
	}

	r.Route("/api/v1", func(r chi.Router) {
		if len(cfg.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		}
		r.Mount("/", chartHandler.Routes())
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting chart API",
		zap.String("addr", cfg.ListenAddr),
		zap.String("store_mode", cfg.StoreMode),
		zap.Bool("standalone", cfg.Standalone()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"chart-api","version":"1.0.0"}`)
}
