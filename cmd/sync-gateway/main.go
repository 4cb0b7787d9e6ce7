// Package main provides the sync gateway service entry point. It consumes
// committed chart changes from Redpanda and pushes them to the ward
// terminals watching each record over websockets.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/opchart/go-dripline/internal/config"
	"github.com/opchart/go-dripline/internal/domain/infusion"
	"github.com/opchart/go-dripline/internal/infrastructure/redpanda"
	"github.com/opchart/go-dripline/internal/infrastructure/websocket"
	"github.com/opchart/go-dripline/internal/observability/metrics"
	"github.com/opchart/go-dripline/pkg/idempotency"
	"github.com/opchart/go-dripline/pkg/workerpool"
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

	m := metrics.New()
	hub := websocket.NewHub(logger)

	// Delivery is at-least-once; a rebalance can replay changes the group
	// already fanned out. The window keeps terminals from seeing them twice.
	dedupe := idempotency.NewDedupe(idempotency.DefaultDedupeConfig(), logger)
	dedupe.Start()

	// Create worker pool. Fan-out is cheap but JSON decode plus per-record
	// routing should not run on the consumer poll goroutine.
	poolCfg := workerpool.DefaultConfig()
	workerPool, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		return relayChange(task, hub, dedupe, m, logger)
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}

	workerPool.Start()
	defer workerPool.Stop()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	if cfg.ConsumerGroup != "" {
		consumerCfg.GroupID = cfg.ConsumerGroup
	}
	consumerCfg.Topics = []string{redpanda.TopicChartChanges}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		task := &workerpool.Task{
			ID:      string(msg.Key),
			Payload: msg.Value,
			Context: ctx,
		}
		return workerPool.Submit(task)
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("sync gateway started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID))

	// Terminal count gauge
	gaugeCtx, cancelGauge := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gaugeCtx.Done():
				return
			case <-ticker.C:
				m.ConnectedTerminals.Set(float64(hub.ClientCount()))
			}
		}
	}()

	// Terminal websockets plus the usual ops endpoints
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","service":"sync-gateway","version":"1.0.0"}`)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := redpanda.HealthCheck(ctx, cfg.KafkaBrokers); err != nil {
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
			logger.Error("server error", zap.Error(err))
		}
	}()
	logger.Info("terminal endpoint listening", zap.String("addr", cfg.ListenAddr))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancelGauge()
	consumer.Stop()
	dedupe.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("sync gateway stopped")
}

// relayChange decodes one committed change and fans it out to the
// terminals watching that record. The payload is forwarded as-is;
// terminals re-derive state from the API rather than trusting the message.
func relayChange(task *workerpool.Task, hub *websocket.Hub, dedupe *idempotency.Dedupe, m *metrics.Metrics, logger *zap.Logger) *workerpool.Result {
	raw, ok := task.Payload.([]byte)
	if !ok {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: fmt.Errorf("unexpected payload type %T", task.Payload)}
	}

	var change infusion.Change
	if err := json.Unmarshal(raw, &change); err != nil {
		logger.Warn("undecodable change message", zap.String("key", task.ID), zap.Error(err))
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}
	if change.RecordID == "" {
		logger.Warn("change without record id dropped", zap.String("key", task.ID))
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: fmt.Errorf("change %s has no record id", change.ID)}
	}
	if change.ID != "" && dedupe.Duplicate(change.ID) {
		logger.Debug("redelivered change suppressed", zap.String("change_id", change.ID))
		return &workerpool.Result{TaskID: task.ID, Success: true}
	}

	hub.BroadcastChange(change.RecordID, raw)
	m.KafkaMessagesConsumed.Inc()

	logger.Debug("change relayed",
		zap.String("record_id", change.RecordID),
		zap.String("entity", string(change.Entity)),
		zap.String("action", string(change.Action)),
		zap.Int("terminals", hub.RecordCount(change.RecordID)))

	return &workerpool.Result{TaskID: task.ID, Success: true}
}
