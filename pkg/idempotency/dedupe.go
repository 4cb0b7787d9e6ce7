// Package idempotency provides duplicate suppression for at-least-once
// message delivery. A consumer remembers the keys it has handled for a
// window and skips redeliveries inside it.
package idempotency

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DedupeConfig holds configuration for the dedupe window.
type DedupeConfig struct {
	// TTL is how long a key counts as already handled.
	TTL time.Duration
	// CleanupInterval is how often expired keys are dropped.
	CleanupInterval time.Duration
}

// DefaultDedupeConfig returns sensible defaults. Ten minutes comfortably
// covers a consumer-group rebalance replaying uncommitted offsets.
func DefaultDedupeConfig() DedupeConfig {
	return DedupeConfig{
		TTL:             10 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Dedupe is an in-memory first-delivery filter. It is safe for
// concurrent use.
type Dedupe struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	dupes  uint64
	config DedupeConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDedupe creates a dedupe window.
func NewDedupe(cfg DedupeConfig, logger *zap.Logger) *Dedupe {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultDedupeConfig().TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultDedupeConfig().CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dedupe{
		seen:   make(map[string]time.Time),
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Duplicate marks the key handled and reports whether it was already
// handled within the window. The first call for a key returns false.
func (d *Dedupe) Duplicate(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[key]; ok && now.Sub(at) < d.config.TTL {
		d.dupes++
		return true
	}
	d.seen[key] = now
	return false
}

// Len reports how many keys the window currently holds.
func (d *Dedupe) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Duplicates reports how many redeliveries have been suppressed.
func (d *Dedupe) Duplicates() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dupes
}

// Start launches the background cleanup goroutine.
func (d *Dedupe) Start() {
	go d.cleanupLoop()
	d.logger.Info("dedupe window started",
		zap.Duration("ttl", d.config.TTL),
		zap.Duration("cleanup_interval", d.config.CleanupInterval))
}

// Stop stops the cleanup goroutine.
func (d *Dedupe) Stop() {
	d.cancel()
	<-d.done
	d.logger.Info("dedupe window stopped")
}

func (d *Dedupe) cleanupLoop() {
	defer close(d.done)

	ticker := time.NewTicker(d.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.cleanup()
		}
	}
}

func (d *Dedupe) cleanup() {
	cutoff := time.Now().Add(-d.config.TTL)
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	for key, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, key)
			dropped++
		}
	}
	if dropped > 0 {
		d.logger.Debug("dedupe cleanup completed",
			zap.Int("dropped", dropped),
			zap.Int("remaining", len(d.seen)))
	}
}
