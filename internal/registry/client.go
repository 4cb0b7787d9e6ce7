// Package registry integrates with the hospital record registry, the
// authority on which clinical records exist and which actors may chart on
// them. The engine itself has no access model; it asks and caches nothing.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/opchart/go-dripline/pkg/circuitbreaker"
)

var (
	// ErrAccessDenied means the registry refused the actor for this record.
	ErrAccessDenied = errors.New("registry: access denied")
	// ErrRecordUnknown means the registry has never heard of the record.
	ErrRecordUnknown = errors.New("registry: record unknown")
	// ErrUnavailable means the registry could not be reached and the
	// deployment is configured to fail closed.
	ErrUnavailable = errors.New("registry: unavailable")
)

// Config holds registry client configuration.
type Config struct {
	// BaseURL is the registry endpoint. Empty disables checks entirely,
	// which is how the standalone deployment runs.
	BaseURL string
	// Timeout bounds each access check.
	Timeout time.Duration
	// AllowOnOutage lets charting continue when the registry is down. Care
	// continuity beats access control on a ward, so this defaults to true;
	// every allowed-on-outage decision is logged.
	AllowOnOutage bool
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:       3 * time.Second,
		AllowOnOutage: true,
	}
}

// Client checks record access against the registry through a circuit
// breaker, so a struggling registry cannot stall every chart write.
type Client struct {
	config  Config
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewClient creates a registry client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	bcfg := circuitbreaker.DefaultConfig("record-registry")
	bcfg.IsSuccessful = func(err error) bool {
		// A definitive refusal is a healthy registry doing its job.
		return err == nil || errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrRecordUnknown)
	}
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create registry breaker: %w", err)
	}
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("dripline.registry"),
	}, nil
}

type accessResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Authorize checks whether actor may touch recordID. Write access implies
// read. Returns nil when allowed, ErrAccessDenied or ErrRecordUnknown on a
// definitive refusal, and ErrUnavailable only when the registry is down and
// AllowOnOutage is off.
func (c *Client) Authorize(ctx context.Context, recordID, actor string, write bool) error {
	if c.config.BaseURL == "" {
		return nil
	}

	ctx, span := c.tracer.Start(ctx, "registry.authorize",
		trace.WithAttributes(
			attribute.String("record_id", recordID),
			attribute.Bool("write", write),
		))
	defer span.End()

	_, err := c.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, c.check(ctx, recordID, actor, write)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrRecordUnknown) {
		span.RecordError(err)
		return err
	}

	// Anything else is infrastructure: transport failure, a 5xx, or the
	// breaker holding the door shut.
	if c.config.AllowOnOutage {
		c.logger.Warn("registry unreachable, allowing by policy",
			zap.String("record_id", recordID),
			zap.String("actor", actor),
			zap.Error(err))
		return nil
	}
	span.RecordError(err)
	return ErrUnavailable
}

func (c *Client) check(ctx context.Context, recordID, actor string, write bool) error {
	mode := "read"
	if write {
		mode = "write"
	}
	endpoint := fmt.Sprintf("%s/records/%s/access?actor=%s&mode=%s",
		c.config.BaseURL, url.PathEscape(recordID), url.QueryEscape(actor), mode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body accessResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			// An OK without a parseable body still means allowed.
			return nil
		}
		if !body.Allowed {
			c.logDenied(recordID, actor, body.Reason)
			return ErrAccessDenied
		}
		return nil
	case http.StatusForbidden:
		var body accessResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		c.logDenied(recordID, actor, body.Reason)
		return ErrAccessDenied
	case http.StatusNotFound:
		return ErrRecordUnknown
	default:
		return fmt.Errorf("registry returned %d", resp.StatusCode)
	}
}

func (c *Client) logDenied(recordID, actor, reason string) {
	c.logger.Warn("record access denied",
		zap.String("record_id", recordID),
		zap.String("actor", actor),
		zap.String("reason", reason))
}

// Healthy reports whether the breaker is letting requests through.
func (c *Client) Healthy() bool {
	return !c.breaker.IsOpen()
}
