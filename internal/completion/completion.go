// Package completion calls hosted LLM chat APIs on behalf of the conversation driver.
package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"CourseChat/internal/session"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Service produces a reply for a system instruction followed by an ordered conversation.
type Service interface {
	Complete(ctx context.Context, system string, turns []session.Turn) (string, error)
}

// Kind classifies completion failures
type Kind string

const (
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
	KindAuth      Kind = "auth"
	KindRateLimit Kind = "rate_limit"
	KindAPI       Kind = "api"
	KindMalformed Kind = "malformed"
)

// Error is returned for every failed completion call
type Error struct {
	Provider string
	Kind     Kind
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s error (HTTP %d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindForStatus maps an HTTP status onto an error kind
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusTooManyRequests, http.StatusPaymentRequired:
		return KindRateLimit
	default:
		return KindAPI
	}
}

func transportError(provider string, err error) *Error {
	kind := KindTransport
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// Options configures a Client
type Options struct {
	Provider    string
	Model       string
	BaseURL     string
	APIKey      string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// Referer and Title are sent to OpenRouter for app attribution.
	Referer string
	Title   string

	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Client talks to one configured provider
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	duration   metric.Float64Histogram
}

// New creates a client for opts.Provider
func New(opts Options) (*Client, error) {
	switch opts.Provider {
	case ProviderOpenRouter, ProviderOpenAI, ProviderAnthropic, ProviderOllama:
	default:
		return nil, fmt.Errorf("unknown provider: %s", opts.Provider)
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("no base URL for provider %s", opts.Provider)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 1024
	}

	c := &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		logger:     opts.Logger,
		tracer:     opts.Tracer,
		meter:      opts.Meter,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("coursechat/completion")
	}
	if c.meter == nil {
		c.meter = otel.Meter("coursechat/completion")
	}

	histogram, err := c.meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	c.duration = histogram

	return c, nil
}

// Provider returns the configured provider name
func (c *Client) Provider() string {
	return c.opts.Provider
}

// Model returns the configured model identifier
func (c *Client) Model() string {
	return c.opts.Model
}

// Complete calls the configured provider
func (c *Client) Complete(ctx context.Context, system string, turns []session.Turn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	switch c.opts.Provider {
	case ProviderOpenRouter, ProviderOpenAI:
		return c.callOpenAI(ctx, system, turns)
	case ProviderAnthropic:
		return c.callAnthropic(ctx, system, turns)
	case ProviderOllama:
		return c.callOllama(ctx, system, turns)
	default:
		return "", &Error{Provider: c.opts.Provider, Kind: KindAPI, Err: fmt.Errorf("unknown provider")}
	}
}

// recordMetrics records OpenTelemetry metrics from usage data
func (c *Client) recordMetrics(ctx context.Context, usage map[string]interface{}) {
	if usage == nil {
		return
	}

	for key, value := range usage {
		if intVal, ok := value.(float64); ok {
			counter, err := c.meter.Int64Counter(
				fmt.Sprintf("llm.usage.%s", key),
				metric.WithDescription(fmt.Sprintf("LLM usage metric: %s", key)),
			)
			if err != nil {
				c.logger.Warn("failed to create counter", "key", key, "error", err)
				continue
			}
			counter.Add(ctx, int64(intVal))
		}
	}
}
