// Package embeddings turns query text into vectors by calling the AI
// service's /rag_search endpoint.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

var (
	// ErrUpstreamUnavailable means the AI service could not be reached, timed
	// out, was canceled or answered with a non-2xx status.
	ErrUpstreamUnavailable = errors.New("embedding service unavailable")

	// ErrInvalidEmbeddingResponse means the AI service answered but the body
	// did not carry a usable vector.
	ErrInvalidEmbeddingResponse = errors.New("invalid embedding response")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

const (
	// MaxTimeout is the upper bound accepted for a single embedding call.
	MaxTimeout     = 60 * time.Second
	defaultTimeout = 30 * time.Second

	maxResponseBytes = 32 << 20

	outcomeOK          = "ok"
	outcomeUnavailable = "upstream_unavailable"
	outcomeInvalid     = "invalid_response"
)

// Config holds configuration for the gateway.
type Config struct {
	// BaseURL is the AI service base URL, e.g. http://ai:5000.
	BaseURL string

	// Timeout bounds each call. Zero means 30s; values above 60s are rejected.
	Timeout time.Duration

	// Dimension, when positive, is the required vector length.
	Dimension int
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Timeout < 0 || c.Timeout > MaxTimeout {
		return fmt.Errorf("%w: timeout must be within (0, %s], got %s", ErrInvalidConfig, MaxTimeout, c.Timeout)
	}
	if c.Dimension < 0 {
		return fmt.Errorf("%w: dimension must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the HTTP client. Its Timeout is overwritten.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithMeter records metrics on meter instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(g *Gateway) { g.meter = m }
}

// Gateway calls the AI service for query embeddings.
type Gateway struct {
	config  Config
	client  *http.Client
	logger  *zap.Logger
	meter   metric.Meter
	metrics *Metrics
}

// NewGateway creates a gateway.
func NewGateway(cfg Config, opts ...Option) (*Gateway, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	g := &Gateway{config: cfg}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = &http.Client{}
	}
	g.client.Timeout = cfg.Timeout
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.metrics = NewMetrics(g.meter, g.logger)
	return g, nil
}

type ragSearchRequest struct {
	Query string `json:"query"`
}

type ragSearchResponse struct {
	EmbeddingVector json.RawMessage `json:"embedding_vector"`
}

// Embed returns the embedding vector for text.
func (g *Gateway) Embed(ctx context.Context, text string) (vec []float32, err error) {
	start := time.Now()
	defer func() {
		g.metrics.Record(ctx, outcome(err), time.Since(start), len(vec))
	}()

	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	body, err := json.Marshal(ragSearchRequest{Query: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL+"/rag_search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrUpstreamUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, truncate(raw, 256))
	}

	vec, err = decodeVector(raw)
	if err != nil {
		return nil, err
	}
	if g.config.Dimension > 0 && len(vec) != g.config.Dimension {
		return nil, fmt.Errorf("%w: vector has %d dimensions, want %d", ErrInvalidEmbeddingResponse, len(vec), g.config.Dimension)
	}

	g.logger.Debug("query embedded", zap.Int("dimension", len(vec)), zap.Duration("took", time.Since(start)))
	return vec, nil
}

// decodeVector validates that body carries embedding_vector as a non-empty
// array of numbers.
func decodeVector(body []byte) ([]float32, error) {
	var resp ragSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object: %w", ErrInvalidEmbeddingResponse, err)
	}

	field := bytes.TrimSpace(resp.EmbeddingVector)
	if len(field) == 0 || bytes.Equal(field, []byte("null")) {
		return nil, fmt.Errorf("%w: embedding_vector missing", ErrInvalidEmbeddingResponse)
	}
	if field[0] != '[' {
		return nil, fmt.Errorf("%w: embedding_vector is not an array", ErrInvalidEmbeddingResponse)
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(field, &elems); err != nil {
		return nil, fmt.Errorf("%w: embedding_vector: %w", ErrInvalidEmbeddingResponse, err)
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: embedding_vector is empty", ErrInvalidEmbeddingResponse)
	}

	vec := make([]float32, len(elems))
	for i, e := range elems {
		var f float64
		if err := json.Unmarshal(e, &f); err != nil || bytes.Equal(bytes.TrimSpace(e), []byte("null")) {
			return nil, fmt.Errorf("%w: embedding_vector[%d] is not a number", ErrInvalidEmbeddingResponse, i)
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrInvalidEmbeddingResponse):
		return outcomeInvalid
	default:
		return outcomeUnavailable
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
