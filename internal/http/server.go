// Package http provides the HTTP API for docsearch.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/ingest"
	"github.com/fyrsmithlabs/docsearch/internal/logging"
	"github.com/fyrsmithlabs/docsearch/internal/retrieval"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Searcher runs semantic searches.
type Searcher interface {
	SemanticSearch(ctx context.Context, query string, topK int) (*retrieval.Result, error)
}

// Documents is the read side of the document store.
type Documents interface {
	GetDocument(ctx context.Context, id string) (*docstore.Document, error)
	ListByDepartment(ctx context.Context, departmentID string) ([]docstore.Document, error)
	ListByUploader(ctx context.Context, userID string) ([]docstore.Document, error)
	Ping(ctx context.Context) error
}

// Ingester stores and removes documents.
type Ingester interface {
	Ingest(ctx context.Context, up ingest.Upload) (*ingest.Outcome, error)
	Delete(ctx context.Context, id string) error
}

// IndexHealth reports vector index reachability and size.
type IndexHealth interface {
	Health(ctx context.Context) error
	Count(ctx context.Context, collection string) (int, error)
}

// Deps are the services behind the routes. All are required.
type Deps struct {
	Search    Searcher
	Documents Documents
	Ingest    Ingester
	Index     IndexHealth
}

// Server provides HTTP endpoints for docsearch.
type Server struct {
	echo      *echo.Echo
	search    Searcher
	documents Documents
	ingest    Ingester
	index     IndexHealth
	metrics   *HTTPMetrics
	logger    *zap.Logger
	config    *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// UploadsDir is served under /uploads when set.
	UploadsDir string

	// MaxUploadMB caps upload request bodies.
	MaxUploadMB int

	// RateLimit is requests per second per client on the search routes.
	// Zero disables limiting.
	RateLimit float64
	RateBurst int

	// Collection is the vector index collection reported by /health.
	Collection string

	// HealthTimeout bounds each /health probe.
	HealthTimeout time.Duration
}

// DefaultConfig returns the configuration used when NewServer gets nil.
func DefaultConfig() *Config {
	return &Config{
		Host:          "localhost",
		Port:          8000,
		MaxUploadMB:   50,
		Collection:    retrieval.DefaultCollection,
		HealthTimeout: 2 * time.Second,
	}
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	meter metric.Meter
}

// WithMeter records HTTP metrics on meter instead of the global provider.
func WithMeter(m metric.Meter) Option {
	return func(o *serverOptions) { o.meter = m }
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if deps.Search == nil || deps.Documents == nil || deps.Ingest == nil || deps.Index == nil {
		return nil, errors.New("search, documents, ingest and index services are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 50
	}
	if cfg.Collection == "" {
		cfg.Collection = retrieval.DefaultCollection
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 2 * time.Second
	}

	o := serverOptions{meter: otel.Meter(httpInstrumentationName)}
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		search:    deps.Search,
		documents: deps.Documents,
		ingest:    deps.Ingest,
		index:     deps.Index,
		metrics:   NewHTTPMetrics(o.meter, logger),
		logger:    logger,
		config:    cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(middleware.CORS())
	e.Use(s.metrics.MetricsMiddleware())

	s.registerRoutes()

	return s, nil
}

// requestLogger logs each request and puts its request ID on the context.
// Handler errors are committed here so the logged status is the one sent.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			if err := next(c); err != nil {
				c.Error(err)
			}

			s.logger.Info("http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	limited := rateLimiter(s.config.RateLimit, s.config.RateBurst)
	s.echo.GET("/search", s.handleSearch, limited)

	docs := s.echo.Group("/api/documents")
	docs.GET("/search", s.handleSearch, limited)
	docs.POST("/upload", s.handleUpload, middleware.BodyLimit(fmt.Sprintf("%dM", s.config.MaxUploadMB)))
	docs.GET("/department/:departmentId", s.handleListByDepartment)
	docs.GET("/uploader/:userId", s.handleListByUploader)
	docs.GET("/:id", s.handleGetDocument)
	docs.DELETE("/:id", s.handleDeleteDocument)

	if s.config.UploadsDir != "" {
		s.echo.Static("/uploads", s.config.UploadsDir)
	}
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
