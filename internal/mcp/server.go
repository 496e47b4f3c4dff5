package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/retrieval"
)

// Searcher runs semantic searches.
type Searcher interface {
	SemanticSearch(ctx context.Context, query string, topK int) (*retrieval.Result, error)
}

// Documents is the read side of the document store.
type Documents interface {
	GetDocument(ctx context.Context, id string) (*docstore.Document, error)
	ListByDepartment(ctx context.Context, departmentID string) ([]docstore.Document, error)
}

// Server is an MCP server over the retrieval pipeline.
type Server struct {
	mcp       *mcp.Server
	search    Searcher
	documents Documents
	metrics   *Metrics
	logger    *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "docsearch")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *zap.Logger

	// Meter records tool metrics. Defaults to the global provider.
	Meter metric.Meter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "docsearch",
		Version: "dev",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server with the search tools registered.
func NewServer(cfg *Config, search Searcher, documents Documents) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if search == nil {
		return nil, errors.New("search service is required")
	}
	if documents == nil {
		return nil, errors.New("document store is required")
	}
	if cfg.Name == "" {
		cfg.Name = "docsearch"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Meter == nil {
		cfg.Meter = otel.Meter(instrumentationName)
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		search:    search,
		documents: documents,
		metrics:   NewMetrics(cfg.Meter, cfg.Logger),
		logger:    cfg.Logger,
	}
	s.registerTools()

	return s, nil
}

// Run serves on the stdio transport until ctx ends or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves one session on t.
func (s *Server) Connect(ctx context.Context, t mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, t, nil)
}

// instrumented wraps a tool handler with metrics and failure logging.
func instrumented[In, Out any](s *Server, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		s.metrics.IncrementActive(ctx, name)
		defer s.metrics.DecrementActive(ctx, name)

		start := time.Now()
		res, out, err := h(ctx, req, in)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		if err != nil {
			s.logger.Warn("tool failed", zap.String("tool", name), zap.String("stage", stageOf(err)), zap.Error(err))
		}
		return res, out, err
	}
}
