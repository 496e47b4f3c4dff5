// Docsearchd serves semantic document search over HTTP, or over MCP stdio.
//
// Configuration is loaded from ~/.config/docsearch/config.yaml (optional),
// a .env file in the working directory (optional) and environment
// variables. See internal/config for the keys.
//
// Usage:
//
//	# Start the HTTP server
//	docsearchd
//
//	# Serve MCP tools on stdin/stdout
//	docsearchd mcp
//
//	# Configure via environment
//	QDRANT_URL=http://localhost:6333 AI_SERVER_URL=http://localhost:5000 docsearchd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docsearch/internal/config"
	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/embeddings"
	"github.com/fyrsmithlabs/docsearch/internal/events"
	httpapi "github.com/fyrsmithlabs/docsearch/internal/http"
	"github.com/fyrsmithlabs/docsearch/internal/ingest"
	"github.com/fyrsmithlabs/docsearch/internal/logging"
	"github.com/fyrsmithlabs/docsearch/internal/mcp"
	"github.com/fyrsmithlabs/docsearch/internal/retrieval"
	"github.com/fyrsmithlabs/docsearch/internal/telemetry"
	"github.com/fyrsmithlabs/docsearch/internal/vectorindex"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const (
	modeHTTP = "http"
	modeMCP  = "mcp"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/docsearch/config.yaml)")
	flag.Parse()
	args := flag.Args()

	mode := modeHTTP
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "mcp":
			mode = modeMCP
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  docsearchd           Start the HTTP server\n")
			fmt.Fprintf(os.Stderr, "  docsearchd mcp       Serve MCP tools on stdio\n")
			fmt.Fprintf(os.Stderr, "  docsearchd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath, mode); err != nil {
		log.Fatalf("docsearchd: %v", err)
	}
}

func printVersion() {
	fmt.Printf("docsearchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the service and blocks until ctx is cancelled.
//
//  1. Loads .env, then the config file and environment
//  2. Starts telemetry and the logger
//  3. Opens the document store and vector index, ensuring the collection
//  4. Builds the embedding gateway, processor client, file store and publisher
//  5. Builds the retrieval and ingestion services
//  6. Serves HTTP or MCP until shutdown
func run(ctx context.Context, configPath, mode string) error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	deps, err := initDependencies(ctx, cfg, mode)
	if err != nil {
		return err
	}
	defer deps.Close()

	svcs, err := initServices(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if mode == modeMCP {
		return serveMCP(ctx, deps, svcs)
	}
	return serveHTTP(ctx, cfg, deps, svcs)
}

// dependencies holds all infrastructure dependencies.
type dependencies struct {
	telemetry *telemetry.Telemetry
	logger    *logging.Logger
	store     docstore.Store
	index     vectorindex.Index
	gateway   *embeddings.Gateway
	processor *ingest.ProcessorClient
	files     *ingest.FileStore
	publisher events.Publisher
}

// Close releases all infrastructure resources, newest first.
func (d *dependencies) Close() {
	zl := d.zap()
	closeWith := func(name string, fn func() error) {
		if err := fn(); err != nil {
			zl.Warn("close failed", zap.String("component", name), zap.Error(err))
		}
	}
	if d.publisher != nil {
		closeWith("publisher", d.publisher.Close)
	}
	if d.files != nil {
		closeWith("file store", d.files.Close)
	}
	if d.index != nil {
		closeWith("vector index", d.index.Close)
	}
	if d.store != nil {
		closeWith("document store", d.store.Close)
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		closeWith("telemetry", func() error { return d.telemetry.Shutdown(ctx) })
	}
	if d.logger != nil {
		_ = d.logger.Sync() // Best-effort sync
	}
}

func (d *dependencies) zap() *zap.Logger {
	if d.logger == nil {
		return zap.NewNop()
	}
	return d.logger.Underlying()
}

// services holds the business services.
type services struct {
	search *retrieval.Service
	ingest *ingest.Service
}

// initDependencies connects to everything the services need. On error
// whatever was already opened is closed.
func initDependencies(ctx context.Context, cfg *config.Config, mode string) (_ *dependencies, err error) {
	deps := &dependencies{publisher: events.NopPublisher{}}
	defer func() {
		if err != nil {
			deps.Close()
		}
	}()

	deps.telemetry, err = telemetry.New(ctx, telemetry.ConfigFromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	lcfg, err := logging.ConfigFromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("invalid logging configuration: %w", err)
	}
	newLogger := logging.NewLogger
	if mode == modeMCP {
		newLogger = logging.NewStderrLogger
	}
	deps.logger, err = newLogger(lcfg, deps.telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := deps.logger.Underlying()

	logger.Info("starting docsearchd",
		zap.String("version", version),
		zap.String("mode", mode),
		zap.String("index_provider", cfg.Index.Provider),
		zap.String("store_driver", cfg.Store.Driver))
	if h := deps.telemetry.Health(); h.Degraded {
		logger.Warn("telemetry degraded, continuing without failed providers",
			zap.Errors("failures", h.Failures))
	}

	deps.store, err = docstore.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	deps.index, err = vectorindex.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create vector index: %w", err)
	}
	if err := deps.index.EnsureCollection(ctx, config.CollectionName, config.VectorDimension, vectorindex.Cosine); err != nil {
		if cfg.Index.RequireOnStartup {
			return nil, fmt.Errorf("failed to ensure collection %q: %w", config.CollectionName, err)
		}
		logger.Warn("vector index unavailable at startup, continuing",
			zap.String("collection", config.CollectionName), zap.Error(err))
	} else {
		logger.Info("collection verified",
			zap.String("collection", config.CollectionName),
			zap.Int("vector_size", config.VectorDimension))
	}

	deps.gateway, err = embeddings.NewGateway(embeddings.Config{
		BaseURL:   cfg.AI.ServerURL,
		Timeout:   cfg.AI.Timeout,
		Dimension: config.VectorDimension,
	}, embeddings.WithLogger(logger), embeddings.WithMeter(deps.telemetry.Meter("github.com/fyrsmithlabs/docsearch/internal/embeddings")))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding gateway: %w", err)
	}

	deps.processor, err = ingest.NewProcessorClient(cfg.AI.ServerURL, cfg.AI.ProcessTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor client: %w", err)
	}

	deps.files, err = ingest.NewFileStore(cfg.Uploads.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open uploads dir: %w", err)
	}

	if cfg.NATS.URL != "" {
		pub, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		deps.publisher = pub
		logger.Info("publishing document events", zap.String("url", cfg.NATS.URL))
	}

	return deps, nil
}

func initServices(cfg *config.Config, deps *dependencies) (*services, error) {
	logger := deps.logger.Underlying()

	search, err := retrieval.NewService(deps.gateway, deps.index, deps.store, retrieval.Config{
		DefaultTopK:   cfg.Search.DefaultTopK,
		MaxTopK:       cfg.Search.MaxTopK,
		MinSimilarity: float32(cfg.Search.MinSimilarity),
		StageTimeout:  cfg.Search.StageTimeout,
		Collection:    config.CollectionName,
	}, logger.Named("retrieval"))
	if err != nil {
		return nil, err
	}

	ing, err := ingest.NewService(deps.store, deps.index, deps.processor, deps.files,
		ingest.WithPublisher(deps.publisher),
		ingest.WithCollection(config.CollectionName),
		ingest.WithLogger(logger.Named("ingest")),
	)
	if err != nil {
		return nil, err
	}

	return &services{search: search, ingest: ing}, nil
}

func serveHTTP(ctx context.Context, cfg *config.Config, deps *dependencies, svcs *services) error {
	logger := deps.logger.Underlying()

	srv, err := httpapi.NewServer(httpapi.Deps{
		Search:    svcs.search,
		Documents: deps.store,
		Ingest:    svcs.ingest,
		Index:     deps.index,
	}, logger, &httpapi.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Version:     version,
		UploadsDir:  cfg.Uploads.Dir,
		MaxUploadMB: cfg.Uploads.MaxSizeMB,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		Collection:  config.CollectionName,
	}, httpapi.WithMeter(deps.telemetry.Meter("github.com/fyrsmithlabs/docsearch/internal/http")))
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("server shutdown complete")
	return nil
}

func serveMCP(ctx context.Context, deps *dependencies, svcs *services) error {
	srv, err := mcp.NewServer(&mcp.Config{
		Name:    "docsearch",
		Version: version,
		Logger:  deps.logger.Underlying().Named("mcp"),
		Meter:   deps.telemetry.Meter("github.com/fyrsmithlabs/docsearch/internal/mcp"),
	}, svcs.search, deps.store)
	if err != nil {
		return fmt.Errorf("failed to create mcp server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "docsearchd mcp mode started\n")
	return srv.Run(ctx)
}
