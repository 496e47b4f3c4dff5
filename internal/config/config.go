// Package config provides configuration loading for docsearch.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Fixed retrieval constants. The collection layout is shared with the
// ingestion service and the AI embedding model, so these are not tunable.
const (
	CollectionName  = "documents"
	VectorDimension = 768
	DistanceMetric  = "cosine"
)

// MaxEmbeddingTimeout bounds the embedding gateway call.
const MaxEmbeddingTimeout = 60 * time.Second

// Config holds the complete docsearch configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Index     IndexConfig     `koanf:"index"`
	Qdrant    QdrantConfig    `koanf:"qdrant"`
	Chromem   ChromemConfig   `koanf:"chromem"`
	AI        AIConfig        `koanf:"ai"`
	Store     StoreConfig     `koanf:"store"`
	Mongo     MongoConfig     `koanf:"mongo"`
	Uploads   UploadsConfig   `koanf:"uploads"`
	Search    SearchConfig    `koanf:"search"`
	NATS      NATSConfig      `koanf:"nats"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       float64       `koanf:"rate_limit"` // search requests per second
	RateBurst       int           `koanf:"rate_burst"`
}

// IndexConfig selects the vector index backend.
type IndexConfig struct {
	Provider string `koanf:"provider"` // qdrant or chromem

	// RequireOnStartup makes a failed collection ensure fatal. When false the
	// server starts without search and ingestion reports embeddingsStored=false.
	RequireOnStartup bool `koanf:"require_on_startup"`
}

// QdrantConfig holds the remote vector index endpoint.
type QdrantConfig struct {
	URL        string        `koanf:"url"`
	APIKey     Secret        `koanf:"api_key"`
	MaxRetries int           `koanf:"max_retries"`
	Timeout    time.Duration `koanf:"timeout"`
}

// ChromemConfig holds the embedded vector index settings.
// An empty Path keeps the index in memory.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// AIConfig holds the AI service endpoint used for embeddings and processing.
type AIConfig struct {
	ServerURL      string        `koanf:"server_url"`
	Timeout        time.Duration `koanf:"timeout"`
	ProcessTimeout time.Duration `koanf:"process_timeout"`
}

// StoreConfig selects the document store backend.
type StoreConfig struct {
	Driver string `koanf:"driver"` // sqlite or mongo
	Path   string `koanf:"path"`
}

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI      Secret `koanf:"uri"`
	Database string `koanf:"database"`
}

// UploadsConfig holds payload file storage settings.
type UploadsConfig struct {
	Dir       string `koanf:"dir"`
	MaxSizeMB int    `koanf:"max_size_mb"`
}

// SearchConfig tunes the retrieval orchestrator.
type SearchConfig struct {
	DefaultTopK   int           `koanf:"default_top_k"`
	MaxTopK       int           `koanf:"max_top_k"`
	MinSimilarity float64       `koanf:"min_similarity"`
	StageTimeout  time.Duration `koanf:"stage_timeout"`
}

// NATSConfig enables document event publishing when URL is set.
type NATSConfig struct {
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used before any file or env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Index: IndexConfig{
			Provider:         "qdrant",
			RequireOnStartup: true,
		},
		Qdrant: QdrantConfig{
			MaxRetries: 3,
			Timeout:    10 * time.Second,
		},
		AI: AIConfig{
			Timeout:        30 * time.Second,
			ProcessTimeout: 5 * time.Minute,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/docsearch.db",
		},
		Mongo: MongoConfig{
			Database: "docsearch",
		},
		Uploads: UploadsConfig{
			Dir:       "./uploads",
			MaxSizeMB: 50,
		},
		Search: SearchConfig{
			DefaultTopK:   5,
			MaxTopK:       50,
			MinSimilarity: 0.1,
			StageTimeout:  10 * time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: "docsearch.documents",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "docsearch",
			SampleRate:  1.0,
		},
	}
}

// Validate validates the configuration.
//
// A missing vector index endpoint is a configuration error: the service
// cannot serve search without it.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return errors.New("rate limit and burst must not be negative")
	}

	switch c.Index.Provider {
	case "qdrant":
		if c.Qdrant.URL == "" {
			return errors.New("QDRANT_URL is required when index provider is qdrant")
		}
		if _, err := url.Parse(c.Qdrant.URL); err != nil {
			return fmt.Errorf("invalid QDRANT_URL: %w", err)
		}
	case "chromem":
	default:
		return fmt.Errorf("unknown index provider %q (must be qdrant or chromem)", c.Index.Provider)
	}

	if c.AI.ServerURL == "" {
		return errors.New("AI_SERVER_URL is required")
	}
	if _, err := url.ParseRequestURI(c.AI.ServerURL); err != nil {
		return fmt.Errorf("invalid AI_SERVER_URL: %w", err)
	}
	if c.AI.Timeout <= 0 || c.AI.Timeout > MaxEmbeddingTimeout {
		return fmt.Errorf("ai timeout must be in (0, %s], got %s", MaxEmbeddingTimeout, c.AI.Timeout)
	}
	if c.AI.ProcessTimeout <= 0 {
		return errors.New("ai process timeout must be positive")
	}

	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store path is required for the sqlite driver")
		}
	case "mongo":
		if !c.Mongo.URI.IsSet() {
			return errors.New("MONGO_URI is required for the mongo driver")
		}
		if c.Mongo.Database == "" {
			return errors.New("mongo database is required")
		}
	default:
		return fmt.Errorf("unknown store driver %q (must be sqlite or mongo)", c.Store.Driver)
	}

	if c.Uploads.Dir == "" {
		return errors.New("uploads dir is required")
	}
	if c.Uploads.MaxSizeMB <= 0 {
		return errors.New("uploads max size must be positive")
	}

	if c.Search.DefaultTopK < 1 {
		return fmt.Errorf("search default top_k must be >= 1, got %d", c.Search.DefaultTopK)
	}
	if c.Search.MaxTopK < c.Search.DefaultTopK {
		return fmt.Errorf("search max top_k (%d) must be >= default top_k (%d)", c.Search.MaxTopK, c.Search.DefaultTopK)
	}
	if c.Search.MinSimilarity < -1 || c.Search.MinSimilarity > 1 {
		return fmt.Errorf("search min similarity must be in [-1, 1], got %v", c.Search.MinSimilarity)
	}
	if c.Search.StageTimeout <= 0 {
		return errors.New("search stage timeout must be positive")
	}

	return nil
}
