package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("docsearch.vectorindex.chromem")

// errNoEmbedder is returned by the collection embedding func. Every vector
// arrives precomputed from the AI service, so chromem never embeds text.
var errNoEmbedder = errors.New("chromem index requires precomputed embeddings")

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedder
}

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path persists the database to disk. Empty keeps it in memory.
	Path     string
	Compress bool
}

// ChromemIndex is an embedded Index backed by chromem-go. It supports
// cosine distance only.
type ChromemIndex struct {
	db     *chromem.DB
	logger *zap.Logger

	// dims caches the vector size per collection.
	dims sync.Map
	mu   sync.Mutex
}

// NewChromemIndex opens an embedded index.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(filepath.Clean(cfg.Path), 0o750); err != nil {
			return nil, fmt.Errorf("creating chromem directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database at %s: %w", cfg.Path, err)
		}
	}

	logger.Info("chromem index opened", zap.String("path", cfg.Path), zap.Bool("persistent", cfg.Path != ""))
	return &ChromemIndex{db: db, logger: logger}, nil
}

// Close is a no-op; persistent chromem databases write on every change.
func (c *ChromemIndex) Close() error { return nil }

// Health always succeeds for the embedded index.
func (c *ChromemIndex) Health(context.Context) error { return nil }

// EnsureCollection creates the collection when absent.
func (c *ChromemIndex) EnsureCollection(ctx context.Context, name string, dim int, distance Distance) (err error) {
	start := time.Now()
	defer func() { observe("ensure", start, err) }()

	_, span := chromemTracer.Start(ctx, "ChromemIndex.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("vector_size", dim))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	if distance != Cosine && distance != "" {
		return fmt.Errorf("%w: chromem supports cosine only, got %q", ErrUnsupportedDistance, distance)
	}
	if dim <= 0 {
		return fmt.Errorf("%w: vector size must be positive, got %d", ErrDimensionMismatch, dim)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.dims.Load(name); ok && v.(int) != dim {
		err := fmt.Errorf("%w: collection %s has size %d, want %d", ErrDimensionMismatch, name, v.(int), dim)
		fail(span, err)
		return err
	}

	col, exists := c.db.ListCollections()[name]
	if !exists {
		if _, err := c.db.CreateCollection(name, nil, refuseEmbedding); err != nil {
			fail(span, err)
			return fmt.Errorf("creating collection %s: %w", name, err)
		}
		c.logger.Info("vector collection ready", zap.String("collection", name), zap.Int("vector_size", dim))
	} else if _, known := c.dims.Load(name); !known {
		if err := checkStoredSize(ctx, col, name, dim); err != nil {
			fail(span, err)
			return err
		}
	}

	c.dims.Store(name, dim)
	span.SetStatus(codes.Ok, "success")
	return nil
}

// checkStoredSize compares dim against the vectors already held by a
// collection, as after reopening a persistent database.
func checkStoredSize(ctx context.Context, col *chromem.Collection, name string, dim int) error {
	if col.Count() == 0 {
		return nil
	}
	query := make([]float32, dim)
	query[0] = 1
	res, err := col.QueryEmbedding(ctx, query, 1, nil, nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: collection %s holds vectors of another size, want %d: %v", ErrDimensionMismatch, name, dim, err)
	}
	if len(res) > 0 && len(res[0].Embedding) != dim {
		return fmt.Errorf("%w: collection %s has size %d, want %d", ErrDimensionMismatch, name, len(res[0].Embedding), dim)
	}
	return nil
}

func (c *ChromemIndex) collection(name string) (*chromem.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	col := c.db.GetCollection(name, refuseEmbedding)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return col, nil
}

func (c *ChromemIndex) checkVectorSize(collection string, n int) error {
	if v, ok := c.dims.Load(collection); ok {
		if dim := v.(int); dim != n {
			return fmt.Errorf("%w: got %d, collection %s expects %d", ErrDimensionMismatch, n, collection, dim)
		}
	}
	return nil
}

// Upsert replaces any document stored under the same point id.
func (c *ChromemIndex) Upsert(ctx context.Context, collection string, p Point) (id string, err error) {
	start := time.Now()
	defer func() { observe("upsert", start, err) }()

	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.String("document_id", p.Payload.DocumentID))

	col, err := c.collection(collection)
	if err != nil {
		return "", err
	}
	if err := validatePoint(p); err != nil {
		return "", err
	}
	if err := c.checkVectorSize(collection, len(p.Vector)); err != nil {
		return "", err
	}

	id = normalizePointID(p.ID)
	content := p.Payload.FileName
	if content == "" {
		content = p.Payload.DocumentID
	}

	// chromem keeps the caller's slice and normalizes it in place.
	vec := append([]float32(nil), p.Vector...)
	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Metadata:  p.Payload.toMap(),
		Embedding: vec,
		Content:   content,
	})
	if err != nil {
		fail(span, err)
		return "", fmt.Errorf("adding point to collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return id, nil
}

// Search queries by embedding, capping topK at the collection size.
func (c *ChromemIndex) Search(ctx context.Context, collection string, vector []float32, topK int) (hits []Hit, err error) {
	start := time.Now()
	defer func() { observe("search", start, err) }()

	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", topK))

	col, err := c.collection(collection)
	if err != nil {
		return nil, err
	}
	if err := validateQuery(vector, topK); err != nil {
		return nil, err
	}
	if err := c.checkVectorSize(collection, len(vector)); err != nil {
		return nil, err
	}

	n := col.Count()
	if n == 0 {
		return []Hit{}, nil
	}
	if topK > n {
		topK = n
	}

	query := append([]float32(nil), vector...)
	results, err := col.QueryEmbedding(ctx, query, topK, nil, nil)
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	hits = make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			PointID: r.ID,
			Score:   r.Similarity,
			Payload: payloadFromMap(r.Metadata),
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// DeleteByDocumentID deletes by documentId metadata.
func (c *ChromemIndex) DeleteByDocumentID(ctx context.Context, collection, documentID string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.DeleteByDocumentID")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.String("document_id", documentID))

	col, err := c.collection(collection)
	if err != nil {
		return err
	}
	if documentID == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalidPayload)
	}

	if err := col.Delete(ctx, map[string]string{KeyDocumentID: documentID}, nil); err != nil {
		fail(span, err)
		return fmt.Errorf("deleting points for document %s: %w", documentID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the number of points in the collection.
func (c *ChromemIndex) Count(ctx context.Context, collection string) (n int, err error) {
	start := time.Now()
	defer func() { observe("count", start, err) }()

	col, err := c.collection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}
