// Package retrieval answers free-text queries with ranked documents.
//
// A search embeds the query, asks the vector index for the nearest points,
// filters and de-duplicates the hits, then fetches the matching records from
// the document store and returns them in index order.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/embeddings"
	"github.com/fyrsmithlabs/docsearch/internal/logging"
	"github.com/fyrsmithlabs/docsearch/internal/vectorindex"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/docsearch/internal/retrieval")

var (
	// ErrEmptyQuery is returned for a missing or blank query.
	ErrEmptyQuery = errors.New("query parameter is required")

	// ErrIndexUnavailable wraps any vector index failure.
	ErrIndexUnavailable = errors.New("vector index unavailable")

	// ErrStoreUnavailable wraps any document store failure.
	ErrStoreUnavailable = errors.New("document store unavailable")
)

const (
	DefaultTopK          = 5
	MaxTopK              = 50
	DefaultMinSimilarity = 0.1
	DefaultStageTimeout  = 10 * time.Second
	DefaultCollection    = "documents"
)

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of the vector index.
type Searcher interface {
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]vectorindex.Hit, error)
}

// DocumentFinder fetches document records by id.
type DocumentFinder interface {
	FindManyByIDs(ctx context.Context, ids []string) ([]docstore.Document, error)
}

// Config tunes the orchestrator. Zero values take the defaults.
type Config struct {
	DefaultTopK   int
	MaxTopK       int
	MinSimilarity float32
	StageTimeout  time.Duration
	Collection    string
}

func (c *Config) applyDefaults() {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = DefaultTopK
	}
	if c.MaxTopK <= 0 {
		c.MaxTopK = MaxTopK
	}
	if c.DefaultTopK > c.MaxTopK {
		c.DefaultTopK = c.MaxTopK
	}
	if c.MinSimilarity == 0 {
		c.MinSimilarity = DefaultMinSimilarity
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = DefaultStageTimeout
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
}

// Hit is one ranked document. It marshals as the document's fields plus score.
type Hit struct {
	docstore.Document
	Score float32 `json:"score"`
}

// Result is the answer to one query. Results is never nil.
type Result struct {
	Query   string `json:"query"`
	Results []Hit  `json:"results"`
}

// Service runs semantic searches.
type Service struct {
	embedder Embedder
	index    Searcher
	store    DocumentFinder
	config   Config
	logger   *zap.Logger
}

// NewService creates a retrieval service.
func NewService(embedder Embedder, index Searcher, store DocumentFinder, cfg Config, logger *zap.Logger) (*Service, error) {
	if embedder == nil {
		return nil, errors.New("embedder cannot be nil")
	}
	if index == nil {
		return nil, errors.New("vector index cannot be nil")
	}
	if store == nil {
		return nil, errors.New("document store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	return &Service{
		embedder: embedder,
		index:    index,
		store:    store,
		config:   cfg,
		logger:   logger,
	}, nil
}

// ResolveTopK maps a requested topK onto the served range: non-positive
// values take the default and values above the maximum are clamped.
func (s *Service) ResolveTopK(topK int) int {
	switch {
	case topK <= 0:
		return s.config.DefaultTopK
	case topK > s.config.MaxTopK:
		return s.config.MaxTopK
	default:
		return topK
	}
}

// SemanticSearch embeds query, searches the index and returns the matching
// documents in descending score order.
//
// Errors match ErrEmptyQuery, embeddings.ErrUpstreamUnavailable,
// embeddings.ErrInvalidEmbeddingResponse, ErrIndexUnavailable or
// ErrStoreUnavailable. A query with no surviving hits is not an error.
func (s *Service) SemanticSearch(ctx context.Context, query string, topK int) (result *Result, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "Retrieval.SemanticSearch")
	defer func() {
		out := outcome(err, result)
		SearchesTotal.WithLabelValues(out).Inc()
		SearchDuration.Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("outcome", out))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	topK = s.ResolveTopK(topK)
	span.SetAttributes(attribute.Int("top_k", topK))

	vector, err := s.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := s.search(ctx, vector, topK)
	if err != nil {
		return nil, err
	}

	ids := s.filter(hits)
	if len(ids) == 0 {
		s.logger.Debug("no hits above similarity floor", append(logging.ContextFields(ctx),
			zap.Int("raw_hits", len(hits)))...)
		return &Result{Query: query, Results: []Hit{}}, nil
	}

	docs, err := s.fetch(ctx, documentIDs(ids))
	if err != nil {
		return nil, err
	}

	results := project(ids, docs)
	if missing := len(ids) - len(results); missing > 0 {
		FilteredHitsTotal.WithLabelValues(reasonMissingRecord).Add(float64(missing))
		s.logger.Warn("index references documents missing from store", append(logging.ContextFields(ctx),
			zap.Int("missing", missing))...)
	}

	s.logger.Debug("search completed", append(logging.ContextFields(ctx),
		zap.Int("top_k", topK),
		zap.Int("raw_hits", len(hits)),
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(start)))...)

	return &Result{Query: query, Results: results}, nil
}

func (s *Service) embed(ctx context.Context, query string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	defer cancel()

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty vector", embeddings.ErrInvalidEmbeddingResponse)
	}
	return vector, nil
}

func (s *Service) search(ctx context.Context, vector []float32, topK int) ([]vectorindex.Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	defer cancel()

	hits, err := s.index.Search(ctx, s.config.Collection, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, err)
	}
	return hits, nil
}

func (s *Service) fetch(ctx context.Context, ids []string) ([]docstore.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.StageTimeout)
	defer cancel()

	docs, err := s.store.FindManyByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return docs, nil
}

// scoredID is a surviving hit.
type scoredID struct {
	id    string
	score float32
}

// filter drops low scores, payloads without a document id and repeated ids,
// keeping index order.
func (s *Service) filter(hits []vectorindex.Hit) []scoredID {
	out := make([]scoredID, 0, len(hits))
	seen := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		switch {
		case h.Score < s.config.MinSimilarity:
			FilteredHitsTotal.WithLabelValues(reasonBelowFloor).Inc()
			continue
		case !h.Payload.Valid():
			FilteredHitsTotal.WithLabelValues(reasonMissingDocumentID).Inc()
			continue
		}
		id := strings.TrimSpace(h.Payload.DocumentID)
		if _, dup := seen[id]; dup {
			FilteredHitsTotal.WithLabelValues(reasonDuplicate).Inc()
			continue
		}
		seen[id] = struct{}{}
		out = append(out, scoredID{id: id, score: h.Score})
	}
	return out
}

// documentIDs returns the ids of hits in index order.
func documentIDs(hits []scoredID) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}

// project walks ids in index order and pairs each with its fetched record.
func project(ids []scoredID, docs []docstore.Document) []Hit {
	byID := make(map[string]docstore.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]Hit, 0, len(ids))
	for _, sid := range ids {
		d, ok := byID[sid.id]
		if !ok {
			continue
		}
		out = append(out, Hit{Document: d, Score: sid.score})
	}
	return out
}

func outcome(err error, result *Result) string {
	switch {
	case err == nil && result != nil && len(result.Results) == 0:
		return outcomeEmpty
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrEmptyQuery):
		return outcomeEmptyQuery
	case errors.Is(err, embeddings.ErrInvalidEmbeddingResponse):
		return outcomeInvalidEmbedding
	case errors.Is(err, embeddings.ErrUpstreamUnavailable):
		return outcomeUpstream
	case errors.Is(err, ErrIndexUnavailable):
		return outcomeIndex
	case errors.Is(err, ErrStoreUnavailable):
		return outcomeStore
	default:
		return outcomeError
	}
}
