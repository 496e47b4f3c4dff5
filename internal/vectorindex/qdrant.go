package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("docsearch.vectorindex.qdrant")

const (
	qdrantGRPCPort = 6334
	qdrantRESTPort = 6333
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host and Port address the gRPC endpoint (6334), not the REST port.
	Host   string
	Port   int
	UseTLS bool
	APIKey string

	// Timeout bounds each individual call.
	Timeout time.Duration

	// MaxRetries is the number of retries for transient gRPC failures on
	// writes and collection management, with RetryBackoff doubling between
	// attempts. Zero disables retries. Search is never retried.
	MaxRetries   int
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// CircuitBreakerThreshold is the number of consecutive transient failures
	// before calls fail fast for 30 seconds.
	CircuitBreakerThreshold int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = qdrantGRPCPort
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 16 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return errors.New("qdrant host required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid qdrant port: %d", c.Port)
	}
	return nil
}

// QdrantConfigFromURL derives host, port and TLS from a Qdrant URL such as
// http://qdrant:6333. The REST port is rewritten to the gRPC port, a missing
// port defaults to 6334 and an https scheme enables TLS.
func QdrantConfigFromURL(raw string) (QdrantConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return QdrantConfig{}, fmt.Errorf("parsing qdrant url: %w", err)
	}
	if u.Host == "" {
		// Bare host:port without a scheme parses as an opaque path.
		u, err = url.Parse("http://" + raw)
		if err != nil || u.Host == "" {
			return QdrantConfig{}, fmt.Errorf("parsing qdrant url %q: missing host", raw)
		}
	}

	cfg := QdrantConfig{
		Host:   u.Hostname(),
		Port:   qdrantGRPCPort,
		UseTLS: u.Scheme == "https",
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return QdrantConfig{}, fmt.Errorf("parsing qdrant port %q: %w", p, err)
		}
		if port != qdrantRESTPort {
			cfg.Port = port
		}
	}
	return cfg, nil
}

// IsTransientError reports whether a gRPC error is worth retrying.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// QdrantIndex is an Index backed by Qdrant's native gRPC client.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// collections caches the vector size of collections known to exist.
	collections sync.Map

	circuitBreaker struct {
		mu       sync.Mutex
		failures int
		lastFail time.Time
	}
}

// NewQdrantIndex creates a Qdrant client. It does not contact the server;
// call Health or EnsureCollection for that.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.UseTLS && cfg.APIKey != "" {
		logger.Warn("qdrant api key sent over plaintext gRPC", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating qdrant client: %w", err)
	}

	return &QdrantIndex{client: client, config: cfg, logger: logger}, nil
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// Health performs a Qdrant health check.
func (q *QdrantIndex) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantIndex.Health")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	defer cancel()

	if _, err := q.client.HealthCheck(ctx); err != nil {
		fail(span, err)
		return fmt.Errorf("qdrant health check: %w", err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// EnsureCollection creates the collection when absent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, name string, dim int, distance Distance) (err error) {
	start := time.Now()
	defer func() { observe("ensure", start, err) }()

	ctx, span := tracer.Start(ctx, "QdrantIndex.EnsureCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection", name), attribute.Int("vector_size", dim))

	if err := ValidateCollectionName(name); err != nil {
		return err
	}
	qd, err := qdrantDistance(distance)
	if err != nil {
		return err
	}

	var names []string
	err = q.retryOperation(ctx, "list_collections", func(ctx context.Context) error {
		var err error
		names, err = q.client.ListCollections(ctx)
		return err
	})
	if err != nil {
		fail(span, err)
		return fmt.Errorf("listing collections: %w", err)
	}

	for _, existing := range names {
		if existing == name {
			return q.checkDimension(ctx, span, name, dim)
		}
	}

	err = q.retryOperation(ctx, "create_collection", func(ctx context.Context) error {
		return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qd,
			}),
		})
	})
	if err != nil && status.Code(err) != grpccodes.AlreadyExists {
		fail(span, err)
		return fmt.Errorf("creating collection %s: %w", name, err)
	}

	q.collections.Store(name, dim)
	q.logger.Info("vector collection ready",
		zap.String("collection", name),
		zap.Int("vector_size", dim),
		zap.String("distance", string(distance)),
	)
	span.SetStatus(codes.Ok, "created")
	return nil
}

func (q *QdrantIndex) checkDimension(ctx context.Context, span trace.Span, name string, dim int) error {
	var info *qdrant.CollectionInfo
	err := q.retryOperation(ctx, "get_collection_info", func(ctx context.Context) error {
		var err error
		info, err = q.client.GetCollectionInfo(ctx, name)
		return err
	})
	if err != nil {
		fail(span, err)
		return fmt.Errorf("getting collection info for %s: %w", name, err)
	}

	size := info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()
	if size != 0 && size != uint64(dim) {
		err := fmt.Errorf("%w: collection %s has size %d, want %d", ErrDimensionMismatch, name, size, dim)
		fail(span, err)
		return err
	}

	q.collections.Store(name, dim)
	span.SetStatus(codes.Ok, "exists")
	return nil
}

// Upsert writes a single point and waits for it to be indexed.
func (q *QdrantIndex) Upsert(ctx context.Context, collection string, p Point) (id string, err error) {
	start := time.Now()
	defer func() { observe("upsert", start, err) }()

	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.String("document_id", p.Payload.DocumentID))

	if err := ValidateCollectionName(collection); err != nil {
		return "", err
	}
	if err := validatePoint(p); err != nil {
		return "", err
	}
	if err := q.checkVectorSize(collection, len(p.Vector)); err != nil {
		return "", err
	}

	id = normalizePointID(p.ID)
	payload := make(map[string]*qdrant.Value, 3)
	for k, v := range p.Payload.toMap() {
		payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}

	err = q.retryOperation(ctx, "upsert", func(ctx context.Context) error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewIDUUID(id),
				Vectors: qdrant.NewVectors(p.Vector...),
				Payload: payload,
			}},
		})
		return err
	})
	if err != nil {
		fail(span, err)
		return "", fmt.Errorf("upserting point to collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "success")
	return id, nil
}

// Search runs a nearest neighbour query with payloads.
func (q *QdrantIndex) Search(ctx context.Context, collection string, vector []float32, topK int) (hits []Hit, err error) {
	start := time.Now()
	defer func() { observe("search", start, err) }()

	ctx, span := tracer.Start(ctx, "QdrantIndex.Search")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.Int("k", topK))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if err := validateQuery(vector, topK); err != nil {
		return nil, err
	}
	if err := q.checkVectorSize(collection, len(vector)); err != nil {
		return nil, err
	}

	var points []*qdrant.ScoredPoint
	err = q.call(ctx, "search", func(ctx context.Context) error {
		var err error
		points, err = q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return err
	})
	if err != nil {
		fail(span, err)
		return nil, fmt.Errorf("searching collection %s: %w", collection, err)
	}

	hits = make([]Hit, 0, len(points))
	for _, pt := range points {
		hits = append(hits, Hit{
			PointID: pointIDString(pt.GetId()),
			Score:   pt.GetScore(),
			Payload: payloadFromQdrant(pt.GetPayload()),
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// DeleteByDocumentID deletes by a documentId payload filter.
func (q *QdrantIndex) DeleteByDocumentID(ctx context.Context, collection, documentID string) (err error) {
	start := time.Now()
	defer func() { observe("delete", start, err) }()

	ctx, span := tracer.Start(ctx, "QdrantIndex.DeleteByDocumentID")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection), attribute.String("document_id", documentID))

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if documentID == "" {
		return fmt.Errorf("%w: documentId is required", ErrInvalidPayload)
	}

	err = q.retryOperation(ctx, "delete", func(ctx context.Context) error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: KeyDocumentID,
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: documentID},
									},
								},
							},
						}},
					},
				},
			},
		})
		return err
	})
	if err != nil {
		fail(span, err)
		return fmt.Errorf("deleting points for document %s: %w", documentID, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

// Count returns the collection point count.
func (q *QdrantIndex) Count(ctx context.Context, collection string) (n int, err error) {
	start := time.Now()
	defer func() { observe("count", start, err) }()

	ctx, span := tracer.Start(ctx, "QdrantIndex.Count")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}

	var info *qdrant.CollectionInfo
	err = q.retryOperation(ctx, "get_collection_info", func(ctx context.Context) error {
		var err error
		info, err = q.client.GetCollectionInfo(ctx, collection)
		if status.Code(err) == grpccodes.NotFound {
			return ErrCollectionNotFound
		}
		return err
	})
	if err != nil {
		fail(span, err)
		if errors.Is(err, ErrCollectionNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrCollectionNotFound, collection)
		}
		return 0, fmt.Errorf("getting collection info for %s: %w", collection, err)
	}

	n = int(info.GetPointsCount())
	span.SetAttributes(attribute.Int("point_count", n))
	span.SetStatus(codes.Ok, "success")
	return n, nil
}

func (q *QdrantIndex) checkVectorSize(collection string, n int) error {
	if v, ok := q.collections.Load(collection); ok {
		if dim := v.(int); dim != n {
			return fmt.Errorf("%w: got %d, collection %s expects %d", ErrDimensionMismatch, n, collection, dim)
		}
	}
	return nil
}

// call runs op once under the per-call timeout and the circuit breaker.
// Transient failures count towards opening the breaker.
func (q *QdrantIndex) call(ctx context.Context, name string, op func(context.Context) error) error {
	if q.isCircuitOpen() {
		return fmt.Errorf("%s: circuit breaker open", name)
	}

	callCtx, cancel := context.WithTimeout(ctx, q.config.Timeout)
	err := op(callCtx)
	cancel()
	if err == nil {
		q.resetCircuitBreaker()
		return nil
	}
	if IsTransientError(err) {
		q.recordFailure()
	}
	return err
}

// retryOperation is call with up to MaxRetries retries of transient
// failures, backing off exponentially.
func (q *QdrantIndex) retryOperation(ctx context.Context, name string, op func(context.Context) error) error {
	backoff := q.config.RetryBackoff

	for attempt := 0; ; attempt++ {
		err := q.call(ctx, name, op)
		if err == nil || !IsTransientError(err) {
			return err
		}

		if attempt >= q.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", name, q.config.MaxRetries, err)
		}

		q.logger.Debug("retrying qdrant operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", name, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (q *QdrantIndex) recordFailure() {
	q.circuitBreaker.mu.Lock()
	defer q.circuitBreaker.mu.Unlock()
	q.circuitBreaker.failures++
	q.circuitBreaker.lastFail = time.Now()
}

func (q *QdrantIndex) resetCircuitBreaker() {
	q.circuitBreaker.mu.Lock()
	defer q.circuitBreaker.mu.Unlock()
	q.circuitBreaker.failures = 0
}

func (q *QdrantIndex) isCircuitOpen() bool {
	q.circuitBreaker.mu.Lock()
	defer q.circuitBreaker.mu.Unlock()

	if q.circuitBreaker.failures >= q.config.CircuitBreakerThreshold {
		if time.Since(q.circuitBreaker.lastFail) > 30*time.Second {
			q.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

func qdrantDistance(d Distance) (qdrant.Distance, error) {
	switch d {
	case Cosine, "":
		return qdrant.Distance_Cosine, nil
	case Euclidean:
		return qdrant.Distance_Euclid, nil
	case Dot:
		return qdrant.Distance_Dot, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDistance, d)
	}
}

func payloadFromQdrant(m map[string]*qdrant.Value) Payload {
	flat := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.GetKind().(*qdrant.Value_StringValue); ok {
			flat[k] = s.StringValue
		}
	}
	return payloadFromMap(flat)
}

func pointIDString(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
