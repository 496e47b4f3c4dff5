package vectorindex

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestQdrantConfigFromURL(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{"rest port rewritten", "http://qdrant:6333", "qdrant", 6334, false, false},
		{"grpc port kept", "http://qdrant:6334", "qdrant", 6334, false, false},
		{"no port defaults to grpc", "http://localhost", "localhost", 6334, false, false},
		{"custom port", "http://10.0.0.5:7000", "10.0.0.5", 7000, false, false},
		{"https enables tls", "https://xyz.cloud.qdrant.io:6333", "xyz.cloud.qdrant.io", 6334, true, false},
		{"bare host and port", "qdrant:6333", "qdrant", 6334, false, false},
		{"garbage port", "http://qdrant:abc", "", 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := QdrantConfigFromURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, cfg.Host)
			assert.Equal(t, tt.wantPort, cfg.Port)
			assert.Equal(t, tt.wantTLS, cfg.UseTLS)
		})
	}
}

func TestQdrantConfig_ApplyDefaults(t *testing.T) {
	cfg := QdrantConfig{Host: "localhost"}
	cfg.ApplyDefaults()

	assert.Equal(t, 6334, cfg.Port)
	assert.Equal(t, 0, cfg.MaxRetries, "zero keeps retries off")
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 5, cfg.CircuitBreakerThreshold)
	assert.NoError(t, cfg.Validate())

	assert.Error(t, QdrantConfig{Port: 6334}.Validate())

	neg := QdrantConfig{Host: "localhost", MaxRetries: -1}
	neg.ApplyDefaults()
	assert.Equal(t, 0, neg.MaxRetries)
}

// unavailablePoints fails every Query and Upsert with codes.Unavailable and
// counts the calls.
type unavailablePoints struct {
	qdrant.UnimplementedPointsServer
	queries atomic.Int32
	upserts atomic.Int32
}

func (p *unavailablePoints) Query(context.Context, *qdrant.QueryPoints) (*qdrant.QueryResponse, error) {
	p.queries.Add(1)
	return nil, status.Error(codes.Unavailable, "down")
}

func (p *unavailablePoints) Upsert(context.Context, *qdrant.UpsertPoints) (*qdrant.PointsOperationResponse, error) {
	p.upserts.Add(1)
	return nil, status.Error(codes.Unavailable, "down")
}

func startUnavailableQdrant(t *testing.T, maxRetries int) (*QdrantIndex, *unavailablePoints) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	points := &unavailablePoints{}
	srv := grpc.NewServer()
	qdrant.RegisterPointsServer(srv, points)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	idx, err := NewQdrantIndex(QdrantConfig{
		Host:                    "127.0.0.1",
		Port:                    lis.Addr().(*net.TCPAddr).Port,
		Timeout:                 2 * time.Second,
		MaxRetries:              maxRetries,
		RetryBackoff:            time.Millisecond,
		CircuitBreakerThreshold: 100,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, points
}

func TestQdrantIndex_SearchIsSingleAttempt(t *testing.T) {
	for _, retries := range []int{0, 3} {
		idx, points := startUnavailableQdrant(t, retries)

		_, err := idx.Search(context.Background(), "documents", []float32{1, 0}, 5)
		require.Error(t, err)
		assert.Equal(t, codes.Unavailable, status.Code(err))
		assert.Equal(t, int32(1), points.queries.Load(), "max_retries=%d", retries)
	}
}

func TestQdrantIndex_UpsertRetriesTransient(t *testing.T) {
	idx, points := startUnavailableQdrant(t, 2)
	_, err := idx.Upsert(context.Background(), "documents", Point{
		Vector:  []float32{1, 0},
		Payload: Payload{DocumentID: "doc-1"},
	})
	require.Error(t, err)
	assert.Equal(t, int32(3), points.upserts.Load())

	idx, points = startUnavailableQdrant(t, 0)
	_, err = idx.Upsert(context.Background(), "documents", Point{
		Vector:  []float32{1, 0},
		Payload: Payload{DocumentID: "doc-1"},
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), points.upserts.Load())
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"unavailable", status.Error(codes.Unavailable, "down"), true},
		{"deadline", status.Error(codes.DeadlineExceeded, "slow"), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "busy"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"not found", status.Error(codes.NotFound, "missing"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}

func TestQdrantIndex_RetryOperation(t *testing.T) {
	q := &QdrantIndex{config: QdrantConfig{
		MaxRetries:              2,
		RetryBackoff:            time.Millisecond,
		Timeout:                 time.Second,
		CircuitBreakerThreshold: 10,
	}, logger: zaptest.NewLogger(t)}

	calls := 0
	err := q.retryOperation(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return status.Error(codes.Unavailable, "down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = q.retryOperation(context.Background(), "op", func(context.Context) error {
		calls++
		return status.Error(codes.InvalidArgument, "bad")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestQdrantIndex_CircuitBreaker(t *testing.T) {
	q := &QdrantIndex{config: QdrantConfig{
		MaxRetries:              0,
		RetryBackoff:            time.Millisecond,
		Timeout:                 time.Second,
		CircuitBreakerThreshold: 2,
	}, logger: zaptest.NewLogger(t)}

	down := func(context.Context) error { return status.Error(codes.Unavailable, "down") }
	_ = q.retryOperation(context.Background(), "op", down)
	_ = q.retryOperation(context.Background(), "op", down)

	called := false
	err := q.retryOperation(context.Background(), "op", func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.False(t, called)
}

func TestQdrantIndex_Integration(t *testing.T) {
	raw := os.Getenv("QDRANT_URL")
	if raw == "" || testing.Short() {
		t.Skip("QDRANT_URL not set")
	}

	cfg, err := QdrantConfigFromURL(raw)
	require.NoError(t, err)
	idx, err := NewQdrantIndex(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	ctx := context.Background()
	collection := "docsearch_it_" + time.Now().Format("20060102150405")

	require.NoError(t, idx.Health(ctx))
	require.NoError(t, idx.EnsureCollection(ctx, collection, 4, Cosine))
	require.NoError(t, idx.EnsureCollection(ctx, collection, 4, Cosine))
	assert.ErrorIs(t, idx.EnsureCollection(ctx, collection, 8, Cosine), ErrDimensionMismatch)

	_, err = idx.Upsert(ctx, collection, Point{Vector: []float32{1, 0, 0, 0}, Payload: Payload{DocumentID: "a", FileName: "a.pdf"}})
	require.NoError(t, err)
	_, err = idx.Upsert(ctx, collection, Point{Vector: []float32{0, 1, 0, 0}, Payload: Payload{DocumentID: "b"}})
	require.NoError(t, err)

	hits, err := idx.Search(ctx, collection, []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a", hits[0].Payload.DocumentID)
	assert.Equal(t, "a.pdf", hits[0].Payload.FileName)

	require.NoError(t, idx.DeleteByDocumentID(ctx, collection, "a"))
	n, err := idx.Count(ctx, collection)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
