package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/embeddings"
	"github.com/fyrsmithlabs/docsearch/internal/retrieval"
	"github.com/fyrsmithlabs/docsearch/internal/telemetry"
)

type stubSearch struct {
	result *retrieval.Result
	err    error
	topK   int
}

func (s *stubSearch) SemanticSearch(_ context.Context, query string, topK int) (*retrieval.Result, error) {
	s.topK = topK
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &retrieval.Result{Query: query, Results: []retrieval.Hit{}}, nil
}

type stubDocuments struct {
	docs map[string]*docstore.Document
	dept []docstore.Document
}

func (s *stubDocuments) GetDocument(_ context.Context, id string) (*docstore.Document, error) {
	if d, ok := s.docs[id]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("document %s: %w", id, docstore.ErrNotFound)
}

func (s *stubDocuments) ListByDepartment(context.Context, string) ([]docstore.Document, error) {
	return s.dept, nil
}

// connect returns a client session wired to s over in-memory transports.
func connect(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcp.NewInMemoryTransports()

	ss, err := s.Connect(ctx, st)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return res
}

func structured[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, res.IsError, errorText(res))
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func errorText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func TestNewServer(t *testing.T) {
	t.Run("requires services", func(t *testing.T) {
		_, err := NewServer(nil, nil, &stubDocuments{})
		assert.Error(t, err)
		_, err = NewServer(nil, &stubSearch{}, nil)
		assert.Error(t, err)
	})

	t.Run("registers tools", func(t *testing.T) {
		s, err := NewServer(nil, &stubSearch{}, &stubDocuments{})
		require.NoError(t, err)
		cs := connect(t, s)

		res, err := cs.ListTools(context.Background(), nil)
		require.NoError(t, err)
		var names []string
		for _, tool := range res.Tools {
			names = append(names, tool.Name)
		}
		assert.ElementsMatch(t, []string{"semantic_search", "get_document", "list_department_documents"}, names)
	})
}

func TestSemanticSearchTool(t *testing.T) {
	search := &stubSearch{result: &retrieval.Result{
		Query: "leave policy",
		Results: []retrieval.Hit{
			{Document: docstore.Document{ID: "a", Title: "Leave", FileName: "leave.pdf", DepartmentName: "HR", SummaryML: "Annual leave rules."}, Score: 0.88},
			{Document: docstore.Document{ID: "b", Title: "Benefits", Summary: "Benefit overview."}, Score: 0.61},
		},
	}}
	s, err := NewServer(nil, search, &stubDocuments{})
	require.NoError(t, err)
	cs := connect(t, s)

	out := structured[semanticSearchOutput](t, call(t, cs, "semantic_search", map[string]any{"query": "leave policy", "top_k": 2}))
	assert.Equal(t, 2, search.topK)
	assert.Equal(t, "leave policy", out.Query)
	assert.Equal(t, 2, out.Count)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "a", out.Results[0].ID)
	assert.Equal(t, "HR", out.Results[0].Department)
	assert.Equal(t, "Annual leave rules.", out.Results[0].Summary)
	assert.InDelta(t, 0.88, out.Results[0].Score, 1e-6)
	assert.Equal(t, "Benefit overview.", out.Results[1].Summary)
}

func TestSemanticSearchTool_StageErrors(t *testing.T) {
	tests := []struct {
		err   error
		stage string
	}{
		{retrieval.ErrEmptyQuery, "input: "},
		{fmt.Errorf("post: %w", embeddings.ErrUpstreamUnavailable), "embedding: "},
		{embeddings.ErrInvalidEmbeddingResponse, "embedding: "},
		{fmt.Errorf("%w: refused", retrieval.ErrIndexUnavailable), "index: "},
		{fmt.Errorf("%w: locked", retrieval.ErrStoreUnavailable), "store: "},
		{errors.New("boom"), "internal: "},
	}
	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			s, err := NewServer(nil, &stubSearch{err: tt.err}, &stubDocuments{})
			require.NoError(t, err)
			cs := connect(t, s)

			res := call(t, cs, "semantic_search", map[string]any{"query": "x"})
			assert.True(t, res.IsError)
			assert.Contains(t, errorText(res), tt.stage)
		})
	}
}

func TestGetDocumentTool(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	docs := &stubDocuments{docs: map[string]*docstore.Document{
		"a": {ID: "a", Title: "Leave", FileURL: "/uploads/1_leave.pdf", Status: docstore.StatusApproved, UploadedAt: at},
	}}
	s, err := NewServer(nil, &stubSearch{}, docs)
	require.NoError(t, err)
	cs := connect(t, s)

	out := structured[documentOutput](t, call(t, cs, "get_document", map[string]any{"id": "a"}))
	assert.Equal(t, "Leave", out.Title)
	assert.Equal(t, "APPROVED", out.Status)
	assert.Equal(t, "2025-03-01T09:30:00Z", out.UploadedAt)
	assert.Equal(t, []string{}, out.Tags)

	res := call(t, cs, "get_document", map[string]any{"id": "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, errorText(res), "store: ")

	res = call(t, cs, "get_document", map[string]any{"id": " "})
	assert.True(t, res.IsError)
	assert.Contains(t, errorText(res), "input: id is required")
}

func TestListDepartmentTool_Limit(t *testing.T) {
	docs := &stubDocuments{dept: []docstore.Document{{ID: "c"}, {ID: "b"}, {ID: "a"}}}
	s, err := NewServer(nil, &stubSearch{}, docs)
	require.NoError(t, err)
	cs := connect(t, s)

	out := structured[listDepartmentOutput](t, call(t, cs, "list_department_documents", map[string]any{"department_id": "d", "limit": 2}))
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, "c", out.Documents[0].ID)
}

func TestToolMetrics(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	s, err := NewServer(&Config{Meter: tel.Meter("test")}, &stubSearch{err: fmt.Errorf("%w: down", retrieval.ErrIndexUnavailable)}, &stubDocuments{})
	require.NoError(t, err)
	cs := connect(t, s)

	call(t, cs, "semantic_search", map[string]any{"query": "x"})
	call(t, cs, "semantic_search", map[string]any{"query": "y"})

	rm := tel.Collect(t)
	inv, ok := telemetry.FindMetric(rm, "docsearch.mcp.tool.invocations_total")
	require.True(t, ok)
	assert.EqualValues(t, 2, telemetry.SumValue(inv, attribute.String("tool", "semantic_search")))

	errs, ok := telemetry.FindMetric(rm, "docsearch.mcp.tool.errors_total")
	require.True(t, ok)
	assert.EqualValues(t, 2, telemetry.SumValue(errs, attribute.String("stage", "index")))
}

func TestStageError(t *testing.T) {
	err := stageError(fmt.Errorf("%w: down", retrieval.ErrIndexUnavailable))
	assert.Equal(t, "index: vector index unavailable: down", err.Error())
	assert.ErrorIs(t, err, retrieval.ErrIndexUnavailable)

	already := errors.New("input: id is required")
	assert.Same(t, already, stageError(already))
}
