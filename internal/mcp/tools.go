package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/embeddings"
	"github.com/fyrsmithlabs/docsearch/internal/retrieval"
)

type semanticSearchInput struct {
	Query string `json:"query" jsonschema:"Natural language question or phrase to search for"`
	TopK  int    `json:"top_k,omitempty" jsonschema:"Maximum results to return (default 5, max 50)"`
}

type searchHit struct {
	ID         string  `json:"id" jsonschema:"Document id"`
	Title      string  `json:"title" jsonschema:"Document title"`
	FileName   string  `json:"file_name" jsonschema:"Original file name"`
	Department string  `json:"department,omitempty" jsonschema:"Owning department name"`
	Summary    string  `json:"summary,omitempty" jsonschema:"Generated summary"`
	Score      float64 `json:"score" jsonschema:"Cosine similarity, higher is closer"`
}

type semanticSearchOutput struct {
	Query   string      `json:"query" jsonschema:"Query as received"`
	Results []searchHit `json:"results" jsonschema:"Documents ordered by descending score"`
	Count   int         `json:"count" jsonschema:"Number of results"`
}

type getDocumentInput struct {
	ID string `json:"id" jsonschema:"Document id"`
}

type documentOutput struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	FileName       string   `json:"file_name"`
	FileType       string   `json:"file_type,omitempty"`
	FileURL        string   `json:"file_url"`
	Summary        string   `json:"summary,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Language       string   `json:"detected_language,omitempty"`
	Tags           []string `json:"tags"`
	Status         string   `json:"status"`
	Department     string   `json:"department,omitempty"`
	Uploader       string   `json:"uploader,omitempty"`
	UploadedAt     string   `json:"uploaded_at"`
}

type listDepartmentInput struct {
	DepartmentID string `json:"department_id" jsonschema:"Department id"`
	Limit        int    `json:"limit,omitempty" jsonschema:"Maximum documents to return (default 20)"`
}

type listDepartmentOutput struct {
	Documents []documentOutput `json:"documents"`
	Count     int              `json:"count"`
	Total     int              `json:"total" jsonschema:"Documents in the department before the limit"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "semantic_search",
		Description: "Search uploaded documents by meaning rather than keywords. Returns the closest documents with their similarity score.",
	}, instrumented(s, "semantic_search", s.handleSemanticSearch))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_document",
		Description: "Fetch one document's metadata, summary and classification by id.",
	}, instrumented(s, "get_document", s.handleGetDocument))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_department_documents",
		Description: "List a department's documents, newest first.",
	}, instrumented(s, "list_department_documents", s.handleListDepartment))
}

func (s *Server) handleSemanticSearch(ctx context.Context, _ *mcp.CallToolRequest, args semanticSearchInput) (*mcp.CallToolResult, semanticSearchOutput, error) {
	result, err := s.search.SemanticSearch(ctx, args.Query, args.TopK)
	if err != nil {
		return nil, semanticSearchOutput{}, stageError(err)
	}

	out := semanticSearchOutput{
		Query:   result.Query,
		Results: make([]searchHit, 0, len(result.Results)),
	}
	for _, h := range result.Results {
		out.Results = append(out.Results, searchHit{
			ID:         h.ID,
			Title:      h.Title,
			FileName:   h.FileName,
			Department: h.DepartmentName,
			Summary:    summaryOf(&h.Document),
			Score:      float64(h.Score),
		})
	}
	out.Count = len(out.Results)
	return nil, out, nil
}

func (s *Server) handleGetDocument(ctx context.Context, _ *mcp.CallToolRequest, args getDocumentInput) (*mcp.CallToolResult, documentOutput, error) {
	if strings.TrimSpace(args.ID) == "" {
		return nil, documentOutput{}, errors.New("input: id is required")
	}
	doc, err := s.documents.GetDocument(ctx, args.ID)
	if err != nil {
		return nil, documentOutput{}, stageError(err)
	}
	return nil, toDocumentOutput(doc), nil
}

func (s *Server) handleListDepartment(ctx context.Context, _ *mcp.CallToolRequest, args listDepartmentInput) (*mcp.CallToolResult, listDepartmentOutput, error) {
	if strings.TrimSpace(args.DepartmentID) == "" {
		return nil, listDepartmentOutput{}, errors.New("input: department_id is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}

	docs, err := s.documents.ListByDepartment(ctx, args.DepartmentID)
	if err != nil {
		return nil, listDepartmentOutput{}, stageError(err)
	}

	out := listDepartmentOutput{Total: len(docs), Documents: make([]documentOutput, 0, min(limit, len(docs)))}
	for i := range docs {
		if i == limit {
			break
		}
		out.Documents = append(out.Documents, toDocumentOutput(&docs[i]))
	}
	out.Count = len(out.Documents)
	return nil, out, nil
}

func toDocumentOutput(d *docstore.Document) documentOutput {
	tags := d.Tags
	if tags == nil {
		tags = []string{}
	}
	return documentOutput{
		ID:             d.ID,
		Title:          d.Title,
		Description:    d.Description,
		FileName:       d.FileName,
		FileType:       d.FileType,
		FileURL:        d.FileURL,
		Summary:        summaryOf(d),
		Classification: d.Classification,
		Language:       d.DetectedLanguage,
		Tags:           tags,
		Status:         string(d.Status),
		Department:     d.DepartmentName,
		Uploader:       d.UploaderName,
		UploadedAt:     d.UploadedAt.UTC().Format(time.RFC3339),
	}
}

// summaryOf prefers the English summary and falls back to the model one.
func summaryOf(d *docstore.Document) string {
	if d.Summary != "" {
		return d.Summary
	}
	return d.SummaryML
}

// stageOf names the pipeline stage an error came from.
func stageOf(err error) string {
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery), errors.Is(err, docstore.ErrInvalidID):
		return "input"
	case errors.Is(err, embeddings.ErrUpstreamUnavailable), errors.Is(err, embeddings.ErrInvalidEmbeddingResponse):
		return "embedding"
	case errors.Is(err, retrieval.ErrIndexUnavailable):
		return "index"
	case errors.Is(err, docstore.ErrNotFound), errors.Is(err, retrieval.ErrStoreUnavailable):
		return "store"
	case strings.HasPrefix(err.Error(), "input: "):
		return "input"
	default:
		return "internal"
	}
}

// stageError prefixes err with its stage unless the message already
// carries one.
func stageError(err error) error {
	stage := stageOf(err)
	if strings.HasPrefix(err.Error(), stage+": ") {
		return err
	}
	return fmt.Errorf("%s: %w", stage, err)
}
