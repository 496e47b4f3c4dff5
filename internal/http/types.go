package http

import (
	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/ingest"
)

// ErrorResponse is the body of every failed request. Stage and Code are
// omitted where the route has no pipeline stage to blame.
type ErrorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
	Code  string `json:"code,omitempty"`
}

// UploadResponse is the response body for POST /api/documents/upload.
type UploadResponse struct {
	Message          string             `json:"message"`
	Document         *docstore.Document `json:"document"`
	EmbeddingsStored bool               `json:"embeddingsStored"`
	AIData           *ingest.AIData     `json:"aiData"`
}

// DocumentsResponse is the response body for the list routes.
type DocumentsResponse struct {
	Documents []docstore.Document `json:"documents"`
	Message   string              `json:"message,omitempty"`
}

// MessageResponse carries a plain confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Components map[string]string `json:"components"`
	Counts     HealthCounts      `json:"counts"`
}

// HealthCounts reports index size. -1 means unknown.
type HealthCounts struct {
	IndexedPoints int `json:"indexed_points"`
}
