package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/embeddings"
	"github.com/fyrsmithlabs/docsearch/internal/ingest"
	"github.com/fyrsmithlabs/docsearch/internal/logging"
	"github.com/fyrsmithlabs/docsearch/internal/retrieval"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Pipeline stages named in error responses.
const (
	StageInput      = "input"
	StageEmbedding  = "embedding"
	StageIndex      = "index"
	StageStore      = "store"
	StageProcessing = "processing"
	StageInternal   = "internal"
)

// classify maps a service error to its status and body. Order matters:
// delete wraps not-found inside store failures, and ingest tags lookups.
func classify(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery):
		return http.StatusBadRequest, ErrorResponse{Error: retrieval.ErrEmptyQuery.Error(), Stage: StageInput, Code: "EMPTY_QUERY"}
	case errors.Is(err, ingest.ErrUserNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "User not found", Stage: StageStore, Code: "USER_NOT_FOUND"}
	case errors.Is(err, ingest.ErrDepartmentNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Department not found", Stage: StageStore, Code: "DEPARTMENT_NOT_FOUND"}
	case errors.Is(err, docstore.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "Document not found", Stage: StageStore, Code: "NOT_FOUND"}
	case errors.Is(err, docstore.ErrInvalidID):
		return http.StatusBadRequest, ErrorResponse{Error: "Invalid document ID", Stage: StageInput, Code: "INVALID_ID"}
	case errors.Is(err, embeddings.ErrInvalidEmbeddingResponse):
		return http.StatusInternalServerError, ErrorResponse{Error: embeddings.ErrInvalidEmbeddingResponse.Error(), Stage: StageEmbedding, Code: "INVALID_EMBEDDING_RESPONSE"}
	case errors.Is(err, embeddings.ErrUpstreamUnavailable):
		return http.StatusInternalServerError, ErrorResponse{Error: embeddings.ErrUpstreamUnavailable.Error(), Stage: StageEmbedding, Code: "UPSTREAM_UNAVAILABLE"}
	case errors.Is(err, ingest.ErrNoExtractableText):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: ingest.ErrNoExtractableText.Error(), Stage: StageProcessing, Code: "NO_EXTRACTABLE_TEXT"}
	case errors.Is(err, ingest.ErrProcessingFailed):
		return http.StatusBadGateway, ErrorResponse{Error: ingest.ErrProcessingFailed.Error(), Stage: StageProcessing, Code: "PROCESSING_FAILED"}
	case errors.Is(err, retrieval.ErrIndexUnavailable):
		return http.StatusInternalServerError, ErrorResponse{Error: retrieval.ErrIndexUnavailable.Error(), Stage: StageIndex, Code: "INDEX_UNAVAILABLE"}
	case errors.Is(err, retrieval.ErrStoreUnavailable):
		return http.StatusInternalServerError, ErrorResponse{Error: retrieval.ErrStoreUnavailable.Error(), Stage: StageStore, Code: "STORE_UNAVAILABLE"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Stage: StageInternal, Code: "INTERNAL"}
	}
}

// fail writes the classified error and logs it with request correlation.
func (s *Server) fail(c echo.Context, err error) error {
	status, body := classify(err)
	fields := append(logging.ContextFields(c.Request().Context()),
		zap.String("path", c.Path()),
		zap.Int("status", status),
		zap.String("code", body.Code),
		zap.Error(err),
	)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", fields...)
	} else {
		s.logger.Warn("request rejected", fields...)
	}
	return c.JSON(status, body)
}

// storeError marks unexpected store failures so they classify as the
// store stage. Not-found and malformed-id errors pass through.
func storeError(err error) error {
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidID) ||
		errors.Is(err, retrieval.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", retrieval.ErrStoreUnavailable, err)
}
