package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/ingest"
	"github.com/fyrsmithlabs/docsearch/internal/logging"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// handleSearch serves GET /search and GET /api/documents/search.
func (s *Server) handleSearch(c echo.Context) error {
	topK := 0
	if raw := c.QueryParam("topK"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "topK must be an integer",
				Stage: StageInput,
				Code:  "INVALID_TOP_K",
			})
		}
		topK = n
	}

	result, err := s.search.SemanticSearch(c.Request().Context(), c.QueryParam("query"), topK)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// handleUpload stores a multipart upload for the user named by ?userId=.
func (s *Server) handleUpload(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized"})
	}

	fh, err := c.FormFile("file")
	if err != nil {
		s.logger.Debug("upload without file", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "No valid document file provided",
			Stage: StageInput,
			Code:  "MISSING_FILE",
		})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Uploaded file could not be read",
			Stage: StageInput,
			Code:  "UNREADABLE_FILE",
		})
	}
	defer f.Close()

	ctx := logging.WithUserID(c.Request().Context(), userID)
	out, err := s.ingest.Ingest(ctx, ingest.Upload{
		UserID:       userID,
		DepartmentID: c.FormValue("department"),
		Title:        c.FormValue("title"),
		FileName:     fh.Filename,
		ContentType:  fh.Header.Get("Content-Type"),
		Body:         f,
	})
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(http.StatusCreated, UploadResponse{
		Message:          "Document uploaded and processed successfully",
		Document:         out.Document,
		EmbeddingsStored: out.EmbeddingsStored,
		AIData:           out.AIData,
	})
}

// handleListByDepartment lists a department's documents, newest first.
func (s *Server) handleListByDepartment(c echo.Context) error {
	docs, err := s.documents.ListByDepartment(c.Request().Context(), c.Param("departmentId"))
	if errors.Is(err, docstore.ErrInvalidID) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid department ID", Stage: StageInput, Code: "INVALID_ID"})
	}
	if err != nil {
		return s.fail(c, storeError(err))
	}

	resp := DocumentsResponse{Documents: docs}
	if len(docs) == 0 {
		resp.Documents = []docstore.Document{}
		resp.Message = "No documents found for this department"
	}
	return c.JSON(http.StatusOK, resp)
}

// handleListByUploader lists a user's documents, newest first.
func (s *Server) handleListByUploader(c echo.Context) error {
	docs, err := s.documents.ListByUploader(c.Request().Context(), c.Param("userId"))
	if errors.Is(err, docstore.ErrInvalidID) {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid user ID", Stage: StageInput, Code: "INVALID_ID"})
	}
	if err != nil {
		return s.fail(c, storeError(err))
	}
	if docs == nil {
		docs = []docstore.Document{}
	}
	return c.JSON(http.StatusOK, DocumentsResponse{Documents: docs})
}

func (s *Server) handleGetDocument(c echo.Context) error {
	doc, err := s.documents.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, storeError(err))
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	if err := s.ingest.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, MessageResponse{Message: "Document deleted"})
}

// handleHealth always answers 200; unreachable components turn the status
// to degraded.
func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.HealthTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:     "ok",
		Version:    s.config.Version,
		Components: map[string]string{"index": "ok", "store": "ok"},
	}

	if err := s.index.Health(ctx); err != nil {
		s.logger.Warn("index health check failed", zap.Error(err))
		resp.Components["index"] = "unavailable"
		resp.Status = "degraded"
	}
	if err := s.documents.Ping(ctx); err != nil {
		s.logger.Warn("store health check failed", zap.Error(err))
		resp.Components["store"] = "unavailable"
		resp.Status = "degraded"
	}
	resp.Counts.IndexedPoints = CountIndexed(ctx, s.index, s.config.Collection)

	return c.JSON(http.StatusOK, resp)
}
