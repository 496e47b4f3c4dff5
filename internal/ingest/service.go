// Package ingest turns uploaded files into stored, searchable documents and
// removes them again.
//
// An upload is saved to disk, processed by the AI service, persisted in the
// document store and embedded into the vector index. Deletion walks the
// same systems in reverse so the index never references a missing record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	"github.com/fyrsmithlabs/docsearch/internal/events"
	"github.com/fyrsmithlabs/docsearch/internal/logging"
	"github.com/fyrsmithlabs/docsearch/internal/retrieval"
	"github.com/fyrsmithlabs/docsearch/internal/vectorindex"
)

// ErrEmbeddingUpsertFailed is logged when a document is saved without its
// vector index entry. It never reaches callers; they see
// Outcome.EmbeddingsStored=false instead.
var ErrEmbeddingUpsertFailed = errors.New("embedding upsert failed")

var (
	// ErrUserNotFound wraps docstore.ErrNotFound for an unknown uploader.
	ErrUserNotFound = errors.New("user not found")

	// ErrDepartmentNotFound wraps docstore.ErrNotFound for an unknown or
	// missing department.
	ErrDepartmentNotFound = errors.New("department not found")
)

// Store is the document store subset ingestion needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*docstore.User, error)
	GetDepartment(ctx context.Context, id string) (*docstore.Department, error)
	CreateDocument(ctx context.Context, doc *docstore.Document) error
	GetDocument(ctx context.Context, id string) (*docstore.Document, error)
	DeleteDocument(ctx context.Context, id string) error
}

// Index is the vector index subset ingestion needs.
type Index interface {
	Upsert(ctx context.Context, collection string, p vectorindex.Point) (string, error)
	DeleteByDocumentID(ctx context.Context, collection, id string) error
}

// Processor extracts text, metadata and a vector from an upload.
type Processor interface {
	Process(ctx context.Context, fileName string, content io.Reader) (*AIData, error)
}

// Upload is one incoming file.
type Upload struct {
	UserID string

	// DepartmentID overrides the uploader's department when set.
	DepartmentID string

	// Title defaults to FileName.
	Title string

	FileName    string
	ContentType string
	Body        io.Reader
}

// Outcome is the result of a successful upload.
type Outcome struct {
	Document         *docstore.Document
	EmbeddingsStored bool
	AIData           *AIData
}

// Service ingests and deletes documents.
type Service struct {
	store      Store
	index      Index
	processor  Processor
	files      *FileStore
	publisher  events.Publisher
	collection string
	logger     *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher announces ingest and delete events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithCollection overrides the vector index collection.
func WithCollection(name string) Option {
	return func(s *Service) { s.collection = name }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates an ingestion service.
func NewService(store Store, index Index, processor Processor, files *FileStore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("document store cannot be nil")
	}
	if index == nil {
		return nil, errors.New("vector index cannot be nil")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if files == nil {
		return nil, errors.New("file store cannot be nil")
	}

	s := &Service{
		store:      store,
		index:      index,
		processor:  processor,
		files:      files,
		publisher:  events.NopPublisher{},
		collection: retrieval.DefaultCollection,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest stores an upload. Lookup failures are tagged with ErrUserNotFound
// or ErrDepartmentNotFound; AI failures return ErrProcessingFailed or
// ErrNoExtractableText and leave nothing behind.
func (s *Service) Ingest(ctx context.Context, up Upload) (out *Outcome, err error) {
	defer func() { IngestsTotal.WithLabelValues(ingestResult(out, err)).Inc() }()

	ctx = logging.WithUserID(ctx, up.UserID)
	log := s.logger.With(logging.ContextFields(ctx)...)

	user, err := s.store.GetUser(ctx, up.UserID)
	if err != nil {
		return nil, lookupError(ErrUserNotFound, err)
	}

	deptID := strings.TrimSpace(up.DepartmentID)
	if deptID == "" {
		deptID = user.DepartmentID
	}
	if deptID == "" {
		return nil, fmt.Errorf("%w: user %s has none: %w", ErrDepartmentNotFound, user.ID, docstore.ErrNotFound)
	}
	dept, err := s.store.GetDepartment(ctx, deptID)
	if err != nil {
		return nil, lookupError(ErrDepartmentNotFound, err)
	}

	stored, size, err := s.files.Save(up.FileName, up.Body)
	if err != nil {
		return nil, fmt.Errorf("saving uploaded file: %w", err)
	}

	ai, err := s.process(ctx, stored, up.FileName)
	if err != nil {
		s.removeFile(log, stored)
		return nil, err
	}

	doc := newDocument(up, user, dept, s.files.URL(stored), size, ai)
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		s.removeFile(log, stored)
		return nil, fmt.Errorf("saving document: %w", err)
	}
	log = log.With(zap.String("document_id", doc.ID))

	embedded := s.upsert(ctx, log, doc, ai.EmbeddingVector)

	s.publish(ctx, log, events.Event{
		Type:             events.TypeIngested,
		DocumentID:       doc.ID,
		DepartmentID:     dept.ID,
		DepartmentName:   dept.Name,
		FileName:         doc.FileName,
		EmbeddingsStored: embedded,
	})

	log.Info("document ingested",
		zap.String("department", dept.Name),
		zap.Int64("size", size),
		zap.Bool("embeddings_stored", embedded))

	return &Outcome{Document: doc, EmbeddingsStored: embedded, AIData: ai}, nil
}

func (s *Service) process(ctx context.Context, stored, original string) (*AIData, error) {
	f, err := s.files.Open(stored)
	if err != nil {
		return nil, fmt.Errorf("reopening uploaded file: %w", err)
	}
	defer f.Close()

	name := original
	if name == "" {
		name = stored
	}
	return s.processor.Process(ctx, name, f)
}

func newDocument(up Upload, user *docstore.User, dept *docstore.Department, fileURL string, size int64, ai *AIData) *docstore.Document {
	fileName := up.FileName
	if fileName == "" {
		fileName = SafeName("")
	}
	title := strings.TrimSpace(up.Title)
	if title == "" {
		title = fileName
	}

	doc := &docstore.Document{
		Title:            title,
		FileName:         fileName,
		FileType:         up.ContentType,
		FileSize:         size,
		FileURL:          fileURL,
		Summary:          ai.Summary,
		SummaryML:        ai.SummaryML,
		Classification:   ai.Classification.Label,
		DetectedLanguage: ai.DetectedLanguage,
		TranslatedText:   ai.TranslatedText,
		Metadata:         ai.Metadata,
		DepartmentID:     dept.ID,
		DepartmentName:   dept.Name,
		UploadedBy:       user.ID,
	}
	for i, label := range ai.Classification.Labels {
		ls := docstore.LabelScore{Label: label}
		if i < len(ai.Classification.Scores) {
			ls.Score = ai.Classification.Scores[i]
		}
		doc.ClassificationScores = append(doc.ClassificationScores, ls)
	}
	return doc
}

// upsert makes exactly one attempt to index the document vector.
func (s *Service) upsert(ctx context.Context, log *zap.Logger, doc *docstore.Document, vector []float32) bool {
	if len(vector) == 0 {
		log.Warn("AI service returned no embedding vector, document not indexed")
		EmbeddingUpsertFailures.Inc()
		return false
	}

	_, err := s.index.Upsert(ctx, s.collection, vectorindex.Point{
		ID:     vectorindex.NewPointID(),
		Vector: vector,
		Payload: vectorindex.Payload{
			DocumentID:     doc.ID,
			DepartmentName: doc.DepartmentName,
			FileName:       doc.FileName,
		},
	})
	if err != nil {
		EmbeddingUpsertFailures.Inc()
		log.Warn("document saved without embeddings",
			zap.Error(fmt.Errorf("%w: %w", ErrEmbeddingUpsertFailed, err)))
		return false
	}
	return true
}

// Delete removes a document from the index, the store and disk, in that
// order. An index failure aborts with retrieval.ErrIndexUnavailable and
// leaves the document in place.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	defer func() {
		result := "deleted"
		if err != nil {
			result = "error"
		}
		DeletesTotal.WithLabelValues(result).Inc()
	}()
	log := s.logger.With(append(logging.ContextFields(ctx), zap.String("document_id", id))...)

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	if err := s.index.DeleteByDocumentID(ctx, s.collection, doc.ID); err != nil {
		return fmt.Errorf("%w: %w", retrieval.ErrIndexUnavailable, err)
	}

	if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("%w: %w", retrieval.ErrStoreUnavailable, err)
	}

	s.removeFile(log, s.files.NameFromURL(doc.FileURL))

	s.publish(ctx, log, events.Event{
		Type:           events.TypeDeleted,
		DocumentID:     doc.ID,
		DepartmentID:   doc.DepartmentID,
		DepartmentName: doc.DepartmentName,
		FileName:       doc.FileName,
	})

	log.Info("document deleted")
	return nil
}

func (s *Service) removeFile(log *zap.Logger, name string) {
	if err := s.files.Remove(name); err != nil {
		log.Warn("failed to remove uploaded file", zap.String("file", name), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, log *zap.Logger, e events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, e); err != nil {
		log.Warn("failed to publish document event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

// lookupError tags not-found and malformed-id store errors with kind and
// passes others through.
func lookupError(kind, err error) error {
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrInvalidID) {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return err
}

func ingestResult(out *Outcome, err error) string {
	switch {
	case err == nil && out != nil && out.EmbeddingsStored:
		return "stored"
	case err == nil:
		return "unindexed"
	case errors.Is(err, ErrNoExtractableText):
		return "no_text"
	case errors.Is(err, ErrProcessingFailed):
		return "processing_failed"
	default:
		return "error"
	}
}
