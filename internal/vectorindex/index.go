// Package vectorindex stores document embeddings and answers nearest
// neighbour queries over them.
//
// Two backends implement Index: QdrantIndex talks to a Qdrant server over
// gRPC, ChromemIndex keeps an embedded chromem-go database in memory or on
// disk. Both store one point per document with a small payload that links
// the point back to the document store record.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Sentinel errors for vector index operations.
var (
	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrInvalidPayload is returned when a point lacks a document id.
	ErrInvalidPayload = errors.New("invalid point payload")

	// ErrDimensionMismatch is returned when a vector or an existing
	// collection does not match the expected dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrUnsupportedDistance is returned for distance metrics a backend
	// cannot honour.
	ErrUnsupportedDistance = errors.New("unsupported distance metric")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidQuery is returned for empty vectors or non-positive limits.
	ErrInvalidQuery = errors.New("invalid query")
)

// Distance is the similarity metric of a collection.
type Distance string

const (
	Cosine    Distance = "cosine"
	Euclidean Distance = "euclid"
	Dot       Distance = "dot"
)

// ParseDistance maps a config string onto a Distance.
func ParseDistance(s string) (Distance, error) {
	switch d := Distance(strings.ToLower(strings.TrimSpace(s))); d {
	case Cosine, Euclidean, Dot:
		return d, nil
	case "euclidean":
		return Euclidean, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDistance, s)
	}
}

// Payload keys shared with the ingestion pipeline.
const (
	KeyDocumentID     = "documentId"
	KeyDepartmentName = "departmentName"
	KeyFileName       = "fileName"
)

// Payload links a point back to its document record.
type Payload struct {
	DocumentID     string `json:"documentId"`
	DepartmentName string `json:"departmentName,omitempty"`
	FileName       string `json:"fileName,omitempty"`
}

// Valid reports whether the payload carries a document id.
func (p Payload) Valid() bool {
	return strings.TrimSpace(p.DocumentID) != ""
}

func (p Payload) toMap() map[string]string {
	m := map[string]string{KeyDocumentID: p.DocumentID}
	if p.DepartmentName != "" {
		m[KeyDepartmentName] = p.DepartmentName
	}
	if p.FileName != "" {
		m[KeyFileName] = p.FileName
	}
	return m
}

func payloadFromMap(m map[string]string) Payload {
	return Payload{
		DocumentID:     m[KeyDocumentID],
		DepartmentName: m[KeyDepartmentName],
		FileName:       m[KeyFileName],
	}
}

// Point is a single vector with its payload. An empty or non-UUID ID is
// replaced with a fresh UUID on upsert.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a scored search result.
type Hit struct {
	PointID string
	Score   float32
	Payload Payload
}

// Index is the vector index used by retrieval and ingestion.
type Index interface {
	// EnsureCollection creates the collection if it does not exist. An
	// existing collection with a different vector size is an error.
	EnsureCollection(ctx context.Context, name string, dim int, distance Distance) error

	// Upsert writes a point and returns the point id used.
	Upsert(ctx context.Context, collection string, p Point) (string, error)

	// Search returns up to topK hits ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Hit, error)

	// DeleteByDocumentID removes every point whose payload references id.
	DeleteByDocumentID(ctx context.Context, collection, id string) error

	// Count returns the number of points in the collection.
	Count(ctx context.Context, collection string) (int, error)

	// Health checks backend reachability.
	Health(ctx context.Context) error

	Close() error
}

// collectionNamePattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName rejects names outside ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// NewPointID returns a fresh point id.
func NewPointID() string {
	return uuid.NewString()
}

// normalizePointID keeps valid UUIDs and replaces anything else.
func normalizePointID(id string) string {
	if _, err := uuid.Parse(id); err == nil && id != "" {
		return id
	}
	return NewPointID()
}

func validatePoint(p Point) error {
	if !p.Payload.Valid() {
		return fmt.Errorf("%w: documentId is required", ErrInvalidPayload)
	}
	if len(p.Vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	return nil
}

func validateQuery(vector []float32, topK int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty query vector", ErrInvalidQuery)
	}
	if topK <= 0 {
		return fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidQuery, topK)
	}
	return nil
}
