// Package docstore persists documents together with the departments and users
// they belong to.
//
// Two backends implement Store:
//
//   - MongoStore shares collections and BSON field names with the existing
//     Node application, so both services can run against one database.
//   - SQLiteStore is an embedded, pure Go store for single-node deployments
//     and tests.
//
// Fetches are populated: every Document returned carries its department name
// and its uploader's name and email.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/docsearch/internal/config"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a document, department or user does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidID is returned when an id is malformed for the backend.
	ErrInvalidID = errors.New("invalid id")

	// ErrConflict is returned when a unique department name or user email is
	// already taken.
	ErrConflict = errors.New("already exists")
)

// Status is a document's review status.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Role is a user's role.
type Role string

const (
	RoleAdmin    Role = "Admin"
	RoleEmployee Role = "Employee"
	RoleViewer   Role = "Viewer"
)

// LabelScore is one zero-shot classification candidate.
type LabelScore struct {
	Label string  `json:"label" bson:"label"`
	Score float64 `json:"score" bson:"score"`
}

// Document is an ingested file with its AI-derived attributes.
type Document struct {
	ID          string `json:"_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType,omitempty"`
	FileSize    int64  `json:"fileSize"`
	FileURL     string `json:"fileUrl"`

	Summary              string       `json:"summary,omitempty"`
	SummaryML            string       `json:"summary_ml,omitempty"`
	Classification       string       `json:"classification,omitempty"`
	ClassificationScores []LabelScore `json:"classificationScores,omitempty"`
	DetectedLanguage     string       `json:"detected_language,omitempty"`
	TranslatedText       string       `json:"translated_text,omitempty"`

	Tags     []string       `json:"tags"`
	Version  int            `json:"version"`
	Status   Status         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`

	DepartmentID   string `json:"department"`
	DepartmentName string `json:"departmentName,omitempty"`

	UploadedBy    string    `json:"uploadedBy"`
	UploaderName  string    `json:"uploaderName,omitempty"`
	UploaderEmail string    `json:"uploaderEmail,omitempty"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// Department groups documents and users.
type Department struct {
	ID          string    `json:"_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	DocumentIDs []string  `json:"documents"`
	CreatedAt   time.Time `json:"createdAt"`
}

// User uploads documents on behalf of a department.
type User struct {
	ID           string    `json:"_id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	DepartmentID string    `json:"department,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Store persists documents, departments and users.
type Store interface {
	// CreateDocument assigns doc.ID and the creation defaults, saves it and
	// appends it to its department's document list. ErrNotFound if the
	// department does not exist.
	CreateDocument(ctx context.Context, doc *Document) error

	// GetDocument returns a populated document.
	GetDocument(ctx context.Context, id string) (*Document, error)

	// FindManyByIDs returns the subset of ids that exist, in storage order.
	// Missing and malformed ids are omitted.
	FindManyByIDs(ctx context.Context, ids []string) ([]Document, error)

	// ListByDepartment returns a department's documents, newest first.
	ListByDepartment(ctx context.Context, departmentID string) ([]Document, error)

	// ListByUploader returns a user's documents, newest first.
	ListByUploader(ctx context.Context, userID string) ([]Document, error)

	// DeleteDocument removes a document and its department back-reference.
	DeleteDocument(ctx context.Context, id string) error

	CreateDepartment(ctx context.Context, dept *Department) error
	GetDepartment(ctx context.Context, id string) (*Department, error)
	ListDepartments(ctx context.Context) ([]Department, error)

	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open creates the Store selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		s, err := NewSQLiteStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo":
		s, err := NewMongoStore(ctx, MongoConfig{
			URI:      cfg.Mongo.URI.Value(),
			Database: cfg.Mongo.Database,
		}, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// applyDocumentDefaults fills the fields every new document starts with.
func applyDocumentDefaults(doc *Document, now time.Time) {
	if doc.Status == "" {
		doc.Status = StatusPending
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = now.UTC()
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
}

func applyUserDefaults(user *User, now time.Time) {
	if user.Role == "" {
		user.Role = RoleEmployee
	}
	if user.JoinedAt.IsZero() {
		user.JoinedAt = now.UTC()
	}
}

func validateDocument(doc *Document) error {
	if doc == nil {
		return errors.New("document is required")
	}
	if doc.Title == "" || doc.FileName == "" || doc.FileURL == "" {
		return errors.New("document title, file name and file url are required")
	}
	if doc.DepartmentID == "" || doc.UploadedBy == "" {
		return errors.New("document department and uploader are required")
	}
	switch doc.Status {
	case "", StatusPending, StatusApproved, StatusRejected:
	default:
		return fmt.Errorf("unknown document status %q", doc.Status)
	}
	return nil
}

func validateUser(user *User) error {
	if user == nil {
		return errors.New("user is required")
	}
	if user.Name == "" || user.Email == "" {
		return errors.New("user name and email are required")
	}
	switch user.Role {
	case "", RoleAdmin, RoleEmployee, RoleViewer:
	default:
		return fmt.Errorf("unknown user role %q", user.Role)
	}
	if user.Role != RoleAdmin && user.DepartmentID == "" {
		return errors.New("non-admin users require a department")
	}
	return nil
}
