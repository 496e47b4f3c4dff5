package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fyrsmithlabs/docsearch/internal/docstore/migrations"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const documentColumns = `d.id, d.title, d.description, d.file_name, d.file_type, d.file_size, d.file_url,
	d.summary, d.summary_ml, d.classification, d.classification_scores, d.detected_language,
	d.translated_text, d.tags, d.version, d.status, d.metadata,
	d.department_id, COALESCE(dep.name, ''), d.uploaded_by, COALESCE(u.name, ''), COALESCE(u.email, ''),
	d.uploaded_at`

const documentFrom = `
	FROM documents d
	LEFT JOIN departments dep ON dep.id = d.department_id
	LEFT JOIN users u ON u.id = d.uploaded_by`

// SQLiteStore is a Store backed by an embedded SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and applies
// pending migrations.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, logger: logger, now: time.Now}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate applies every NNN_name.up.sql newer than the recorded version, each
// in its own transaction.
func (s *SQLiteStore) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", name, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
		s.logger.Info("applied store migration", zap.String("migration", name), zap.Int("version", version))
	}
	return nil
}

// ==================== Documents ====================

// CreateDocument implements Store.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	deptID, err := parseUUID(doc.DepartmentID)
	if err != nil {
		return fmt.Errorf("department: %w", err)
	}
	userID, err := parseUUID(doc.UploadedBy)
	if err != nil {
		return fmt.Errorf("uploader: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var deptName string
	if err := tx.QueryRowContext(ctx, "SELECT name FROM departments WHERE id = ?", deptID).Scan(&deptName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("department %s: %w", deptID, ErrNotFound)
		}
		return fmt.Errorf("looking up department: %w", err)
	}
	var userName, userEmail string
	if err := tx.QueryRowContext(ctx, "SELECT name, email FROM users WHERE id = ?", userID).Scan(&userName, &userEmail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return fmt.Errorf("looking up user: %w", err)
	}

	applyDocumentDefaults(doc, s.now())
	scores, err := marshalJSON(doc.ClassificationScores, "[]")
	if err != nil {
		return fmt.Errorf("marshalling classification scores: %w", err)
	}
	tags, err := marshalJSON(doc.Tags, "[]")
	if err != nil {
		return fmt.Errorf("marshalling tags: %w", err)
	}
	metadata, err := marshalJSON(doc.Metadata, "null")
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, title, description, file_name, file_type, file_size, file_url,
			summary, summary_ml, classification, classification_scores, detected_language,
			translated_text, tags, version, status, metadata, department_id, uploaded_by, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, doc.Title, doc.Description, doc.FileName, doc.FileType, doc.FileSize, doc.FileURL,
		doc.Summary, doc.SummaryML, doc.Classification, scores, doc.DetectedLanguage,
		doc.TranslatedText, tags, doc.Version, string(doc.Status), metadata, deptID, userID,
		formatTime(doc.UploadedAt))
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	doc.ID = id
	doc.DepartmentID = deptID
	doc.DepartmentName = deptName
	doc.UploadedBy = userID
	doc.UploaderName = userName
	doc.UploaderEmail = userEmail
	return nil
}

// GetDocument implements Store.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	docID, err := parseUUID(id)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+documentFrom+" WHERE d.id = ?", docID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FindManyByIDs implements Store.
func (s *SQLiteStore) FindManyByIDs(ctx context.Context, ids []string) ([]Document, error) {
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		if docID, err := parseUUID(id); err == nil {
			args = append(args, docID)
		}
	}
	if len(args) == 0 {
		return []Document{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	return s.queryDocuments(ctx,
		"SELECT "+documentColumns+documentFrom+" WHERE d.id IN ("+placeholders+") ORDER BY d.rowid",
		args...)
}

// ListByDepartment implements Store.
func (s *SQLiteStore) ListByDepartment(ctx context.Context, departmentID string) ([]Document, error) {
	deptID, err := parseUUID(departmentID)
	if err != nil {
		return nil, err
	}
	return s.queryDocuments(ctx,
		"SELECT "+documentColumns+documentFrom+" WHERE d.department_id = ? ORDER BY d.uploaded_at DESC, d.rowid DESC",
		deptID)
}

// ListByUploader implements Store.
func (s *SQLiteStore) ListByUploader(ctx context.Context, userID string) ([]Document, error) {
	uid, err := parseUUID(userID)
	if err != nil {
		return nil, err
	}
	return s.queryDocuments(ctx,
		"SELECT "+documentColumns+documentFrom+" WHERE d.uploaded_by = ? ORDER BY d.uploaded_at DESC, d.rowid DESC",
		uid)
}

// DeleteDocument implements Store. The department's document list is derived
// from documents.department_id, so removing the row also removes the
// back-reference.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) error {
	docID, err := parseUUID(id)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", docID)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("document %s: %w", docID, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc                        Document
		scores, tags, metadata, at string
		status                     string
	)
	err := row.Scan(&doc.ID, &doc.Title, &doc.Description, &doc.FileName, &doc.FileType, &doc.FileSize, &doc.FileURL,
		&doc.Summary, &doc.SummaryML, &doc.Classification, &scores, &doc.DetectedLanguage,
		&doc.TranslatedText, &tags, &doc.Version, &status, &metadata,
		&doc.DepartmentID, &doc.DepartmentName, &doc.UploadedBy, &doc.UploaderName, &doc.UploaderEmail,
		&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}

	doc.Status = Status(status)
	if err := json.Unmarshal([]byte(scores), &doc.ClassificationScores); err != nil {
		return nil, fmt.Errorf("unmarshalling classification scores: %w", err)
	}
	if len(doc.ClassificationScores) == 0 {
		doc.ClassificationScores = nil
	}
	if err := json.Unmarshal([]byte(tags), &doc.Tags); err != nil {
		return nil, fmt.Errorf("unmarshalling tags: %w", err)
	}
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	if metadata != jsonNull {
		if err := json.Unmarshal([]byte(metadata), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	if doc.UploadedAt, err = parseTime(at); err != nil {
		return nil, err
	}
	return &doc, nil
}

// ==================== Departments ====================

// CreateDepartment implements Store.
func (s *SQLiteStore) CreateDepartment(ctx context.Context, dept *Department) error {
	if dept == nil || dept.Name == "" {
		return errors.New("department name is required")
	}
	if dept.CreatedAt.IsZero() {
		dept.CreatedAt = s.now().UTC()
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO departments (id, name, description, created_at) VALUES (?, ?, ?, ?)",
		id, dept.Name, dept.Description, formatTime(dept.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("department %q: %w", dept.Name, ErrConflict)
		}
		return fmt.Errorf("saving department: %w", err)
	}
	dept.ID = id
	dept.DocumentIDs = []string{}
	return nil
}

// GetDepartment implements Store.
func (s *SQLiteStore) GetDepartment(ctx context.Context, id string) (*Department, error) {
	deptID, err := parseUUID(id)
	if err != nil {
		return nil, err
	}

	var (
		dept Department
		at   string
	)
	err = s.db.QueryRowContext(ctx,
		"SELECT id, name, description, created_at FROM departments WHERE id = ?", deptID,
	).Scan(&dept.ID, &dept.Name, &dept.Description, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("department %s: %w", deptID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting department: %w", err)
	}
	if dept.CreatedAt, err = parseTime(at); err != nil {
		return nil, err
	}

	if dept.DocumentIDs, err = s.departmentDocumentIDs(ctx, deptID); err != nil {
		return nil, err
	}
	return &dept, nil
}

// ListDepartments implements Store. Departments are ordered by name.
func (s *SQLiteStore) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, description, created_at FROM departments ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("querying departments: %w", err)
	}
	defer rows.Close()

	depts := []Department{}
	for rows.Next() {
		var (
			dept Department
			at   string
		)
		if err := rows.Scan(&dept.ID, &dept.Name, &dept.Description, &at); err != nil {
			return nil, fmt.Errorf("scanning department: %w", err)
		}
		if dept.CreatedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		depts = append(depts, dept)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating departments: %w", err)
	}

	for i := range depts {
		if depts[i].DocumentIDs, err = s.departmentDocumentIDs(ctx, depts[i].ID); err != nil {
			return nil, err
		}
	}
	return depts, nil
}

// departmentDocumentIDs returns document ids in insertion order.
func (s *SQLiteStore) departmentDocumentIDs(ctx context.Context, deptID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM documents WHERE department_id = ? ORDER BY rowid", deptID)
	if err != nil {
		return nil, fmt.Errorf("querying department documents: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ==================== Users ====================

// CreateUser implements Store.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if err := validateUser(user); err != nil {
		return err
	}
	applyUserDefaults(user, s.now())

	var dept any
	if user.DepartmentID != "" {
		deptID, err := parseUUID(user.DepartmentID)
		if err != nil {
			return fmt.Errorf("department: %w", err)
		}
		var exists int
		err = s.db.QueryRowContext(ctx, "SELECT 1 FROM departments WHERE id = ?", deptID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("department %s: %w", deptID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("looking up department: %w", err)
		}
		user.DepartmentID = deptID
		dept = deptID
	}

	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, name, email, role, department_id, joined_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, user.Name, user.Email, string(user.Role), dept, formatTime(user.JoinedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user %q: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("saving user: %w", err)
	}
	user.ID = id
	return nil
}

// GetUser implements Store.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	uid, err := parseUUID(id)
	if err != nil {
		return nil, err
	}

	var (
		user User
		role string
		dept sql.NullString
		at   string
	)
	err = s.db.QueryRowContext(ctx,
		"SELECT id, name, email, role, department_id, joined_at FROM users WHERE id = ?", uid,
	).Scan(&user.ID, &user.Name, &user.Email, &role, &dept, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", uid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	user.Role = Role(role)
	user.DepartmentID = dept.String
	if user.JoinedAt, err = parseTime(at); err != nil {
		return nil, err
	}
	return &user, nil
}

// ==================== Helpers ====================

// jsonNull is the JSON representation of null.
const jsonNull = "null"

func parseUUID(id string) (string, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return u.String(), nil
}

func marshalJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == jsonNull {
		return empty, nil
	}
	return string(b), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
