package docstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/docsearch/internal/config"
	"github.com/fyrsmithlabs/docsearch/internal/docstore/migrations"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "docsearch.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	testStoreContract(t,
		func(t *testing.T) Store { return newTestSQLite(t) },
		"not-a-uuid",
		"6f1c2d4e-8a9b-4c3d-9e2f-1a2b3c4d5e6f",
	)
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("", nil)
	assert.Error(t, err)
}

func TestSQLiteStore_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docsearch.db")

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	f := seed(t, s, "Finance")
	require.NoError(t, s.CreateDocument(context.Background(), newDoc(f, "persisted", time.Time{})))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.migrate(migrations.FS))

	var versions int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, 1, versions)

	docs, err := s.ListByDepartment(context.Background(), f.dept.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "persisted", docs[0].Title)
}

func TestSQLiteStore_ForeignKeysEnforced(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.db.Exec(`INSERT INTO documents (id, title, file_name, file_url, department_id, uploaded_by, uploaded_at)
		VALUES ('x', 't', 'f', 'u', 'missing', 'missing', '2024-01-01T00:00:00.000000000Z')`)
	assert.Error(t, err)
}

func TestSQLiteStore_NormalizesIDs(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	f := seed(t, s, "Finance")
	doc := newDoc(f, "upper", time.Time{})
	require.NoError(t, s.CreateDocument(ctx, doc))

	upper := ""
	for _, r := range doc.ID {
		if r >= 'a' && r <= 'f' {
			r -= 'a' - 'A'
		}
		upper += string(r)
	}
	got, err := s.GetDocument(ctx, upper)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
}

func TestSQLiteStore_TimesSortAcrossPrecision(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	f := seed(t, s, "Finance")

	whole := time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)
	fraction := whole.Add(100 * time.Millisecond)
	require.NoError(t, s.CreateDocument(ctx, newDoc(f, "fraction", fraction)))
	require.NoError(t, s.CreateDocument(ctx, newDoc(f, "whole", whole)))

	docs, err := s.ListByDepartment(ctx, f.dept.ID)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "fraction", docs[0].Title)
	assert.True(t, docs[0].UploadedAt.Equal(fraction))
}

func TestOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "open.db")

	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.Store.Driver = "postgres"
	_, err = Open(context.Background(), cfg, nil)
	assert.Error(t, err)
}
