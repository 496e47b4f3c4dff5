package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture is a department with one uploader.
type fixture struct {
	dept *Department
	user *User
}

func seed(t *testing.T, s Store, deptName string) fixture {
	t.Helper()
	ctx := context.Background()

	dept := &Department{Name: deptName, Description: deptName + " team"}
	require.NoError(t, s.CreateDepartment(ctx, dept))
	require.NotEmpty(t, dept.ID)

	user := &User{Name: "Asha " + deptName, Email: deptName + "@kmrl.test", DepartmentID: dept.ID}
	require.NoError(t, s.CreateUser(ctx, user))
	require.NotEmpty(t, user.ID)

	return fixture{dept: dept, user: user}
}

func newDoc(f fixture, title string, at time.Time) *Document {
	return &Document{
		Title:        title,
		FileName:     title + ".pdf",
		FileType:     "application/pdf",
		FileSize:     1024,
		FileURL:      "uploads/" + title + ".pdf",
		Summary:      "summary of " + title,
		DepartmentID: f.dept.ID,
		UploadedBy:   f.user.ID,
		UploadedAt:   at,
	}
}

// testStoreContract exercises behavior every Store backend must share.
// invalidID must be malformed for the backend; missingID well-formed but unused.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store, invalidID, missingID string) {
	t.Run("create and get populated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f := seed(t, s, "Finance")

		doc := newDoc(f, "budget", time.Time{})
		doc.ClassificationScores = []LabelScore{{Label: "finance", Score: 0.9}}
		doc.Classification = "finance"
		doc.Metadata = map[string]any{"pages": float64(3)}
		require.NoError(t, s.CreateDocument(ctx, doc))

		require.NotEmpty(t, doc.ID)
		assert.Equal(t, StatusPending, doc.Status)
		assert.Equal(t, 1, doc.Version)
		assert.False(t, doc.UploadedAt.IsZero())
		assert.Equal(t, "Finance", doc.DepartmentName)

		got, err := s.GetDocument(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.ID, got.ID)
		assert.Equal(t, "budget", got.Title)
		assert.Equal(t, "Finance", got.DepartmentName)
		assert.Equal(t, f.user.Name, got.UploaderName)
		assert.Equal(t, f.user.Email, got.UploaderEmail)
		assert.Equal(t, []string{}, got.Tags)
		assert.Equal(t, "finance", got.Classification)
		assert.Equal(t, []LabelScore{{Label: "finance", Score: 0.9}}, got.ClassificationScores)
		assert.Equal(t, float64(3), got.Metadata["pages"])
		assert.WithinDuration(t, doc.UploadedAt, got.UploadedAt, time.Millisecond)

		dept, err := s.GetDepartment(ctx, f.dept.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{doc.ID}, dept.DocumentIDs)
	})

	t.Run("create rejects unknown department", func(t *testing.T) {
		s := newStore(t)
		f := seed(t, s, "Operations")
		doc := newDoc(f, "orphan", time.Time{})
		doc.DepartmentID = missingID

		err := s.CreateDocument(context.Background(), doc)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, doc.ID)
	})

	t.Run("get errors", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetDocument(ctx, missingID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetDocument(ctx, invalidID)
		assert.ErrorIs(t, err, ErrInvalidID)
		_, err = s.GetUser(ctx, missingID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetDepartment(ctx, invalidID)
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("find many by ids", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f := seed(t, s, "Safety")

		base := time.Now().UTC()
		a := newDoc(f, "a", base)
		b := newDoc(f, "b", base.Add(time.Second))
		c := newDoc(f, "c", base.Add(2*time.Second))
		for _, d := range []*Document{a, b, c} {
			require.NoError(t, s.CreateDocument(ctx, d))
		}

		got, err := s.FindManyByIDs(ctx, []string{c.ID, invalidID, a.ID, missingID})
		require.NoError(t, err)
		require.Len(t, got, 2)
		ids := []string{got[0].ID, got[1].ID}
		assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)
		for _, d := range got {
			assert.Equal(t, "Safety", d.DepartmentName)
			assert.Equal(t, f.user.Email, d.UploaderEmail)
		}

		empty, err := s.FindManyByIDs(ctx, nil)
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)

		onlyBad, err := s.FindManyByIDs(ctx, []string{invalidID})
		require.NoError(t, err)
		assert.Empty(t, onlyBad)
	})

	t.Run("lists newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f := seed(t, s, "Legal")
		other := seed(t, s, "HR")

		base := time.Now().UTC().Add(-time.Hour)
		old := newDoc(f, "old", base)
		mid := newDoc(f, "mid", base.Add(time.Minute))
		fresh := newDoc(f, "fresh", base.Add(2*time.Minute))
		elsewhere := newDoc(other, "elsewhere", base.Add(3*time.Minute))
		for _, d := range []*Document{mid, old, fresh, elsewhere} {
			require.NoError(t, s.CreateDocument(ctx, d))
		}

		byDept, err := s.ListByDepartment(ctx, f.dept.ID)
		require.NoError(t, err)
		require.Len(t, byDept, 3)
		assert.Equal(t, []string{"fresh", "mid", "old"}, []string{byDept[0].Title, byDept[1].Title, byDept[2].Title})

		byUser, err := s.ListByUploader(ctx, other.user.ID)
		require.NoError(t, err)
		require.Len(t, byUser, 1)
		assert.Equal(t, "elsewhere", byUser[0].Title)

		_, err = s.ListByDepartment(ctx, invalidID)
		assert.ErrorIs(t, err, ErrInvalidID)

		none, err := s.ListByDepartment(ctx, missingID)
		require.NoError(t, err)
		assert.NotNil(t, none)
		assert.Empty(t, none)
	})

	t.Run("delete pulls department reference", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f := seed(t, s, "Projects")

		keep := newDoc(f, "keep", time.Time{})
		drop := newDoc(f, "drop", time.Time{})
		require.NoError(t, s.CreateDocument(ctx, keep))
		require.NoError(t, s.CreateDocument(ctx, drop))

		require.NoError(t, s.DeleteDocument(ctx, drop.ID))
		_, err := s.GetDocument(ctx, drop.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		dept, err := s.GetDepartment(ctx, f.dept.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{keep.ID}, dept.DocumentIDs)

		assert.ErrorIs(t, s.DeleteDocument(ctx, drop.ID), ErrNotFound)
		assert.ErrorIs(t, s.DeleteDocument(ctx, invalidID), ErrInvalidID)
	})

	t.Run("unique names and emails", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f := seed(t, s, "Engineering")

		err := s.CreateDepartment(ctx, &Department{Name: "Engineering"})
		assert.ErrorIs(t, err, ErrConflict)

		err = s.CreateUser(ctx, &User{Name: "dup", Email: f.user.Email, DepartmentID: f.dept.ID})
		assert.ErrorIs(t, err, ErrConflict)

		depts, err := s.ListDepartments(ctx)
		require.NoError(t, err)
		assert.Len(t, depts, 1)
	})

	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		f := seed(t, s, "Procurement")

		got, err := s.GetUser(ctx, f.user.ID)
		require.NoError(t, err)
		assert.Equal(t, RoleEmployee, got.Role)
		assert.Equal(t, f.dept.ID, got.DepartmentID)

		admin := &User{Name: "root", Email: "root@kmrl.test", Role: RoleAdmin}
		require.NoError(t, s.CreateUser(ctx, admin))
		got, err = s.GetUser(ctx, admin.ID)
		require.NoError(t, err)
		assert.Empty(t, got.DepartmentID)

		err = s.CreateUser(ctx, &User{Name: "nodept", Email: "nodept@kmrl.test"})
		assert.Error(t, err)

		err = s.CreateUser(ctx, &User{Name: "ghost", Email: "ghost@kmrl.test", DepartmentID: missingID})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})
}
