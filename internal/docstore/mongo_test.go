package docstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.uber.org/zap"
)

func TestMongoDocument_RoundTrip(t *testing.T) {
	dept := primitive.NewObjectID()
	user := primitive.NewObjectID()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	in := &Document{
		Title:                "Rolling stock report",
		FileName:             "report.pdf",
		FileURL:              "uploads/1700000000000_report.pdf",
		FileSize:             42,
		Summary:              "trains",
		SummaryML:            "തീവണ്ടികൾ",
		Classification:       "operations",
		ClassificationScores: []LabelScore{{Label: "operations", Score: 0.8}},
		Tags:                 []string{"rail"},
		Version:              2,
		Status:               StatusApproved,
		UploadedAt:           at,
	}

	raw, err := bson.Marshal(documentToMongo(in, dept, user))
	require.NoError(t, err)

	var fields bson.M
	require.NoError(t, bson.Unmarshal(raw, &fields))
	for _, key := range []string{"title", "fileUrl", "department", "tags", "version", "status",
		"summary", "summary_ml", "fileName", "fileSize", "uploadedBy", "uploadedAt", "classification"} {
		assert.Contains(t, fields, key)
	}
	assert.NotContains(t, fields, "_id")
	assert.NotContains(t, fields, "detected_language")

	var back mongoDocument
	require.NoError(t, bson.Unmarshal(raw, &back))
	got := back.toDocument()
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, dept.Hex(), got.DepartmentID)
	assert.Equal(t, user.Hex(), got.UploadedBy)
	assert.Equal(t, in.ClassificationScores, got.ClassificationScores)
	assert.Equal(t, StatusApproved, got.Status)
	assert.True(t, got.UploadedAt.Equal(at))
}

func TestMongoDocument_LegacyDefaults(t *testing.T) {
	// Documents written by older clients may lack tags, version and status.
	got := mongoDocument{ID: primitive.NewObjectID(), Title: "legacy"}.toDocument()
	assert.Equal(t, []string{}, got.Tags)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMongoUser_Department(t *testing.T) {
	dept := primitive.NewObjectID()
	u := mongoUser{ID: primitive.NewObjectID(), Name: "n", Role: "Admin"}.toUser()
	assert.Empty(t, u.DepartmentID)

	u = mongoUser{ID: primitive.NewObjectID(), Department: &dept}.toUser()
	assert.Equal(t, dept.Hex(), u.DepartmentID)
}

func TestParseObjectID(t *testing.T) {
	oid := primitive.NewObjectID()
	got, err := parseObjectID(oid.Hex())
	require.NoError(t, err)
	assert.Equal(t, oid, got)

	_, err = parseObjectID("zzz")
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestNewMongoStore_RequiresURI(t *testing.T) {
	_, err := NewMongoStore(context.Background(), MongoConfig{}, nil)
	assert.Error(t, err)
}

// TestMongoStore_Contract runs against a live server when MONGO_URI is set.
func TestMongoStore_Contract(t *testing.T) {
	uri := os.Getenv("MONGO_URI")
	if uri == "" || testing.Short() {
		t.Skip("MONGO_URI not set")
	}

	testStoreContract(t, func(t *testing.T) Store {
		db := fmt.Sprintf("docsearch_test_%d", time.Now().UnixNano())
		s, err := NewMongoStore(context.Background(), MongoConfig{URI: uri, Database: db}, nil)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.client.Database(db).Drop(context.Background())
			_ = s.Close()
		})
		return s
	}, "not-an-object-id", primitive.NewObjectID().Hex())
}

func commandNames(mt *mtest.T) []string {
	var names []string
	for _, evt := range mt.GetAllStartedEvents() {
		names = append(names, evt.CommandName)
	}
	return names
}

func TestMongoStore_CreateDocumentRollsBack(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	deptID, userID := primitive.NewObjectID(), primitive.NewObjectID()
	lookups := []bson.D{
		mtest.CreateCursorResponse(0, "docsearch.departments", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: deptID}, {Key: "name", Value: "HR"},
		}),
		mtest.CreateCursorResponse(0, "docsearch.users", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: userID}, {Key: "name", Value: "Ada"}, {Key: "email", Value: "ada@example.com"},
		}),
		mtest.CreateSuccessResponse(),
	}
	newDoc := func() *Document {
		return &Document{
			Title:        "Leave policy",
			FileName:     "leave.pdf",
			FileURL:      "/uploads/leave.pdf",
			DepartmentID: deptID.Hex(),
			UploadedBy:   userID.Hex(),
		}
	}

	mt.Run("update fails", func(mt *mtest.T) {
		s := newMongoStore(mt.Client, mt.DB, zap.NewNop())
		mt.AddMockResponses(append(lookups,
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad update"}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)...)

		doc := newDoc()
		err := s.CreateDocument(context.Background(), doc)
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "appending document to department")
		assert.Empty(mt, doc.ID)
		assert.Equal(mt, []string{"find", "find", "insert", "update", "delete"}, commandNames(mt))
	})

	mt.Run("department vanished", func(mt *mtest.T) {
		s := newMongoStore(mt.Client, mt.DB, zap.NewNop())
		mt.AddMockResponses(append(lookups,
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)...)

		err := s.CreateDocument(context.Background(), newDoc())
		assert.ErrorIs(mt, err, ErrNotFound)
		assert.Equal(mt, []string{"find", "find", "insert", "update", "delete"}, commandNames(mt))
	})

	mt.Run("cleanup fails", func(mt *mtest.T) {
		s := newMongoStore(mt.Client, mt.DB, zap.NewNop())
		mt.AddMockResponses(append(lookups,
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad update"}),
			mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 2, Name: "BadValue", Message: "bad delete"}),
		)...)

		err := s.CreateDocument(context.Background(), newDoc())
		require.Error(mt, err)
		assert.Contains(mt, err.Error(), "appending document to department")
		assert.Contains(mt, err.Error(), "removing document")
	})

	mt.Run("linked", func(mt *mtest.T) {
		s := newMongoStore(mt.Client, mt.DB, zap.NewNop())
		mt.AddMockResponses(append(lookups,
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}),
		)...)

		doc := newDoc()
		require.NoError(mt, s.CreateDocument(context.Background(), doc))
		assert.NotEmpty(mt, doc.ID)
		assert.Equal(mt, "HR", doc.DepartmentName)
		assert.Equal(mt, "ada@example.com", doc.UploaderEmail)
		assert.Equal(mt, []string{"find", "find", "insert", "update"}, commandNames(mt))
	})
}
