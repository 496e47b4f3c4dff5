package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Collection names shared with the Node application.
const (
	documentsCollection   = "documents"
	departmentsCollection = "departments"
	usersCollection       = "users"
)

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI      string
	Database string

	// ConnectTimeout bounds the initial connect and ping. Zero means 10s.
	ConnectTimeout time.Duration
}

// MongoStore is a Store backed by MongoDB.
type MongoStore struct {
	client      *mongo.Client
	documents   *mongo.Collection
	departments *mongo.Collection
	users       *mongo.Collection
	logger      *zap.Logger
	now         func() time.Time
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore connects, pings and ensures the unique indexes the Node
// schema declares.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "docsearch"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	s := newMongoStore(client, client.Database(cfg.Database), logger)
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	logger.Info("connected to mongo", zap.String("database", cfg.Database))
	return s, nil
}

func newMongoStore(client *mongo.Client, db *mongo.Database, logger *zap.Logger) *MongoStore {
	return &MongoStore{
		client:      client,
		documents:   db.Collection(documentsCollection),
		departments: db.Collection(departmentsCollection),
		users:       db.Collection(usersCollection),
		logger:      logger,
		now:         time.Now,
	}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.departments.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("creating department name index: %w", err)
	}
	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("creating user email index: %w", err)
	}
	if _, err := s.documents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "department", Value: 1}, {Key: "uploadedAt", Value: -1}}},
		{Keys: bson.D{{Key: "uploadedBy", Value: 1}, {Key: "uploadedAt", Value: -1}}},
	}); err != nil {
		return fmt.Errorf("creating document indexes: %w", err)
	}
	return nil
}

// Ping verifies the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ==================== BSON models ====================

type mongoDocument struct {
	ID                   primitive.ObjectID `bson:"_id,omitempty"`
	Title                string             `bson:"title"`
	Description          string             `bson:"description,omitempty"`
	FileURL              string             `bson:"fileUrl"`
	Department           primitive.ObjectID `bson:"department"`
	Tags                 []string           `bson:"tags"`
	Version              int                `bson:"version"`
	Status               string             `bson:"status"`
	DetectedLanguage     string             `bson:"detected_language,omitempty"`
	TranslatedText       string             `bson:"translated_text,omitempty"`
	Metadata             map[string]any     `bson:"metadata,omitempty"`
	Summary              string             `bson:"summary,omitempty"`
	SummaryML            string             `bson:"summary_ml,omitempty"`
	Classification       string             `bson:"classification,omitempty"`
	ClassificationScores []LabelScore       `bson:"classificationScores,omitempty"`
	FileName             string             `bson:"fileName"`
	FileType             string             `bson:"fileType,omitempty"`
	FileSize             int64              `bson:"fileSize"`
	UploadedBy           primitive.ObjectID `bson:"uploadedBy"`
	UploadedAt           time.Time          `bson:"uploadedAt"`
}

type mongoDepartment struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty"`
	Name        string               `bson:"name"`
	Description string               `bson:"description,omitempty"`
	Employees   []primitive.ObjectID `bson:"employees,omitempty"`
	Documents   []primitive.ObjectID `bson:"documents"`
	CreatedAt   time.Time            `bson:"createdAt"`
}

type mongoUser struct {
	ID         primitive.ObjectID  `bson:"_id,omitempty"`
	Name       string              `bson:"name"`
	Email      string              `bson:"email"`
	Role       string              `bson:"role"`
	Department *primitive.ObjectID `bson:"department,omitempty"`
	JoinedAt   time.Time           `bson:"joinedAt"`
}

func documentToMongo(doc *Document, dept, user primitive.ObjectID) mongoDocument {
	return mongoDocument{
		Title:                doc.Title,
		Description:          doc.Description,
		FileURL:              doc.FileURL,
		Department:           dept,
		Tags:                 doc.Tags,
		Version:              doc.Version,
		Status:               string(doc.Status),
		DetectedLanguage:     doc.DetectedLanguage,
		TranslatedText:       doc.TranslatedText,
		Metadata:             doc.Metadata,
		Summary:              doc.Summary,
		SummaryML:            doc.SummaryML,
		Classification:       doc.Classification,
		ClassificationScores: doc.ClassificationScores,
		FileName:             doc.FileName,
		FileType:             doc.FileType,
		FileSize:             doc.FileSize,
		UploadedBy:           user,
		UploadedAt:           doc.UploadedAt,
	}
}

func (m mongoDocument) toDocument() Document {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	version := m.Version
	if version == 0 {
		version = 1
	}
	status := Status(m.Status)
	if status == "" {
		status = StatusPending
	}
	return Document{
		ID:                   m.ID.Hex(),
		Title:                m.Title,
		Description:          m.Description,
		FileName:             m.FileName,
		FileType:             m.FileType,
		FileSize:             m.FileSize,
		FileURL:              m.FileURL,
		Summary:              m.Summary,
		SummaryML:            m.SummaryML,
		Classification:       m.Classification,
		ClassificationScores: m.ClassificationScores,
		DetectedLanguage:     m.DetectedLanguage,
		TranslatedText:       m.TranslatedText,
		Tags:                 tags,
		Version:              version,
		Status:               status,
		Metadata:             m.Metadata,
		DepartmentID:         m.Department.Hex(),
		UploadedBy:           m.UploadedBy.Hex(),
		UploadedAt:           m.UploadedAt.UTC(),
	}
}

func (m mongoDepartment) toDepartment() Department {
	ids := make([]string, len(m.Documents))
	for i, id := range m.Documents {
		ids[i] = id.Hex()
	}
	return Department{
		ID:          m.ID.Hex(),
		Name:        m.Name,
		Description: m.Description,
		DocumentIDs: ids,
		CreatedAt:   m.CreatedAt.UTC(),
	}
}

func (m mongoUser) toUser() User {
	u := User{
		ID:       m.ID.Hex(),
		Name:     m.Name,
		Email:    m.Email,
		Role:     Role(m.Role),
		JoinedAt: m.JoinedAt.UTC(),
	}
	if m.Department != nil {
		u.DepartmentID = m.Department.Hex()
	}
	return u
}

func parseObjectID(id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return oid, nil
}

// ==================== Documents ====================

// CreateDocument implements Store.
func (s *MongoStore) CreateDocument(ctx context.Context, doc *Document) error {
	if err := validateDocument(doc); err != nil {
		return err
	}
	deptID, err := parseObjectID(doc.DepartmentID)
	if err != nil {
		return fmt.Errorf("department: %w", err)
	}
	userID, err := parseObjectID(doc.UploadedBy)
	if err != nil {
		return fmt.Errorf("uploader: %w", err)
	}

	var dept mongoDepartment
	if err := s.departments.FindOne(ctx, bson.M{"_id": deptID}).Decode(&dept); err != nil {
		return notFound(err, "department", doc.DepartmentID)
	}
	var user mongoUser
	if err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&user); err != nil {
		return notFound(err, "user", doc.UploadedBy)
	}

	applyDocumentDefaults(doc, s.now())
	// Mongo stores milliseconds.
	doc.UploadedAt = doc.UploadedAt.Truncate(time.Millisecond)

	res, err := s.documents.InsertOne(ctx, documentToMongo(doc, deptID, userID))
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}

	if err := s.linkToDepartment(ctx, deptID, oid); err != nil {
		return err
	}

	doc.ID = oid.Hex()
	doc.DepartmentName = dept.Name
	doc.UploaderName = user.Name
	doc.UploaderEmail = user.Email
	return nil
}

// linkToDepartment pushes oid onto the department's document list. On failure
// the inserted document is removed so no record outlives a failed create.
func (s *MongoStore) linkToDepartment(ctx context.Context, deptID, oid primitive.ObjectID) error {
	res, err := s.departments.UpdateByID(ctx, deptID, bson.M{"$push": bson.M{"documents": oid}})
	if err == nil && res.MatchedCount == 0 {
		err = fmt.Errorf("%w: department %s", ErrNotFound, deptID.Hex())
	}
	if err == nil {
		return nil
	}
	err = fmt.Errorf("appending document to department: %w", err)

	if _, derr := s.documents.DeleteOne(ctx, bson.M{"_id": oid}); derr != nil {
		s.logger.Error("orphaned document left after failed create",
			zap.String("document_id", oid.Hex()), zap.Error(derr))
		return errors.Join(err, fmt.Errorf("removing document %s: %w", oid.Hex(), derr))
	}
	return err
}

// GetDocument implements Store.
func (s *MongoStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}
	var m mongoDocument
	if err := s.documents.FindOne(ctx, bson.M{"_id": oid}).Decode(&m); err != nil {
		return nil, notFound(err, "document", id)
	}
	docs, err := s.populate(ctx, []mongoDocument{m})
	if err != nil {
		return nil, err
	}
	return &docs[0], nil
}

// FindManyByIDs implements Store.
func (s *MongoStore) FindManyByIDs(ctx context.Context, ids []string) ([]Document, error) {
	oids := make([]primitive.ObjectID, 0, len(ids))
	for _, id := range ids {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	if len(oids) == 0 {
		return []Document{}, nil
	}
	return s.findDocuments(ctx, bson.M{"_id": bson.M{"$in": oids}}, nil)
}

// ListByDepartment implements Store.
func (s *MongoStore) ListByDepartment(ctx context.Context, departmentID string) ([]Document, error) {
	oid, err := parseObjectID(departmentID)
	if err != nil {
		return nil, err
	}
	return s.findDocuments(ctx, bson.M{"department": oid}, newestFirst())
}

// ListByUploader implements Store.
func (s *MongoStore) ListByUploader(ctx context.Context, userID string) ([]Document, error) {
	oid, err := parseObjectID(userID)
	if err != nil {
		return nil, err
	}
	return s.findDocuments(ctx, bson.M{"uploadedBy": oid}, newestFirst())
}

// DeleteDocument implements Store.
func (s *MongoStore) DeleteDocument(ctx context.Context, id string) error {
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	var m mongoDocument
	if err := s.documents.FindOneAndDelete(ctx, bson.M{"_id": oid}).Decode(&m); err != nil {
		return notFound(err, "document", id)
	}
	if _, err := s.departments.UpdateByID(ctx, m.Department, bson.M{"$pull": bson.M{"documents": oid}}); err != nil {
		return fmt.Errorf("removing document from department: %w", err)
	}
	return nil
}

func newestFirst() *options.FindOptions {
	return options.Find().SetSort(bson.D{{Key: "uploadedAt", Value: -1}, {Key: "_id", Value: -1}})
}

func (s *MongoStore) findDocuments(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Document, error) {
	var findOpts []*options.FindOptions
	if opts != nil {
		findOpts = append(findOpts, opts)
	}
	cur, err := s.documents.Find(ctx, filter, findOpts...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	var ms []mongoDocument
	if err := cur.All(ctx, &ms); err != nil {
		return nil, fmt.Errorf("decoding documents: %w", err)
	}
	return s.populate(ctx, ms)
}

// populate resolves department names and uploader details with one $in
// lookup per referenced collection.
func (s *MongoStore) populate(ctx context.Context, ms []mongoDocument) ([]Document, error) {
	docs := make([]Document, len(ms))
	if len(ms) == 0 {
		return docs, nil
	}

	deptSet := make(map[primitive.ObjectID]struct{})
	userSet := make(map[primitive.ObjectID]struct{})
	for _, m := range ms {
		deptSet[m.Department] = struct{}{}
		userSet[m.UploadedBy] = struct{}{}
	}

	var depts []mongoDepartment
	if err := s.findAll(ctx, s.departments, keys(deptSet), &depts); err != nil {
		return nil, fmt.Errorf("populating departments: %w", err)
	}
	deptNames := make(map[primitive.ObjectID]string, len(depts))
	for _, d := range depts {
		deptNames[d.ID] = d.Name
	}

	var users []mongoUser
	if err := s.findAll(ctx, s.users, keys(userSet), &users); err != nil {
		return nil, fmt.Errorf("populating uploaders: %w", err)
	}
	uploaders := make(map[primitive.ObjectID]mongoUser, len(users))
	for _, u := range users {
		uploaders[u.ID] = u
	}

	for i, m := range ms {
		docs[i] = m.toDocument()
		docs[i].DepartmentName = deptNames[m.Department]
		if u, ok := uploaders[m.UploadedBy]; ok {
			docs[i].UploaderName = u.Name
			docs[i].UploaderEmail = u.Email
		}
	}
	return docs, nil
}

func (s *MongoStore) findAll(ctx context.Context, coll *mongo.Collection, ids []primitive.ObjectID, out any) error {
	cur, err := coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

func keys(set map[primitive.ObjectID]struct{}) []primitive.ObjectID {
	out := make([]primitive.ObjectID, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// ==================== Departments ====================

// CreateDepartment implements Store.
func (s *MongoStore) CreateDepartment(ctx context.Context, dept *Department) error {
	if dept == nil || dept.Name == "" {
		return errors.New("department name is required")
	}
	if dept.CreatedAt.IsZero() {
		dept.CreatedAt = s.now().UTC().Truncate(time.Millisecond)
	}
	res, err := s.departments.InsertOne(ctx, mongoDepartment{
		Name:        dept.Name,
		Description: dept.Description,
		Documents:   []primitive.ObjectID{},
		CreatedAt:   dept.CreatedAt,
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("department %q: %w", dept.Name, ErrConflict)
		}
		return fmt.Errorf("saving department: %w", err)
	}
	dept.ID = res.InsertedID.(primitive.ObjectID).Hex()
	dept.DocumentIDs = []string{}
	return nil
}

// GetDepartment implements Store.
func (s *MongoStore) GetDepartment(ctx context.Context, id string) (*Department, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}
	var m mongoDepartment
	if err := s.departments.FindOne(ctx, bson.M{"_id": oid}).Decode(&m); err != nil {
		return nil, notFound(err, "department", id)
	}
	dept := m.toDepartment()
	return &dept, nil
}

// ListDepartments implements Store. Departments are ordered by name.
func (s *MongoStore) ListDepartments(ctx context.Context) ([]Department, error) {
	cur, err := s.departments.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("querying departments: %w", err)
	}
	var ms []mongoDepartment
	if err := cur.All(ctx, &ms); err != nil {
		return nil, fmt.Errorf("decoding departments: %w", err)
	}
	depts := make([]Department, len(ms))
	for i, m := range ms {
		depts[i] = m.toDepartment()
	}
	return depts, nil
}

// ==================== Users ====================

// CreateUser implements Store.
func (s *MongoStore) CreateUser(ctx context.Context, user *User) error {
	if err := validateUser(user); err != nil {
		return err
	}
	applyUserDefaults(user, s.now())
	user.JoinedAt = user.JoinedAt.Truncate(time.Millisecond)

	m := mongoUser{
		Name:     user.Name,
		Email:    user.Email,
		Role:     string(user.Role),
		JoinedAt: user.JoinedAt,
	}
	if user.DepartmentID != "" {
		oid, err := parseObjectID(user.DepartmentID)
		if err != nil {
			return fmt.Errorf("department: %w", err)
		}
		if err := s.departments.FindOne(ctx, bson.M{"_id": oid}).Err(); err != nil {
			return notFound(err, "department", user.DepartmentID)
		}
		m.Department = &oid
	}

	res, err := s.users.InsertOne(ctx, m)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("user %q: %w", user.Email, ErrConflict)
		}
		return fmt.Errorf("saving user: %w", err)
	}
	oid := res.InsertedID.(primitive.ObjectID)
	user.ID = oid.Hex()

	if m.Department != nil {
		if _, err := s.departments.UpdateByID(ctx, *m.Department, bson.M{"$addToSet": bson.M{"employees": oid}}); err != nil {
			s.logger.Warn("failed to add user to department", zap.String("user_id", user.ID), zap.Error(err))
		}
	}
	return nil
}

// GetUser implements Store.
func (s *MongoStore) GetUser(ctx context.Context, id string) (*User, error) {
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}
	var m mongoUser
	if err := s.users.FindOne(ctx, bson.M{"_id": oid}).Decode(&m); err != nil {
		return nil, notFound(err, "user", id)
	}
	u := m.toUser()
	return &u, nil
}

// notFound maps mongo.ErrNoDocuments to ErrNotFound and wraps anything else.
func notFound(err error, kind, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("getting %s: %w", kind, err)
}
