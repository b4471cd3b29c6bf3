package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// MongoOptions configures a MongoStore.
type MongoOptions struct {
	URI              string
	Database         string
	Collection       string
	OperationTimeout time.Duration
}

// DefaultMongoOptions returns the options used when fields are left zero.
func DefaultMongoOptions() MongoOptions {
	return MongoOptions{
		URI:              "mongodb://localhost:27017",
		Database:         "noteshare",
		Collection:       "documents",
		OperationTimeout: 5 * time.Second,
	}
}

// MongoStore is the MongoDB-backed Store implementation. The share id is the
// collection's _id, so id uniqueness rides on the primary index.
type MongoStore struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	logger  *zap.Logger
	closed  bool
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, opts MongoOptions, logger *zap.Logger) (*MongoStore, error) {
	def := DefaultMongoOptions()
	if opts.URI == "" {
		opts.URI = def.URI
	}
	if opts.Database == "" {
		opts.Database = def.Database
	}
	if opts.Collection == "" {
		opts.Collection = def.Collection
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = def.OperationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, opts.OperationTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	s := &MongoStore{
		client:  client,
		coll:    client.Database(opts.Database).Collection(opts.Collection),
		timeout: opts.OperationTimeout,
		logger:  logger,
	}
	logger.Info("Document store connected",
		zap.String("database", opts.Database),
		zap.String("collection", opts.Collection))
	return s, nil
}

func (s *MongoStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Create inserts a new document.
func (s *MongoStore) Create(ctx context.Context, doc *Document) error {
	if s.closed {
		return ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrIDConflict
		}
		return &TransientError{Op: "create", Cause: err}
	}
	s.logger.Debug("Document created", zap.String("share_id", doc.ID))
	return nil
}

// Get returns a document by id.
func (s *MongoStore) Get(ctx context.Context, id string) (*Document, error) {
	if s.closed {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc Document
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Op: "get", Cause: err}
	}
	return &doc, nil
}

// List returns summaries matching the filter, newest first.
func (s *MongoStore) List(ctx context.Context, filter ListFilter) ([]Summary, error) {
	if s.closed {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := bson.M{}
	if filter.Source != "" {
		query["metadata.source"] = filter.Source
	}
	if filter.TitleContains != "" {
		query["title"] = bson.M{"$regex": primitive.Regex{
			Pattern: escapeRegex(filter.TitleContains),
			Options: "i",
		}}
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetProjection(bson.M{
			"_id":         1,
			"title":       1,
			"render_mode": 1,
			"created_at":  1,
			"updated_at":  1,
		})
	if filter.Offset > 0 {
		findOpts.SetSkip(filter.Offset)
	}
	if filter.Limit > 0 {
		findOpts.SetLimit(filter.Limit)
	}

	cursor, err := s.coll.Find(ctx, query, findOpts)
	if err != nil {
		return nil, &TransientError{Op: "list", Cause: err}
	}
	defer cursor.Close(ctx)

	summaries := make([]Summary, 0)
	if err := cursor.All(ctx, &summaries); err != nil {
		return nil, &TransientError{Op: "list", Cause: err}
	}
	return summaries, nil
}

// Update applies a partial patch and returns the updated document.
func (s *MongoStore) Update(ctx context.Context, id string, patch Patch) (*Document, error) {
	if s.closed {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC()}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.Markdown != nil {
		set["markdown"] = *patch.Markdown
	}
	if patch.HTML != nil {
		set["html"] = *patch.HTML
	}
	if patch.RenderMode != nil {
		set["render_mode"] = *patch.RenderMode
	}
	for key, val := range patch.Metadata {
		set["metadata."+key] = val
	}

	var doc Document
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Op: "update", Cause: err}
	}
	s.logger.Debug("Document updated", zap.String("share_id", id))
	return &doc, nil
}

// Delete removes a document.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	if s.closed {
		return ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return &TransientError{Op: "delete", Cause: err}
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	s.logger.Debug("Document deleted", zap.String("share_id", id))
	return nil
}

// LoadCRDT returns the stored CRDT snapshot, nil when none was saved yet.
func (s *MongoStore) LoadCRDT(ctx context.Context, id string) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var out struct {
		CRDTState []byte `bson:"crdt_state"`
	}
	err := s.coll.FindOne(ctx,
		bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"crdt_state": 1}),
	).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &TransientError{Op: "load_crdt", Cause: err}
	}
	return out.CRDTState, nil
}

// SaveCRDT stores a full CRDT snapshot. The newest writer wins; the snapshot
// is internally convergent so overwrites are safe.
func (s *MongoStore) SaveCRDT(ctx context.Context, id string, state []byte, updatedAt time.Time) error {
	if s.closed {
		return ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"crdt_state": state, "updated_at": updatedAt}},
	)
	if err != nil {
		return &TransientError{Op: "save_crdt", Cause: err}
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.client.Ping(ctx, nil); err != nil {
		return &TransientError{Op: "ping", Cause: err}
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	return nil
}

// escapeRegex neutralizes regex metacharacters in a user-supplied substring.
func escapeRegex(s string) string {
	special := `\.+*?()|[]{}^$`
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		for j := 0; j < len(special); j++ {
			if c == special[j] {
				out = append(out, '\\')
				break
			}
		}
		out = append(out, c)
	}
	return string(out)
}
