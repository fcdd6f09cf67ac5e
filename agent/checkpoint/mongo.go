package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/checkpoint/serde"
	"github.com/BaSui01/agentgate/types"
)

// Default collection names.
const (
	DefaultMongoCollection       = "checkpoints"
	DefaultMongoWritesCollection = "checkpoint_writes"
)

type mongoCheckpointDoc struct {
	ThreadID     string         `bson:"thread_id"`
	Namespace    string         `bson:"checkpoint_ns"`
	CheckpointID string         `bson:"checkpoint_id"`
	ParentID     *string        `bson:"parent_checkpoint_id"`
	Type         string         `bson:"type"`
	Checkpoint   []byte         `bson:"checkpoint"`
	Metadata     []byte         `bson:"metadata"`
	Meta         map[string]any `bson:"meta,omitempty"`
}

type mongoWriteDoc struct {
	ThreadID     string `bson:"thread_id"`
	Namespace    string `bson:"checkpoint_ns"`
	CheckpointID string `bson:"checkpoint_id"`
	TaskID       string `bson:"task_id"`
	Index        int    `bson:"idx"`
	Channel      string `bson:"channel"`
	Type         string `bson:"type"`
	Value        []byte `bson:"value"`
}

// MongoSaver stores checkpoints in two MongoDB collections, one document per
// checkpoint and one per pending write. Scalar metadata entries are also
// projected into a "meta" sub-document so list filters run in the database.
type MongoSaver struct {
	checkpoints *mongo.Collection
	writes      *mongo.Collection
	codec       codec
	logger      *zap.Logger
}

// MongoOption configures a MongoSaver.
type MongoOption func(*mongoOptions)

type mongoOptions struct {
	collection       string
	writesCollection string
	serializer       serde.Serializer
	logger           *zap.Logger
}

// WithMongoCollections overrides the collection names.
func WithMongoCollections(checkpoints, writes string) MongoOption {
	return func(o *mongoOptions) {
		if checkpoints != "" {
			o.collection = checkpoints
		}
		if writes != "" {
			o.writesCollection = writes
		}
	}
}

// WithMongoSerializer sets the serializer.
func WithMongoSerializer(s serde.Serializer) MongoOption {
	return func(o *mongoOptions) { o.serializer = s }
}

// WithMongoLogger sets the logger.
func WithMongoLogger(logger *zap.Logger) MongoOption {
	return func(o *mongoOptions) { o.logger = logger }
}

// NewMongoSaver creates a MongoDB-backed saver. The caller owns the client.
func NewMongoSaver(db *mongo.Database, opts ...MongoOption) *MongoSaver {
	o := mongoOptions{
		collection:       DefaultMongoCollection,
		writesCollection: DefaultMongoWritesCollection,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &MongoSaver{
		checkpoints: db.Collection(o.collection),
		writes:      db.Collection(o.writesCollection),
		codec:       newCodec(o.serializer),
		logger:      o.logger.With(zap.String("component", "checkpoint_mongo")),
	}
}

var _ Saver = (*MongoSaver)(nil)

// EnsureIndexes creates the unique key indexes both collections rely on.
func (s *MongoSaver) EnsureIndexes(ctx context.Context) error {
	_, err := s.checkpoints.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "checkpoint_ns", Value: 1},
				{Key: "checkpoint_id", Value: -1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "checkpoint_id", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("checkpoint/mongo: create checkpoint indexes: %w", err)
	}
	_, err = s.writes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "thread_id", Value: 1},
				{Key: "checkpoint_ns", Value: 1},
				{Key: "checkpoint_id", Value: 1},
				{Key: "task_id", Value: 1},
				{Key: "idx", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return fmt.Errorf("checkpoint/mongo: create write indexes: %w", err)
	}
	return nil
}

func (s *MongoSaver) GetLatest(ctx context.Context, threadID, namespace string) (*Tuple, error) {
	if threadID == "" {
		return nil, ErrInvalidKey
	}
	var doc mongoCheckpointDoc
	err := s.checkpoints.FindOne(ctx,
		bson.M{"thread_id": threadID, "checkpoint_ns": namespace},
		options.FindOne().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, types.NewStorageError("checkpoint/mongo: get latest", err)
	}
	return s.toTuple(ctx, doc)
}

func (s *MongoSaver) Get(ctx context.Context, key Key) (*Tuple, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var doc mongoCheckpointDoc
	err := s.checkpoints.FindOne(ctx, keyFilter(key)).Decode(&doc)
	if err != nil {
		if isNoDocuments(err) {
			return nil, nil
		}
		return nil, types.NewStorageError("checkpoint/mongo: get", err)
	}
	return s.toTuple(ctx, doc)
}

func (s *MongoSaver) Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata, parentID string) (Key, error) {
	if err := validatePut(threadID, cp); err != nil {
		return Key{}, err
	}
	rec, err := s.codec.encode(threadID, namespace, cp, md, parentID)
	if err != nil {
		return Key{}, err
	}
	key := Key{ThreadID: threadID, Namespace: namespace, CheckpointID: cp.ID}

	var parent any
	if parentID != "" {
		parent = parentID
	}
	// 单文档 upsert 在 MongoDB 中是原子的
	_, err = s.checkpoints.UpdateOne(ctx, keyFilter(key),
		bson.M{"$set": bson.M{
			"parent_checkpoint_id": parent,
			"type":                 rec.Type,
			"checkpoint":           rec.Checkpoint,
			"metadata":             rec.Metadata,
			"meta":                 scalarMetadata(md),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return Key{}, types.NewStorageError("checkpoint/mongo: put", err)
	}
	return key, nil
}

// PutWrites upserts every write in one unordered bulk request. Each document
// is written atomically; a failed bulk may leave a subset staged, which the
// next retry overwrites under the same (task_id, idx).
func (s *MongoSaver) PutWrites(ctx context.Context, key Key, taskID string, writes []Write) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	recs, err := s.codec.encodeWrites(key, taskID, writes)
	if err != nil {
		return err
	}
	models := make([]mongo.WriteModel, 0, len(recs))
	for _, w := range recs {
		filter := keyFilter(key)
		filter["task_id"] = w.TaskID
		filter["idx"] = w.Index
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(filter).
			SetUpdate(bson.M{"$set": bson.M{
				"channel": w.Channel,
				"type":    w.Type,
				"value":   w.Value,
			}}).
			SetUpsert(true))
	}
	if _, err := s.writes.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return types.NewStorageError("checkpoint/mongo: put writes", err)
	}
	return nil
}

func (s *MongoSaver) List(ctx context.Context, opts ListOptions) ([]*Tuple, error) {
	filter, native := listFilter(opts)
	findOpts := options.Find().SetSort(bson.D{{Key: "checkpoint_id", Value: -1}})
	if native && opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.checkpoints.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, types.NewStorageError("checkpoint/mongo: list", err)
	}
	defer cursor.Close(ctx)

	var out []*Tuple
	for cursor.Next(ctx) {
		var doc mongoCheckpointDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, types.NewStorageError("checkpoint/mongo: decode", err)
		}
		t, err := s.toTuple(ctx, doc)
		if err != nil {
			return nil, err
		}
		if !t.Metadata.Matches(opts.Filter) {
			continue
		}
		out = append(out, t)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, types.NewStorageError("checkpoint/mongo: list", err)
	}
	return out, nil
}

func (s *MongoSaver) Prune(ctx context.Context, threadID, namespace string) (int64, error) {
	latest, err := s.GetLatest(ctx, threadID, namespace)
	if err != nil || latest == nil {
		return 0, err
	}
	stale := bson.M{
		"thread_id":     threadID,
		"checkpoint_ns": namespace,
		"checkpoint_id": bson.M{"$ne": latest.Key.CheckpointID},
	}
	res, err := s.checkpoints.DeleteMany(ctx, stale)
	if err != nil {
		return 0, types.NewStorageError("checkpoint/mongo: prune", err)
	}
	if _, err := s.writes.DeleteMany(ctx, stale); err != nil {
		return res.DeletedCount, types.NewStorageError("checkpoint/mongo: prune writes", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoSaver) toTuple(ctx context.Context, doc mongoCheckpointDoc) (*Tuple, error) {
	key := Key{ThreadID: doc.ThreadID, Namespace: doc.Namespace, CheckpointID: doc.CheckpointID}
	cursor, err := s.writes.Find(ctx, keyFilter(key),
		options.Find().SetSort(bson.D{{Key: "task_id", Value: 1}, {Key: "idx", Value: 1}}))
	if err != nil {
		return nil, types.NewStorageError("checkpoint/mongo: load writes", err)
	}
	var docs []mongoWriteDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, types.NewStorageError("checkpoint/mongo: load writes", err)
	}
	writes := make([]writeRecord, 0, len(docs))
	for _, w := range docs {
		writes = append(writes, writeRecord(w))
	}
	return s.codec.tuple(doc.record(), writes)
}

func (d mongoCheckpointDoc) record() record {
	rec := record{
		ThreadID:     d.ThreadID,
		Namespace:    d.Namespace,
		CheckpointID: d.CheckpointID,
		Type:         d.Type,
		Checkpoint:   d.Checkpoint,
		Metadata:     d.Metadata,
	}
	if d.ParentID != nil {
		rec.ParentID = *d.ParentID
	}
	return rec
}

func keyFilter(k Key) bson.M {
	return bson.M{
		"thread_id":     k.ThreadID,
		"checkpoint_ns": k.Namespace,
		"checkpoint_id": k.CheckpointID,
	}
}

// listFilter translates opts into a query. native reports whether the query
// expresses the whole metadata filter, so the database may apply the limit.
func listFilter(opts ListOptions) (bson.M, bool) {
	filter := bson.M{}
	if opts.ThreadID != "" {
		filter["thread_id"] = opts.ThreadID
	}
	if !opts.AllNamespaces {
		filter["checkpoint_ns"] = opts.Namespace
	}
	if opts.Before != "" {
		filter["checkpoint_id"] = bson.M{"$lt": opts.Before}
	}
	native := true
	for k, v := range opts.Filter {
		candidates, ok := metaCandidates(v)
		if !ok {
			native = false
			continue
		}
		filter["meta."+k] = bson.M{"$in": candidates}
	}
	return filter, native
}

// metaCandidates lists the stored forms a filter value may match. Strings
// from query parameters also match the numbers or booleans they spell.
func metaCandidates(v any) ([]any, bool) {
	switch val := v.(type) {
	case string:
		out := []any{val}
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			out = append(out, n)
		} else if f, err := strconv.ParseFloat(val, 64); err == nil {
			out = append(out, f)
		}
		if val == "true" || val == "false" {
			out = append(out, val == "true")
		}
		return out, true
	case bool, int, int32, int64, float32, float64:
		return []any{val}, true
	}
	return nil, false
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
