package approval

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/BaSui01/agentgate/types"
)

// DefaultMongoCollection is the default status collection name.
const DefaultMongoCollection = "approval_status"

type mongoStatusDoc struct {
	ThreadID           string    `bson:"thread_id"`
	Phase              string    `bson:"phase"`
	PendingToolCallIDs []string  `bson:"pending_tool_call_ids"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

// MongoStore keeps one document per thread.
type MongoStore struct {
	col *mongo.Collection
}

// NewMongoStore creates a MongoDB-backed store.
func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoStore{col: db.Collection(collection)}
}

var _ Store = (*MongoStore)(nil)

// EnsureIndexes creates the unique thread_id index.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("approval/mongo: create index: %w", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, threadID string) (Status, error) {
	if threadID == "" {
		return Status{}, ErrInvalidThread
	}
	def := defaultStatus(threadID)
	var doc mongoStatusDoc
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"thread_id": threadID},
		bson.M{"$setOnInsert": bson.M{
			"phase":                 string(def.Phase),
			"pending_tool_call_ids": def.PendingToolCallIDs,
			"updated_at":            def.UpdatedAt,
		}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return Status{}, types.NewStorageError("approval/mongo: get", err)
	}
	return doc.status()
}

func (s *MongoStore) Set(ctx context.Context, threadID string, phase Phase, pendingIDs []string) error {
	ids, err := normalize(threadID, phase, pendingIDs)
	if err != nil {
		return err
	}
	_, err = s.col.UpdateOne(ctx,
		bson.M{"thread_id": threadID},
		bson.M{"$set": bson.M{
			"phase":                 string(phase),
			"pending_tool_call_ids": ids,
			"updated_at":            time.Now().UTC(),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return types.NewStorageError("approval/mongo: set", err)
	}
	return nil
}

func (d mongoStatusDoc) status() (Status, error) {
	phase, err := ParsePhase(d.Phase)
	if err != nil {
		return Status{}, err
	}
	ids := d.PendingToolCallIDs
	if ids == nil {
		ids = []string{}
	}
	return Status{
		ThreadID:           d.ThreadID,
		Phase:              phase,
		PendingToolCallIDs: ids,
		UpdatedAt:          d.UpdatedAt,
	}, nil
}
