package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/internal/mongotest"
)

func TestListFilter(t *testing.T) {
	filter, native := listFilter(ListOptions{
		ThreadID: "T1",
		Before:   "0009",
		Filter:   map[string]any{"source": "loop", "step": "3"},
	})
	assert.True(t, native)
	assert.Equal(t, "T1", filter["thread_id"])
	assert.Equal(t, "", filter["checkpoint_ns"])
	assert.Equal(t, bson.M{"$lt": "0009"}, filter["checkpoint_id"])
	assert.Equal(t, bson.M{"$in": []any{"loop"}}, filter["meta.source"])
	assert.Equal(t, bson.M{"$in": []any{"3", int64(3)}}, filter["meta.step"])
}

func TestListFilter_AllNamespacesAndNonScalar(t *testing.T) {
	filter, native := listFilter(ListOptions{
		AllNamespaces: true,
		Filter:        map[string]any{"writes": map[string]any{"a": 1}},
	})
	assert.False(t, native)
	assert.NotContains(t, filter, "checkpoint_ns")
	assert.NotContains(t, filter, "thread_id")
	assert.NotContains(t, filter, "meta.writes")
}

func TestMetaCandidates(t *testing.T) {
	c, ok := metaCandidates("1.5")
	assert.True(t, ok)
	assert.Equal(t, []any{"1.5", 1.5}, c)

	c, ok = metaCandidates("true")
	assert.True(t, ok)
	assert.Equal(t, []any{"true", true}, c)

	c, ok = metaCandidates(4)
	assert.True(t, ok)
	assert.Equal(t, []any{4}, c)
}

func TestMongoDocRecord(t *testing.T) {
	parent := "0001"
	doc := mongoCheckpointDoc{ThreadID: "T1", CheckpointID: "0002", ParentID: &parent, Type: "json"}
	rec := doc.record()
	assert.Equal(t, "0001", rec.ParentID)

	doc.ParentID = nil
	assert.Empty(t, doc.record().ParentID)
}

func newMongoSaver(t *testing.T) *MongoSaver {
	t.Helper()
	s := NewMongoSaver(mongotest.Database(t), WithMongoSerializer(testSerializer(t)), WithMongoLogger(zap.NewNop()))
	require.NoError(t, s.EnsureIndexes(context.Background()))
	return s
}

func TestMongoSaver(t *testing.T) {
	runSaverSuite(t, func(t *testing.T) Saver { return newMongoSaver(t) })
}

func TestMongoSaver_NativeMetaFilterMatchesNumbers(t *testing.T) {
	s := newMongoSaver(t)
	ctx := context.Background()

	for i, src := range []string{"input", "loop", "loop"} {
		_, err := s.Put(ctx, "T1", "", cp(fmt.Sprintf("%04d", i+1), nil), Metadata{"source": src, "step": i}, "")
		require.NoError(t, err)
	}

	// query strings are matched against numeric metadata too
	got, err := s.List(ctx, ListOptions{ThreadID: "T1", Filter: map[string]any{"step": "1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"0002"}, ids(got))

	got, err = s.List(ctx, ListOptions{ThreadID: "T1", Filter: map[string]any{"source": "loop"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"0003", "0002"}, ids(got))
}

func TestMongoSaver_EnsureIndexesIsRepeatable(t *testing.T) {
	s := newMongoSaver(t)
	assert.NoError(t, s.EnsureIndexes(context.Background()))
}
