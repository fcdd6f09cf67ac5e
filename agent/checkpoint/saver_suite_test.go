package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentgate/agent/checkpoint/serde"
)

type testMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func testSerializer(t testing.TB) serde.Serializer {
	t.Helper()
	reg := serde.NewRegistry()
	require.NoError(t, reg.Register("test.messages", []testMessage{}))
	return serde.NewJSONPlus(reg)
}

func cp(id string, values map[string]any) *Checkpoint {
	c := New(values)
	c.ID = id
	return c
}

func ids(tuples []*Tuple) []string {
	out := make([]string, 0, len(tuples))
	for _, t := range tuples {
		out = append(out, t.Key.CheckpointID)
	}
	return out
}

// runSaverSuite exercises the Saver contract against any backend.
func runSaverSuite(t *testing.T, newSaver func(t *testing.T) Saver) {
	ctx := context.Background()

	t.Run("MissingLookupsReturnNil", func(t *testing.T) {
		s := newSaver(t)

		latest, err := s.GetLatest(ctx, "nobody", "")
		require.NoError(t, err)
		assert.Nil(t, latest)

		got, err := s.Get(ctx, Key{ThreadID: "nobody", CheckpointID: "x"})
		require.NoError(t, err)
		assert.Nil(t, got)

		list, err := s.List(ctx, ListOptions{ThreadID: "nobody"})
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("InvalidKeys", func(t *testing.T) {
		s := newSaver(t)

		_, err := s.Put(ctx, "", "", cp("1", nil), nil, "")
		assert.ErrorIs(t, err, ErrInvalidKey)
		_, err = s.Put(ctx, "t", "", &Checkpoint{}, nil, "")
		assert.ErrorIs(t, err, ErrInvalidID)
		_, err = s.Get(ctx, Key{ThreadID: "t"})
		assert.ErrorIs(t, err, ErrInvalidID)
		assert.ErrorIs(t, s.PutWrites(ctx, Key{CheckpointID: "1"}, "task", nil), ErrInvalidKey)
	})

	t.Run("HistoryOrderingAndParents", func(t *testing.T) {
		s := newSaver(t)

		_, err := s.Put(ctx, "T1", "", cp("0001", nil), Metadata{"source": "input", "step": 0}, "")
		require.NoError(t, err)
		_, err = s.Put(ctx, "T1", "", cp("0002", nil), Metadata{"source": "loop", "step": 1}, "0001")
		require.NoError(t, err)
		key, err := s.Put(ctx, "T1", "", cp("0003", nil), Metadata{"source": "loop", "step": 2}, "0002")
		require.NoError(t, err)
		assert.Equal(t, Key{ThreadID: "T1", CheckpointID: "0003"}, key)

		list, err := s.List(ctx, ListOptions{ThreadID: "T1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003", "0002", "0001"}, ids(list))

		latest, err := s.GetLatest(ctx, "T1", "")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, list[0].Key, latest.Key)
		assert.Equal(t, "0002", latest.ParentID())
		assert.Equal(t, "loop", latest.Metadata["source"])
		assert.Equal(t, 2, latest.Metadata["step"])

		first, err := s.Get(ctx, Key{ThreadID: "T1", CheckpointID: "0001"})
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Nil(t, first.Parent)
	})

	t.Run("IdempotentPut", func(t *testing.T) {
		s := newSaver(t)
		c := cp("0001", map[string]any{ChannelNext: "tools"})

		for range 2 {
			_, err := s.Put(ctx, "T1", "", c, Metadata{"step": 1}, "")
			require.NoError(t, err)
		}

		list, err := s.List(ctx, ListOptions{ThreadID: "T1"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "tools", list[0].Checkpoint.ChannelValues[ChannelNext])
	})

	t.Run("ChannelValuesRestorePrecisely", func(t *testing.T) {
		s := newSaver(t)
		ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
		msgs := []testMessage{{Role: "user", Content: "what's my balance"}}

		c := cp("0001", map[string]any{ChannelMessages: msgs, ChannelNext: ""})
		c.TS = ts
		_, err := s.Put(ctx, "T1", "", c, nil, "")
		require.NoError(t, err)

		got, err := s.GetLatest(ctx, "T1", "")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, Version, got.Checkpoint.V)
		assert.Equal(t, "0001", got.Checkpoint.ID)
		assert.True(t, ts.Equal(got.Checkpoint.TS))
		assert.Equal(t, msgs, got.Checkpoint.ChannelValues[ChannelMessages])
		assert.Equal(t, "", got.Checkpoint.ChannelValues[ChannelNext])
		assert.Empty(t, got.Metadata)
	})

	t.Run("PendingWritesUpsert", func(t *testing.T) {
		s := newSaver(t)
		key, err := s.Put(ctx, "T1", "", cp("0001", nil), nil, "")
		require.NoError(t, err)

		require.NoError(t, s.PutWrites(ctx, key, "tools:0001", []Write{
			{Channel: "tool", Value: "first"},
			{Channel: "tool", Value: "second"},
		}))
		require.NoError(t, s.PutWrites(ctx, key, "tools:0001", []Write{
			{Channel: "tool", Value: "first-retry"},
		}))
		require.NoError(t, s.PutWrites(ctx, key, "other", []Write{
			{Channel: "note", Value: 7},
		}))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Len(t, got.PendingWrites, 3)

		tools := got.WritesFor("tools:0001")
		require.Len(t, tools, 2)
		assert.Equal(t, 0, tools[0].Index)
		assert.Equal(t, "first-retry", tools[0].Value)
		assert.Equal(t, "second", tools[1].Value)

		other := got.WritesFor("other")
		require.Len(t, other, 1)
		assert.Equal(t, "note", other[0].Channel)
		assert.Equal(t, 7, other[0].Value)
	})

	t.Run("MetadataFilter", func(t *testing.T) {
		s := newSaver(t)
		for i, source := range []string{"input", "loop", "loop", "resume"} {
			id := fmt.Sprintf("%04d", i+1)
			_, err := s.Put(ctx, "T1", "", cp(id, nil), Metadata{"source": source, "step": i}, "")
			require.NoError(t, err)
		}

		loops, err := s.List(ctx, ListOptions{ThreadID: "T1", Filter: map[string]any{"source": "loop"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003", "0002"}, ids(loops))

		byStep, err := s.List(ctx, ListOptions{ThreadID: "T1", Filter: map[string]any{"step": "3"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"0004"}, ids(byStep))

		none, err := s.List(ctx, ListOptions{ThreadID: "T1", Filter: map[string]any{"source": "fork"}})
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("BeforeCursorAndLimit", func(t *testing.T) {
		s := newSaver(t)
		for i := 1; i <= 5; i++ {
			_, err := s.Put(ctx, "T1", "", cp(fmt.Sprintf("%04d", i), nil), nil, "")
			require.NoError(t, err)
		}

		page, err := s.List(ctx, ListOptions{ThreadID: "T1", Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"0005", "0004"}, ids(page))

		page, err = s.List(ctx, ListOptions{ThreadID: "T1", Limit: 2, Before: "0004"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003", "0002"}, ids(page))

		page, err = s.List(ctx, ListOptions{ThreadID: "T1", Before: "0002"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0001"}, ids(page))

		var walked []string
		for tup, err := range All(ctx, s, ListOptions{ThreadID: "T1"}, 2) {
			require.NoError(t, err)
			walked = append(walked, tup.Key.CheckpointID)
		}
		assert.Equal(t, []string{"0005", "0004", "0003", "0002", "0001"}, walked)
	})

	t.Run("NamespacesAndThreadsAreIsolated", func(t *testing.T) {
		s := newSaver(t)
		_, err := s.Put(ctx, "T1", "", cp("0001", nil), nil, "")
		require.NoError(t, err)
		_, err = s.Put(ctx, "T1", "sub", cp("0002", nil), nil, "")
		require.NoError(t, err)
		_, err = s.Put(ctx, "T2", "", cp("0003", nil), nil, "")
		require.NoError(t, err)

		latest, err := s.GetLatest(ctx, "T1", "")
		require.NoError(t, err)
		assert.Equal(t, "0001", latest.Key.CheckpointID)

		sub, err := s.GetLatest(ctx, "T1", "sub")
		require.NoError(t, err)
		assert.Equal(t, "sub", sub.Key.Namespace)

		all, err := s.List(ctx, ListOptions{ThreadID: "T1", AllNamespaces: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"0002", "0001"}, ids(all))

		rootOnly, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003", "0001"}, ids(rootOnly))

		everything, err := s.List(ctx, ListOptions{AllNamespaces: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003", "0002", "0001"}, ids(everything))
		assert.Equal(t, "T2", everything[0].Key.ThreadID)
	})

	t.Run("PruneKeepsLatest", func(t *testing.T) {
		s := newSaver(t)
		var last Key
		for i := 1; i <= 3; i++ {
			k, err := s.Put(ctx, "T1", "", cp(fmt.Sprintf("%04d", i), nil), nil, "")
			require.NoError(t, err)
			require.NoError(t, s.PutWrites(ctx, k, "task", []Write{{Channel: "c", Value: i}}))
			last = k
		}
		_, err := s.Put(ctx, "T2", "", cp("0009", nil), nil, "")
		require.NoError(t, err)

		removed, err := s.Prune(ctx, "T1", "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		list, err := s.List(ctx, ListOptions{ThreadID: "T1"})
		require.NoError(t, err)
		assert.Equal(t, []string{last.CheckpointID}, ids(list))
		assert.Len(t, list[0].PendingWrites, 1)

		gone, err := s.Get(ctx, Key{ThreadID: "T1", CheckpointID: "0001"})
		require.NoError(t, err)
		assert.Nil(t, gone)

		other, err := s.GetLatest(ctx, "T2", "")
		require.NoError(t, err)
		assert.NotNil(t, other)

		removed, err = s.Prune(ctx, "empty", "")
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("Retention", func(t *testing.T) {
		s := WithRetention(newSaver(t), nil)
		for i := 1; i <= 3; i++ {
			_, err := s.Put(ctx, "T1", "", cp(fmt.Sprintf("%04d", i), nil), nil, "")
			require.NoError(t, err)
		}
		list, err := s.List(ctx, ListOptions{ThreadID: "T1"})
		require.NoError(t, err)
		assert.Equal(t, []string{"0003"}, ids(list))
	})
}
