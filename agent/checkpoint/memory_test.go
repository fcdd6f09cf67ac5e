package checkpoint

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySaver(t *testing.T) {
	runSaverSuite(t, func(t *testing.T) Saver {
		return NewMemorySaver(testSerializer(t))
	})
}

func TestMemorySaver_ConcurrentThreads(t *testing.T) {
	s := NewMemorySaver(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			thread := string(rune('a' + n))
			parent := ""
			for range 10 {
				k, err := s.Put(ctx, thread, "", New(nil), Metadata{"source": "loop"}, parent)
				assert.NoError(t, err)
				parent = k.CheckpointID
			}
		}(i)
	}
	wg.Wait()

	all, err := s.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 160)

	for _, thread := range []string{"a", "p"} {
		latest, err := s.GetLatest(ctx, thread, "")
		require.NoError(t, err)
		list, err := s.List(ctx, ListOptions{ThreadID: thread})
		require.NoError(t, err)
		require.Len(t, list, 10)
		assert.Equal(t, latest.Key, list[0].Key)
		assert.Equal(t, list[1].Key.CheckpointID, latest.ParentID())
	}
}
