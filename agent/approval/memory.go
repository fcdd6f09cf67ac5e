package approval

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps statuses in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	statuses map[string]Status
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]Status)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, threadID string) (Status, error) {
	if threadID == "" {
		return Status{}, ErrInvalidThread
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.statuses[threadID]
	if !ok {
		st = defaultStatus(threadID)
		m.statuses[threadID] = st
	}
	return clone(st), nil
}

func (m *MemoryStore) Set(_ context.Context, threadID string, phase Phase, pendingIDs []string) error {
	ids, err := normalize(threadID, phase, pendingIDs)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statuses[threadID] = Status{
		ThreadID:           threadID,
		Phase:              phase,
		PendingToolCallIDs: ids,
		UpdatedAt:          time.Now().UTC(),
	}
	return nil
}

func clone(st Status) Status {
	st.PendingToolCallIDs = append([]string{}, st.PendingToolCallIDs...)
	return st
}
