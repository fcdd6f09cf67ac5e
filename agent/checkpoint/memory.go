package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/BaSui01/agentgate/agent/checkpoint/serde"
)

type scope struct {
	threadID  string
	namespace string
}

type writeKey struct {
	taskID string
	index  int
}

// MemorySaver keeps serialized checkpoints in process memory. It is meant for
// tests and single-process development; state is lost on restart.
type MemorySaver struct {
	mu      sync.RWMutex
	codec   codec
	records map[scope]map[string]record
	writes  map[Key]map[writeKey]writeRecord
}

// NewMemorySaver creates an empty in-memory saver. A nil serializer selects
// serde.Default().
func NewMemorySaver(s serde.Serializer) *MemorySaver {
	return &MemorySaver{
		codec:   newCodec(s),
		records: make(map[scope]map[string]record),
		writes:  make(map[Key]map[writeKey]writeRecord),
	}
}

var _ Saver = (*MemorySaver)(nil)

func (m *MemorySaver) GetLatest(ctx context.Context, threadID, namespace string) (*Tuple, error) {
	if threadID == "" {
		return nil, ErrInvalidKey
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[scope{threadID, namespace}]
	latest := ""
	for id := range recs {
		if id > latest {
			latest = id
		}
	}
	if latest == "" {
		return nil, nil
	}
	return m.tupleLocked(recs[latest])
}

func (m *MemorySaver) Get(ctx context.Context, key Key) (*Tuple, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[scope{key.ThreadID, key.Namespace}][key.CheckpointID]
	if !ok {
		return nil, nil
	}
	return m.tupleLocked(rec)
}

func (m *MemorySaver) Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata, parentID string) (Key, error) {
	if err := validatePut(threadID, cp); err != nil {
		return Key{}, err
	}
	rec, err := m.codec.encode(threadID, namespace, cp, md, parentID)
	if err != nil {
		return Key{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sc := scope{threadID, namespace}
	if m.records[sc] == nil {
		m.records[sc] = make(map[string]record)
	}
	m.records[sc][cp.ID] = rec
	return Key{ThreadID: threadID, Namespace: namespace, CheckpointID: cp.ID}, nil
}

func (m *MemorySaver) PutWrites(ctx context.Context, key Key, taskID string, writes []Write) error {
	if err := validateKey(key); err != nil {
		return err
	}
	recs, err := m.codec.encodeWrites(key, taskID, writes)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writes[key] == nil {
		m.writes[key] = make(map[writeKey]writeRecord)
	}
	for _, w := range recs {
		m.writes[key][writeKey{w.TaskID, w.Index}] = w
	}
	return nil
}

func (m *MemorySaver) List(ctx context.Context, opts ListOptions) ([]*Tuple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []record
	for sc, recs := range m.records {
		if !opts.matchesScope(sc.threadID, sc.namespace) {
			continue
		}
		for id, rec := range recs {
			if opts.Before != "" && id >= opts.Before {
				continue
			}
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CheckpointID > candidates[j].CheckpointID
	})

	var out []*Tuple
	for _, rec := range candidates {
		t, err := m.tupleLocked(rec)
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
	return out, nil
}

func (m *MemorySaver) Prune(ctx context.Context, threadID, namespace string) (int64, error) {
	if threadID == "" {
		return 0, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sc := scope{threadID, namespace}
	recs := m.records[sc]
	latest := ""
	for id := range recs {
		if id > latest {
			latest = id
		}
	}
	var removed int64
	for id := range recs {
		if id == latest {
			continue
		}
		delete(recs, id)
		delete(m.writes, Key{ThreadID: threadID, Namespace: namespace, CheckpointID: id})
		removed++
	}
	return removed, nil
}

func (m *MemorySaver) tupleLocked(rec record) (*Tuple, error) {
	key := Key{ThreadID: rec.ThreadID, Namespace: rec.Namespace, CheckpointID: rec.CheckpointID}
	staged := m.writes[key]
	writes := make([]writeRecord, 0, len(staged))
	for _, w := range staged {
		writes = append(writes, w)
	}
	return m.codec.tuple(rec, writes)
}
