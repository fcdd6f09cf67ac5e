package checkpoint

import (
	"fmt"
	"sort"
	"time"

	"github.com/BaSui01/agentgate/agent/checkpoint/serde"
)

// record is the storage-neutral form of a checkpoint row.
type record struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id"`
	ParentID     string `json:"parent_checkpoint_id,omitempty"`
	Type         string `json:"type"`
	Checkpoint   []byte `json:"checkpoint"`
	Metadata     []byte `json:"metadata"`
}

// writeRecord is the storage-neutral form of a pending write row.
type writeRecord struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id"`
	TaskID       string `json:"task_id"`
	Index        int    `json:"idx"`
	Channel      string `json:"channel"`
	Type         string `json:"type"`
	Value        []byte `json:"value"`
}

type codec struct {
	serde serde.Serializer
}

func newCodec(s serde.Serializer) codec {
	if s == nil {
		s = serde.Default()
	}
	return codec{serde: s}
}

func (c codec) encode(threadID, namespace string, cp *Checkpoint, md Metadata, parentID string) (record, error) {
	typ, data, err := c.serde.DumpsTyped(map[string]any{
		"v":              cp.V,
		"id":             cp.ID,
		"ts":             cp.TS.UTC(),
		"channel_values": cloneValues(cp.ChannelValues),
	})
	if err != nil {
		return record{}, fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	meta, err := c.encodeMetadata(md)
	if err != nil {
		return record{}, err
	}
	return record{
		ThreadID:     threadID,
		Namespace:    namespace,
		CheckpointID: cp.ID,
		ParentID:     parentID,
		Type:         typ,
		Checkpoint:   data,
		Metadata:     meta,
	}, nil
}

func (c codec) encodeMetadata(md Metadata) ([]byte, error) {
	if md == nil {
		md = Metadata{}
	}
	typ, data, err := c.serde.DumpsTyped(map[string]any(md))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if typ != serde.TypeJSON {
		return nil, fmt.Errorf("%w: unexpected tag %q", ErrInvalidMetadata, typ)
	}
	return data, nil
}

func (c codec) decodeMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 {
		return Metadata{}, nil
	}
	v, err := c.serde.LoadsTyped(serde.TypeJSON, data)
	if err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode metadata: got %T", v)
	}
	return Metadata(m), nil
}

func (c codec) decodeCheckpoint(typ string, data []byte) (*Checkpoint, error) {
	v, err := c.serde.LoadsTyped(typ, data)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode checkpoint: got %T", v)
	}
	cp := &Checkpoint{ChannelValues: map[string]any{}}
	if ver, ok := m["v"].(int); ok {
		cp.V = ver
	}
	cp.ID, _ = m["id"].(string)
	if ts, ok := m["ts"].(time.Time); ok {
		cp.TS = ts
	}
	if values, ok := m["channel_values"].(map[string]any); ok {
		cp.ChannelValues = values
	}
	return cp, nil
}

func (c codec) encodeWrites(key Key, taskID string, writes []Write) ([]writeRecord, error) {
	out := make([]writeRecord, 0, len(writes))
	for idx, w := range writes {
		typ, data, err := c.serde.DumpsTyped(w.Value)
		if err != nil {
			return nil, fmt.Errorf("encode write %s[%d]: %w", taskID, idx, err)
		}
		out = append(out, writeRecord{
			ThreadID:     key.ThreadID,
			Namespace:    key.Namespace,
			CheckpointID: key.CheckpointID,
			TaskID:       taskID,
			Index:        idx,
			Channel:      w.Channel,
			Type:         typ,
			Value:        data,
		})
	}
	return out, nil
}

func (c codec) tuple(rec record, writes []writeRecord) (*Tuple, error) {
	cp, err := c.decodeCheckpoint(rec.Type, rec.Checkpoint)
	if err != nil {
		return nil, err
	}
	md, err := c.decodeMetadata(rec.Metadata)
	if err != nil {
		return nil, err
	}
	t := &Tuple{
		Key: Key{
			ThreadID:     rec.ThreadID,
			Namespace:    rec.Namespace,
			CheckpointID: rec.CheckpointID,
		},
		Checkpoint: cp,
		Metadata:   md,
	}
	if rec.ParentID != "" {
		t.Parent = &Key{
			ThreadID:     rec.ThreadID,
			Namespace:    rec.Namespace,
			CheckpointID: rec.ParentID,
		}
	}
	for _, w := range writes {
		v, err := c.serde.LoadsTyped(w.Type, w.Value)
		if err != nil {
			return nil, fmt.Errorf("decode write %s[%d]: %w", w.TaskID, w.Index, err)
		}
		t.PendingWrites = append(t.PendingWrites, PendingWrite{
			TaskID:  w.TaskID,
			Index:   w.Index,
			Channel: w.Channel,
			Value:   v,
		})
	}
	sortWrites(t.PendingWrites)
	return t, nil
}

func sortWrites(ws []PendingWrite) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].TaskID != ws[j].TaskID {
			return ws[i].TaskID < ws[j].TaskID
		}
		return ws[i].Index < ws[j].Index
	})
}

// scalarMetadata keeps the metadata entries a database can filter on natively.
func scalarMetadata(md Metadata) map[string]any {
	out := make(map[string]any, len(md))
	for k, v := range md {
		switch v.(type) {
		case string, bool, int, int32, int64, float32, float64:
			out[k] = v
		}
	}
	return out
}

func cloneValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
