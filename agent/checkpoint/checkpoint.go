package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Version is the checkpoint format version written by this package.
const Version = 1

// Common channel names stored in Checkpoint.ChannelValues.
const (
	ChannelMessages = "messages"
	ChannelNext     = "next"
)

// Errors returned by savers for malformed requests. Storage faults are
// reported as *types.Error with code STORAGE_FAILURE.
var (
	ErrInvalidKey      = errors.New("checkpoint: thread_id is required")
	ErrInvalidID       = errors.New("checkpoint: checkpoint_id is required")
	ErrSaverClosed     = errors.New("checkpoint: saver is closed")
	ErrInvalidMetadata = errors.New("checkpoint: metadata is not serializable")
)

// Key addresses one checkpoint.
type Key struct {
	ThreadID     string `json:"thread_id"`
	Namespace    string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id"`
}

// String renders the key for logs.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ThreadID, k.Namespace, k.CheckpointID)
}

// Checkpoint is an immutable snapshot of workflow state.
type Checkpoint struct {
	V             int            `json:"v"`
	ID            string         `json:"id"`
	TS            time.Time      `json:"ts"`
	ChannelValues map[string]any `json:"channel_values"`
}

// Metadata describes the step that produced a checkpoint.
// Well-known keys: "source" (input, loop, resume), "step", "writes".
type Metadata map[string]any

// Write is one (channel, value) pair staged by a task.
type Write struct {
	Channel string
	Value   any
}

// PendingWrite is a staged write read back together with its checkpoint.
type PendingWrite struct {
	TaskID  string
	Index   int
	Channel string
	Value   any
}

// Tuple is a checkpoint together with its address, parent and staged writes.
type Tuple struct {
	Key           Key
	Checkpoint    *Checkpoint
	Metadata      Metadata
	Parent        *Key
	PendingWrites []PendingWrite
}

// ParentID returns the parent checkpoint id or "".
func (t *Tuple) ParentID() string {
	if t == nil || t.Parent == nil {
		return ""
	}
	return t.Parent.CheckpointID
}

// WritesFor returns the pending writes staged by taskID ordered by index.
func (t *Tuple) WritesFor(taskID string) []PendingWrite {
	if t == nil {
		return nil
	}
	var out []PendingWrite
	for _, w := range t.PendingWrites {
		if w.TaskID == taskID {
			out = append(out, w)
		}
	}
	sortWrites(out)
	return out
}

// ListOptions selects checkpoints for List.
type ListOptions struct {
	// ThreadID restricts the listing to one thread. Empty lists all threads.
	ThreadID string
	// Namespace restricts the listing to one namespace unless AllNamespaces is set.
	Namespace     string
	AllNamespaces bool
	// Filter matches metadata keys for equality.
	Filter map[string]any
	// Before returns only checkpoints with an id strictly lower than Before.
	Before string
	// Limit caps the result size; zero means no limit.
	Limit int
}

// Saver is a durable checkpoint store.
type Saver interface {
	// GetLatest returns the newest checkpoint of (threadID, namespace), or nil.
	GetLatest(ctx context.Context, threadID, namespace string) (*Tuple, error)

	// Get returns the checkpoint addressed by key, or nil.
	Get(ctx context.Context, key Key) (*Tuple, error)

	// Put stores cp under (threadID, namespace, cp.ID) with parentID as its
	// parent. Putting the same key twice leaves a single record.
	Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata, parentID string) (Key, error)

	// PutWrites stages writes for the checkpoint at key, upserting per
	// (taskID, index).
	PutWrites(ctx context.Context, key Key, taskID string, writes []Write) error

	// List returns checkpoints newest first.
	List(ctx context.Context, opts ListOptions) ([]*Tuple, error)

	// Prune deletes every checkpoint of (threadID, namespace) except the newest,
	// along with their pending writes, and returns the number removed.
	Prune(ctx context.Context, threadID, namespace string) (int64, error)
}

// NewID returns a time-ordered checkpoint id. Ids sort lexicographically in
// creation order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// New builds a checkpoint with a fresh id and the given channel values.
func New(values map[string]any) *Checkpoint {
	if values == nil {
		values = make(map[string]any)
	}
	return &Checkpoint{
		V:             Version,
		ID:            NewID(),
		TS:            time.Now().UTC(),
		ChannelValues: values,
	}
}

func validatePut(threadID string, cp *Checkpoint) error {
	if threadID == "" {
		return ErrInvalidKey
	}
	if cp == nil || cp.ID == "" {
		return ErrInvalidID
	}
	return nil
}

func validateKey(key Key) error {
	if key.ThreadID == "" {
		return ErrInvalidKey
	}
	if key.CheckpointID == "" {
		return ErrInvalidID
	}
	return nil
}

// Matches reports whether md satisfies every filter entry. Numbers compare by
// value across Go numeric types and a string filter matches the printed form
// of a scalar, so query-string filters such as step=3 work.
func (md Metadata) Matches(filter map[string]any) bool {
	for k, want := range filter {
		got, ok := md[k]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	gf, gok := toFloat(got)
	wf, wok := toFloat(want)
	if gok && wok {
		return gf == wf
	}
	if ws, ok := want.(string); ok {
		switch g := got.(type) {
		case string:
			return g == ws
		case bool:
			return strconv.FormatBool(g) == ws
		}
		if gok {
			if parsed, err := strconv.ParseFloat(ws, 64); err == nil {
				return parsed == gf
			}
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func (o ListOptions) matchesScope(threadID, namespace string) bool {
	if o.ThreadID != "" && o.ThreadID != threadID {
		return false
	}
	if !o.AllNamespaces && o.Namespace != namespace {
		return false
	}
	return true
}
