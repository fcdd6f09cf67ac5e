package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase is the approval phase of a thread.
type Phase string

const (
	// PhaseNew means no approval is pending.
	PhaseNew Phase = "new"
	// PhaseAskPermission means a sensitive tool call waits for the user.
	PhaseAskPermission Phase = "ask_permission"
	// PhaseFinish is a terminal marker; the next turn treats it like PhaseNew.
	PhaseFinish Phase = "finish"
)

var (
	ErrInvalidThread  = errors.New("approval: thread_id is required")
	ErrInvalidPhase   = errors.New("approval: invalid phase")
	ErrMissingPending = errors.New("approval: ask_permission requires pending tool call ids")
)

// ParsePhase accepts the canonical names plus the legacy "ask permission".
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PhaseNew):
		return PhaseNew, nil
	case string(PhaseAskPermission), "ask permission", "ask-permission":
		return PhaseAskPermission, nil
	case string(PhaseFinish):
		return PhaseFinish, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPhase, s)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseNew, PhaseAskPermission, PhaseFinish:
		return true
	}
	return false
}

// Status is the approval record of one thread.
type Status struct {
	ThreadID           string    `json:"thread_id"`
	Phase              Phase     `json:"phase"`
	PendingToolCallIDs []string  `json:"pending_tool_call_ids"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Awaiting reports whether the thread waits for a yes/no reply.
func (s Status) Awaiting() bool {
	return s.Phase == PhaseAskPermission && len(s.PendingToolCallIDs) > 0
}

// Store persists one Status per thread.
type Store interface {
	// Get returns the thread's status. A missing record is created as
	// {new, []} so concurrent readers converge on the same default.
	Get(ctx context.Context, threadID string) (Status, error)

	// Set fully replaces the thread's status.
	Set(ctx context.Context, threadID string, phase Phase, pendingIDs []string) error
}

func defaultStatus(threadID string) Status {
	return Status{
		ThreadID:           threadID,
		Phase:              PhaseNew,
		PendingToolCallIDs: []string{},
		UpdatedAt:          time.Now().UTC(),
	}
}

// normalize validates a Set request and returns the pending ids as an ordered
// set without duplicates or empty entries.
func normalize(threadID string, phase Phase, ids []string) ([]string, error) {
	if threadID == "" {
		return nil, ErrInvalidThread
	}
	if !phase.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPhase, phase)
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	if phase == PhaseAskPermission && len(out) == 0 {
		return nil, ErrMissingPending
	}
	return out, nil
}
