package executor

import (
	"strings"

	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/agent/checkpoint/serde"
	"github.com/BaSui01/agentgate/types"
)

// NextTools marks a checkpoint paused before its tool calls ran.
const NextTools = "tools"

// Channel for staged tool results.
const channelTool = "tool"

// Metadata sources.
const (
	SourceInput  = "input"
	SourceLoop   = "loop"
	SourceResume = "resume"
)

func init() {
	serde.Register("agentgate.messages", []types.Message{})
	serde.Register("agentgate.message", types.Message{})
}

// toolTaskID names the pending-write task that holds the tool results of the
// step checkpointed as checkpointID.
func toolTaskID(checkpointID string) string {
	return "tools:" + checkpointID
}

// messagesOf returns a copy of the checkpoint's message history.
func messagesOf(t *checkpoint.Tuple) []types.Message {
	if t == nil || t.Checkpoint == nil {
		return nil
	}
	msgs, _ := t.Checkpoint.ChannelValues[checkpoint.ChannelMessages].([]types.Message)
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out
}

func nextOf(t *checkpoint.Tuple) string {
	if t == nil || t.Checkpoint == nil {
		return ""
	}
	next, _ := t.Checkpoint.ChannelValues[checkpoint.ChannelNext].(string)
	return next
}

func stepOf(t *checkpoint.Tuple) int {
	if t == nil {
		return -1
	}
	switch v := t.Metadata["step"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return -1
}

// unresolvedCalls returns the tool calls of the last message when the
// checkpoint is paused before running them.
func unresolvedCalls(t *checkpoint.Tuple) []types.ToolCall {
	if nextOf(t) != NextTools {
		return nil
	}
	msgs := messagesOf(t)
	if len(msgs) == 0 {
		return nil
	}
	last := msgs[len(msgs)-1]
	if last.Role != types.RoleAssistant {
		return nil
	}
	return last.ToolCalls
}

// retriesInput reports whether text repeats the input of the turn that
// wrote t. Checkpoints without an "input" entry fall back to the newest user
// message of a step opened by user input.
func retriesInput(t *checkpoint.Tuple, text string) bool {
	if t == nil {
		return false
	}
	text = strings.TrimSpace(text)
	if in, ok := t.Metadata["input"].(string); ok && in != "" {
		return strings.TrimSpace(in) == text
	}
	if src, _ := t.Metadata["source"].(string); src != SourceInput {
		return false
	}
	msgs := messagesOf(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == types.RoleUser {
			return strings.TrimSpace(msgs[i].Content) == text
		}
	}
	return false
}

// stagedResults indexes the tool results staged on t by tool call id.
func stagedResults(t *checkpoint.Tuple) map[string]types.Message {
	out := make(map[string]types.Message)
	if t == nil {
		return out
	}
	for _, w := range t.WritesFor(toolTaskID(t.Key.CheckpointID)) {
		if msg, ok := w.Value.(types.Message); ok && w.Channel == channelTool {
			out[msg.ToolCallID] = msg
		}
	}
	return out
}

func callIDs(calls []types.ToolCall) []string {
	ids := make([]string, 0, len(calls))
	for _, c := range calls {
		ids = append(ids, c.ID)
	}
	return ids
}

func sameIDs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// History returns the message history stored in a checkpoint.
func History(t *checkpoint.Tuple) []types.Message {
	return messagesOf(t)
}

// Next returns the checkpoint's next marker, NextTools or "".
func Next(t *checkpoint.Tuple) string {
	return nextOf(t)
}
