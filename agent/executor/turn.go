package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/agent/router"
	"github.com/BaSui01/agentgate/types"
)

// turn holds the working state of one HandleTurn call.
type turn struct {
	m        *Machine
	threadID string
	role     router.Role
	logger   *zap.Logger
	// input is the user text of this HandleTurn call, recorded on every
	// checkpoint it writes.
	input string

	// latest is the newest committed checkpoint; tool results are staged on it.
	latest   *checkpoint.Tuple
	parentID string
	step     int
	msgs     []types.Message
	// committed is len(msgs) at the last checkpoint.
	committed int

	steps      int
	written    []string
	reply      string
	paused     []types.ToolCall
	pausedTool string
}

func (m *Machine) newTurn(threadID string, role router.Role, latest *checkpoint.Tuple, logger *zap.Logger) *turn {
	t := &turn{
		m:        m,
		threadID: threadID,
		role:     role,
		logger:   logger,
		latest:   latest,
		msgs:     messagesOf(latest),
		step:     stepOf(latest) + 1,
	}
	if latest != nil {
		t.parentID = latest.Key.CheckpointID
	}
	t.committed = len(t.msgs)
	return t
}

// start handles a message on a thread that is not awaiting approval.
func (t *turn) start(ctx context.Context, text string) error {
	// 上一轮的工具步骤未折叠进检查点（崩溃、失败或状态漂移），先补齐工具结果
	calls := unresolvedCalls(t.latest)
	if len(calls) > 0 {
		t.logger.Info("completing interrupted tool step",
			zap.String("checkpoint_id", t.parentID),
			zap.Strings("tool_call_ids", callIDs(calls)))
		results, err := t.runTools(ctx, calls, false)
		if err != nil {
			return err
		}
		t.msgs = append(t.msgs, results...)
	}

	// 同一输入重试一个中途失败的回合：从中断处继续，不再重复追加用户消息
	if len(calls) > 0 && retriesInput(t.latest, text) {
		t.logger.Info("resuming failed turn", zap.String("checkpoint_id", t.parentID))
		return t.loop(ctx, SourceLoop)
	}
	t.msgs = append(t.msgs, types.NewUserMessage(text))
	return t.loop(ctx, SourceInput)
}

// approve runs the paused calls and continues the loop.
func (t *turn) approve(ctx context.Context, calls []types.ToolCall) error {
	results, err := t.runTools(ctx, calls, true)
	if err != nil {
		return err
	}
	t.msgs = append(t.msgs, results...)
	return t.loop(ctx, SourceResume)
}

// deny answers every paused call with DenialMessage, keeps results already
// staged by an earlier approval attempt, then feeds the user's reply back.
func (t *turn) deny(ctx context.Context, calls []types.ToolCall, reply string) error {
	staged := stagedResults(t.latest)
	for _, c := range calls {
		if msg, ok := staged[c.ID]; ok {
			t.msgs = append(t.msgs, msg)
			continue
		}
		t.msgs = append(t.msgs, types.NewToolMessage(c.ID, c.Name, DenialMessage))
	}
	if r := strings.TrimSpace(reply); r != "" {
		t.msgs = append(t.msgs, types.NewUserMessage(r))
	}
	return t.loop(ctx, SourceResume)
}

// loop runs agent steps until a final answer or a sensitive pause.
func (t *turn) loop(ctx context.Context, source string) error {
	for {
		if t.steps >= t.m.cfg.MaxSteps {
			return types.NewAgentError(fmt.Sprintf("agent exceeded %d steps in one turn", t.m.cfg.MaxSteps), nil)
		}
		msg, err := t.agentStep(ctx)
		if err != nil {
			return err
		}
		t.steps++
		t.msgs = append(t.msgs, msg)

		if !msg.HasToolCalls() {
			if err := t.commit(ctx, source, ""); err != nil {
				return err
			}
			t.reply = msg.Content
			return nil
		}

		sensitive, err := t.m.firstSensitive(msg.ToolCalls, t.role)
		if err != nil {
			return err
		}
		if err := t.commit(ctx, source, NextTools); err != nil {
			return err
		}
		if sensitive != nil {
			t.paused = msg.ToolCalls
			t.pausedTool = sensitive.Name
			t.reply = ApprovalPrompt + sensitive.Name
			t.logger.Info("awaiting approval",
				zap.String("tool", sensitive.Name),
				zap.String("checkpoint_id", t.parentID),
				zap.Strings("tool_call_ids", callIDs(msg.ToolCalls)))
			return nil
		}

		results, err := t.runTools(ctx, msg.ToolCalls, true)
		if err != nil {
			return err
		}
		t.msgs = append(t.msgs, results...)
		source = SourceLoop
	}
}

// agentStep calls the stepper, re-prompting on empty output up to
// MaxEmptyRetries times. Nudges are not part of the persisted history.
func (t *turn) agentStep(ctx context.Context) (types.Message, error) {
	history := t.msgs[:len(t.msgs):len(t.msgs)]
	tools := t.m.router.Schemas(t.role)

	for attempt := 0; ; attempt++ {
		msg, err := t.callStepper(ctx, history, tools)
		if err != nil {
			return types.Message{}, types.NewAgentError("agent step failed", err)
		}
		if msg.HasToolCalls() || strings.TrimSpace(msg.Content) != "" {
			return msg, nil
		}
		if attempt >= t.m.cfg.MaxEmptyRetries {
			return types.Message{}, types.NewAgentError(
				fmt.Sprintf("agent returned empty output %d times", attempt+1), nil)
		}
		t.logger.Debug("empty agent response, re-prompting", zap.Int("attempt", attempt+1))
		history = append(history, types.NewUserMessage(EmptyResponseNudge))
	}
}

func (t *turn) callStepper(ctx context.Context, history []types.Message, tools []types.ToolSchema) (types.Message, error) {
	ctx, span := t.m.tracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.Int("history.messages", len(history)),
		attribute.Int("tools", len(tools)),
	))
	defer span.End()

	start := time.Now()
	msg, err := t.m.stepper.Step(ctx, history, tools)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case msg.HasToolCalls():
		outcome = "tool_calls"
	case strings.TrimSpace(msg.Content) == "":
		outcome = "empty"
	}
	t.m.recorder.RecordAgentStep(outcome, time.Since(start))
	return msg, err
}

// runTools executes calls in order and stages each result on the latest
// checkpoint before the next call runs. Results already staged are reused.
// When approved is false, sensitive calls are answered with
// InterruptedMessage instead of running.
func (t *turn) runTools(ctx context.Context, calls []types.ToolCall, approved bool) ([]types.Message, error) {
	staged := stagedResults(t.latest)
	key := t.latest.Key
	taskID := toolTaskID(key.CheckpointID)

	out := make([]types.Message, 0, len(calls))
	for _, call := range calls {
		if msg, ok := staged[call.ID]; ok {
			t.logger.Debug("reusing staged tool result", zap.String("tool", call.Name), zap.String("tool_call_id", call.ID))
			out = append(out, msg)
			continue
		}

		class, err := t.m.router.Classify(call.Name, t.role)
		if err != nil {
			return nil, err
		}
		var msg types.Message
		if class == router.Sensitive && !approved {
			msg = types.NewToolMessage(call.ID, call.Name, InterruptedMessage)
		} else {
			res, err := t.m.router.Run(ctx, t.role, call)
			if err != nil {
				return nil, err
			}
			outcome := "ok"
			if res.IsError() {
				outcome = "error"
			}
			t.m.recorder.RecordToolRun(call.Name, string(class), outcome, res.Duration)
			t.logger.Info("tool executed",
				zap.String("tool", call.Name),
				zap.String("tool_call_id", call.ID),
				zap.String("class", string(class)),
				zap.Duration("duration", res.Duration),
				zap.Bool("failed", res.IsError()))
			msg = res.ToMessage()
		}
		out = append(out, msg)

		writes := make([]checkpoint.Write, 0, len(out))
		for _, m := range out {
			writes = append(writes, checkpoint.Write{Channel: channelTool, Value: m})
		}
		if err := t.m.saver.PutWrites(ctx, key, taskID, writes); err != nil {
			return nil, asStorageError("executor: stage tool results", err)
		}
	}
	return out, nil
}

// commit writes the working history as a new checkpoint whose parent is the
// previous one.
func (t *turn) commit(ctx context.Context, source, next string) error {
	msgs := make([]types.Message, len(t.msgs))
	copy(msgs, t.msgs)
	cp := checkpoint.New(map[string]any{
		checkpoint.ChannelMessages: msgs,
		checkpoint.ChannelNext:     next,
	})
	md := checkpoint.Metadata{
		"source": source,
		"step":   t.step,
		"writes": len(t.msgs) - t.committed,
		"input":  t.input,
	}

	key, err := t.m.saver.Put(ctx, t.threadID, t.m.cfg.Namespace, cp, md, t.parentID)
	if err != nil {
		return asStorageError("executor: write checkpoint", err)
	}
	var parent *checkpoint.Key
	if t.parentID != "" {
		parent = &checkpoint.Key{ThreadID: t.threadID, Namespace: t.m.cfg.Namespace, CheckpointID: t.parentID}
	}
	t.latest = &checkpoint.Tuple{Key: key, Checkpoint: cp, Metadata: md, Parent: parent}
	t.parentID = key.CheckpointID
	t.written = append(t.written, key.CheckpointID)
	t.committed = len(t.msgs)
	t.step++

	t.logger.Debug("checkpoint written",
		zap.String("checkpoint_id", key.CheckpointID),
		zap.String("source", source),
		zap.String("next", next))
	return nil
}
