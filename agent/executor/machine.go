package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/agent/approval"
	"github.com/BaSui01/agentgate/agent/checkpoint"
	"github.com/BaSui01/agentgate/agent/router"
	"github.com/BaSui01/agentgate/types"
)

// User-visible texts.
const (
	// ApprovalPrompt is followed by the name of the tool awaiting approval.
	ApprovalPrompt = "Do you approve the use of the tool? Type in (yes/no) \nTool Called: "
	// DenialMessage is the tool result recorded for every denied call.
	DenialMessage = "API call denied by user. Continue assisting, accounting for the user's input."
	// EmptyResponseNudge re-prompts a model that answered with nothing.
	EmptyResponseNudge = "Respond with a real output."
	// InterruptedMessage answers a sensitive call that a new user message
	// superseded before anyone approved it.
	InterruptedMessage = "Tool call was not executed."
)

// RoutingPolicy decides which proposed calls are inspected for sensitivity.
type RoutingPolicy string

const (
	// RouteFirst classifies only the first call of a response.
	RouteFirst RoutingPolicy = "first"
	// RouteAny pauses when any call of a response is sensitive.
	RouteAny RoutingPolicy = "any"
)

// Config bounds the step loop.
type Config struct {
	Namespace       string        `yaml:"namespace" json:"namespace"`
	MaxSteps        int           `yaml:"max_steps" json:"max_steps"`
	MaxEmptyRetries int           `yaml:"max_empty_retries" json:"max_empty_retries"`
	RoutingPolicy   RoutingPolicy `yaml:"routing_policy" json:"routing_policy"`
	// ReconcileStatus repairs the approval status from the latest checkpoint
	// when the two disagree.
	ReconcileStatus bool `yaml:"reconcile_status" json:"reconcile_status"`
}

// DefaultConfig returns the default loop bounds.
func DefaultConfig() Config {
	return Config{
		MaxSteps:        25,
		MaxEmptyRetries: 3,
		RoutingPolicy:   RouteAny,
		ReconcileStatus: true,
	}
}

// Recorder receives turn metrics.
type Recorder interface {
	RecordTurn(phase, outcome string, d time.Duration)
	RecordAgentStep(outcome string, d time.Duration)
	RecordToolRun(tool, class, outcome string, d time.Duration)
	RecordApproval(decision string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTurn(string, string, time.Duration)            {}
func (nopRecorder) RecordAgentStep(string, time.Duration)               {}
func (nopRecorder) RecordToolRun(string, string, string, time.Duration) {}
func (nopRecorder) RecordApproval(string)                               {}

// Deps are the collaborators of a Machine.
type Deps struct {
	Saver     checkpoint.Saver
	Approvals approval.Store
	Router    *router.Router
	Stepper   Stepper
	// Locker defaults to a LocalLocker.
	Locker   Locker
	Recorder Recorder
	Logger   *zap.Logger
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	ThreadID string
	Text     string
	// Role selects the tool partition; empty uses the router default.
	Role router.Role
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	ThreadID           string         `json:"thread_id"`
	Reply              string         `json:"reply"`
	Phase              approval.Phase `json:"phase"`
	PendingToolCallIDs []string       `json:"pending_tool_call_ids,omitempty"`
	// ToolCalled names the tool awaiting approval.
	ToolCalled string `json:"tool_called,omitempty"`
	// CheckpointID is the latest checkpoint after the turn.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// Checkpoints lists the checkpoints written by this turn, oldest first.
	Checkpoints []string `json:"checkpoints,omitempty"`
	Steps       int      `json:"steps"`
}

// AwaitingApproval reports whether the turn paused on a sensitive call.
func (r *TurnResult) AwaitingApproval() bool {
	return r.Phase == approval.PhaseAskPermission
}

// Machine is the approval-gated execution state machine.
type Machine struct {
	saver     checkpoint.Saver
	approvals approval.Store
	router    *router.Router
	stepper   Stepper
	locker    Locker
	recorder  Recorder
	cfg       Config
	tracer    trace.Tracer
	logger    *zap.Logger
}

// New validates deps and cfg and returns a Machine.
func New(deps Deps, cfg Config) (*Machine, error) {
	switch {
	case deps.Saver == nil:
		return nil, errors.New("executor: checkpoint saver is required")
	case deps.Approvals == nil:
		return nil, errors.New("executor: approval store is required")
	case deps.Router == nil:
		return nil, errors.New("executor: tool router is required")
	case deps.Stepper == nil:
		return nil, errors.New("executor: stepper is required")
	}
	def := DefaultConfig()
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.MaxEmptyRetries < 1 {
		cfg.MaxEmptyRetries = 1
	}
	switch cfg.RoutingPolicy {
	case "":
		cfg.RoutingPolicy = def.RoutingPolicy
	case RouteFirst, RouteAny:
	default:
		return nil, fmt.Errorf("executor: unknown routing policy %q", cfg.RoutingPolicy)
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Machine{
		saver:     deps.Saver,
		approvals: deps.Approvals,
		router:    deps.Router,
		stepper:   deps.Stepper,
		locker:    deps.Locker,
		recorder:  deps.Recorder,
		cfg:       cfg,
		tracer:    otel.Tracer("agentgate/executor"),
		logger:    deps.Logger.With(zap.String("component", "executor")),
	}, nil
}

// =============================================================================
// 🎯 HandleTurn
// =============================================================================

// HandleTurn processes one user message for a thread. Turns of one thread run
// one at a time. On error the approval status is left untouched. Steps that
// were already checkpointed stay, and retrying the same input resumes from
// the interrupted step instead of appending the message again.
func (m *Machine) HandleTurn(ctx context.Context, req TurnRequest) (res *TurnResult, err error) {
	if strings.TrimSpace(req.ThreadID) == "" {
		return nil, types.NewInvalidRequestError("thread_id is required")
	}
	role := req.Role
	if role == "" {
		role = m.router.DefaultRole()
	}
	if !m.router.HasRole(role) {
		return nil, types.NewInvalidRequestError(fmt.Sprintf("unknown caller role %q", role))
	}

	ctx = types.WithThreadID(ctx, req.ThreadID)
	ctx, span := m.tracer.Start(ctx, "executor.turn", trace.WithAttributes(
		attribute.String("thread.id", req.ThreadID),
		attribute.String("caller.role", string(role)),
	))
	defer span.End()

	logger := m.logger.With(zap.String("thread_id", req.ThreadID), zap.String("role", string(role)))
	if rid, ok := types.RequestID(ctx); ok {
		logger = logger.With(zap.String("request_id", rid))
	}

	start := time.Now()
	phaseLabel := string(approval.PhaseNew)
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = strings.ToLower(string(types.GetErrorCode(err)))
			if outcome == "" {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Warn("turn failed", zap.String("phase", phaseLabel), zap.Error(err))
		} else if res.AwaitingApproval() {
			outcome = "paused"
		}
		m.recorder.RecordTurn(phaseLabel, outcome, time.Since(start))
	}()

	unlock, err := m.locker.Lock(ctx, req.ThreadID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.WrapError(types.ErrTimeout, "waiting for thread lock", err)
		}
		return nil, types.NewStorageError("executor: acquire thread lock", err)
	}
	defer unlock()

	status, err := m.approvals.Get(ctx, req.ThreadID)
	if err != nil {
		return nil, asStorageError("executor: read approval status", err)
	}
	latest, err := m.saver.GetLatest(ctx, req.ThreadID, m.cfg.Namespace)
	if err != nil {
		return nil, asStorageError("executor: read latest checkpoint", err)
	}
	if m.cfg.ReconcileStatus {
		status = m.reconcile(status, latest, role, logger)
	}

	t := m.newTurn(req.ThreadID, role, latest, logger)
	t.input = req.Text
	paused := unresolvedCalls(latest)
	if status.Awaiting() && len(paused) > 0 {
		phaseLabel = string(approval.PhaseAskPermission)
		span.SetAttributes(attribute.String("turn.phase", phaseLabel))
		if normalizeReply(req.Text) == "yes" {
			m.recorder.RecordApproval("approved")
			logger.Info("tool call approved", zap.Strings("tool_call_ids", status.PendingToolCallIDs))
			err = t.approve(ctx, paused)
		} else {
			m.recorder.RecordApproval("denied")
			logger.Info("tool call denied", zap.Strings("tool_call_ids", status.PendingToolCallIDs))
			err = t.deny(ctx, paused, req.Text)
		}
	} else {
		if status.Awaiting() {
			logger.Warn("approval pending but latest checkpoint is not paused, starting fresh",
				zap.Strings("tool_call_ids", status.PendingToolCallIDs))
		}
		err = t.start(ctx, req.Text)
	}
	if err != nil {
		return nil, err
	}

	result := &TurnResult{
		ThreadID:     req.ThreadID,
		Reply:        t.reply,
		Phase:        approval.PhaseNew,
		CheckpointID: t.parentID,
		Checkpoints:  t.written,
		Steps:        t.steps,
	}
	if len(t.paused) > 0 {
		result.Phase = approval.PhaseAskPermission
		result.PendingToolCallIDs = callIDs(t.paused)
		result.ToolCalled = t.pausedTool
	}
	if err := m.approvals.Set(ctx, req.ThreadID, result.Phase, result.PendingToolCallIDs); err != nil {
		return nil, asStorageError("executor: write approval status", err)
	}

	logger.Info("turn completed",
		zap.String("phase", string(result.Phase)),
		zap.String("checkpoint_id", result.CheckpointID),
		zap.Int("steps", result.Steps),
		zap.Duration("latency", time.Since(start)))
	return result, nil
}

// reconcile derives the approval state from the latest checkpoint and
// returns the repaired status when the stored one disagrees.
func (m *Machine) reconcile(status approval.Status, latest *checkpoint.Tuple, role router.Role, logger *zap.Logger) approval.Status {
	calls := unresolvedCalls(latest)
	awaiting := false
	if len(calls) > 0 {
		if call, err := m.firstSensitive(calls, role); err == nil && call != nil {
			awaiting = true
		}
	}
	ids := callIDs(calls)

	switch {
	case awaiting && !(status.Awaiting() && sameIDs(status.PendingToolCallIDs, ids)):
		logger.Warn("approval status drift repaired",
			zap.String("stored_phase", string(status.Phase)),
			zap.Strings("tool_call_ids", ids))
		status.Phase = approval.PhaseAskPermission
		status.PendingToolCallIDs = ids
	case !awaiting && status.Awaiting():
		logger.Warn("approval status drift repaired",
			zap.String("stored_phase", string(status.Phase)),
			zap.Strings("stale_tool_call_ids", status.PendingToolCallIDs))
		status.Phase = approval.PhaseNew
		status.PendingToolCallIDs = nil
	}
	return status
}

// firstSensitive returns the call that requires approval under the routing
// policy, or nil when the response may run unattended.
func (m *Machine) firstSensitive(calls []types.ToolCall, role router.Role) (*types.ToolCall, error) {
	for i := range calls {
		class, err := m.router.Classify(calls[i].Name, role)
		if err != nil {
			return nil, err
		}
		if class == router.Sensitive {
			return &calls[i], nil
		}
		if m.cfg.RoutingPolicy == RouteFirst {
			return nil, nil
		}
	}
	return nil, nil
}

func normalizeReply(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func asStorageError(op string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewStorageError(op, err)
}
