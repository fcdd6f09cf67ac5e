package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/llm"
	"github.com/BaSui01/agentgate/types"
)

// Stepper runs one agent step over the accumulated history and returns the
// assistant message: tool calls, text, or both.
type Stepper interface {
	Step(ctx context.Context, history []types.Message, tools []types.ToolSchema) (types.Message, error)
}

// StepperFunc adapts a function to Stepper.
type StepperFunc func(ctx context.Context, history []types.Message, tools []types.ToolSchema) (types.Message, error)

func (f StepperFunc) Step(ctx context.Context, history []types.Message, tools []types.ToolSchema) (types.Message, error) {
	return f(ctx, history, tools)
}

// ErrNoChoices is returned when the provider answered without a message.
var ErrNoChoices = errors.New("executor: model returned no choices")

// LLMStepperConfig configures LLMStepper.
type LLMStepperConfig struct {
	SystemPrompt string
	Model        string
	// HistoryTokenBudget caps the tokens of history sent per step. Zero
	// sends the full history.
	HistoryTokenBudget int
	// Now is used for the current-time line of the system prompt.
	Now func() time.Time
}

// LLMStepper is the Stepper backed by an llm.Provider.
type LLMStepper struct {
	provider  llm.Provider
	tokenizer types.Tokenizer
	cfg       LLMStepperConfig
	logger    *zap.Logger
}

// NewLLMStepper creates a stepper. A nil tokenizer falls back to the
// character estimator.
func NewLLMStepper(provider llm.Provider, tokenizer types.Tokenizer, cfg LLMStepperConfig, logger *zap.Logger) *LLMStepper {
	if tokenizer == nil {
		tokenizer = types.NewEstimateTokenizer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMStepper{
		provider:  provider,
		tokenizer: tokenizer,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "llm_stepper")),
	}
}

func (s *LLMStepper) Step(ctx context.Context, history []types.Message, tools []types.ToolSchema) (types.Message, error) {
	system := s.systemMessage()
	budget := s.cfg.HistoryTokenBudget
	if budget > 0 {
		overhead := s.tokenizer.CountMessageTokens(system) + s.tokenizer.EstimateToolTokens(tools)
		// 系统提示与工具定义已耗尽预算时只保留最新的一组消息
		budget = max(budget-overhead, 1)
	}
	trimmed := TrimHistory(history, s.tokenizer, budget)
	if len(trimmed) < len(history) {
		s.logger.Debug("history trimmed",
			zap.Int("messages", len(history)),
			zap.Int("kept", len(trimmed)))
	}

	req := &llm.ChatRequest{
		Model:    s.cfg.Model,
		Messages: append([]types.Message{system}, trimmed...),
		Tools:    tools,
	}
	if len(tools) > 0 {
		req.ToolChoice = "auto"
	}
	if traceID, ok := types.TraceID(ctx); ok {
		req.TraceID = traceID
	}

	resp, err := s.provider.Completion(ctx, req)
	if err != nil {
		return types.Message{}, err
	}
	msg, ok := resp.FirstMessage()
	if !ok {
		return types.Message{}, ErrNoChoices
	}
	msg.Role = types.RoleAssistant
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg, nil
}

func (s *LLMStepper) systemMessage() types.Message {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.cfg.SystemPrompt))
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString("Current time: ")
	b.WriteString(s.cfg.Now().Format(time.RFC1123))
	return types.NewSystemMessage(b.String())
}

// TrimHistory keeps the newest messages that fit budget tokens. An assistant
// message with tool calls and the tool results answering it are kept or
// dropped together, and the newest group is always kept. A budget <= 0 keeps
// everything.
func TrimHistory(history []types.Message, tk types.Tokenizer, budget int) []types.Message {
	if budget <= 0 || len(history) == 0 {
		return history
	}

	// group start indexes, oldest first
	var starts []int
	for i := 0; i < len(history); i++ {
		starts = append(starts, i)
		if history[i].Role == types.RoleAssistant && len(history[i].ToolCalls) > 0 {
			for i+1 < len(history) && history[i+1].Role == types.RoleTool {
				i++
			}
		}
	}

	used := 0
	keepFrom := len(history)
	for g := len(starts) - 1; g >= 0; g-- {
		end := len(history)
		if g+1 < len(starts) {
			end = starts[g+1]
		}
		cost := tk.CountMessagesTokens(history[starts[g]:end])
		if used+cost > budget && keepFrom < len(history) {
			break
		}
		used += cost
		keepFrom = starts[g]
	}
	return history[keepFrom:]
}
