package metrics

import (
	"context"
	"time"

	"github.com/BaSui01/agentgate/llm"
)

// instrumentedProvider 记录每次模型调用的耗时、状态与 token 用量。
type instrumentedProvider struct {
	llm.Provider
	model string
	c     *Collector
}

// InstrumentProvider wraps p so every Completion is counted. model labels
// requests that do not name one.
func (c *Collector) InstrumentProvider(p llm.Provider, model string) llm.Provider {
	return &instrumentedProvider{Provider: p, model: model, c: c}
}

func (p *instrumentedProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := p.Provider.Completion(ctx, req)

	model := p.model
	if req != nil && req.Model != "" {
		model = req.Model
	}
	status := "success"
	var prompt, completion int
	if err != nil {
		status = "error"
	} else if resp != nil {
		prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	p.c.RecordLLMRequest(p.Name(), model, status, time.Since(start), prompt, completion)
	return resp, err
}
