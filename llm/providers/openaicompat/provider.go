package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/llm"
	"github.com/BaSui01/agentgate/llm/retry"
)

// Config holds the configuration for an OpenAI-compatible endpoint.
type Config struct {
	// ProviderName identifies the provider in logs and errors. Defaults to "openai".
	ProviderName string `yaml:"provider" json:"provider"`

	// APIKey is sent as a bearer token. Empty disables the Authorization header.
	APIKey string `yaml:"api_key" json:"-"`

	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Model is used when the request does not name one.
	Model string `yaml:"model" json:"model"`

	Temperature float32 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`

	// Timeout is the per-attempt HTTP timeout. Defaults to 60s.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// EndpointPath defaults to "/chat/completions".
	EndpointPath string `yaml:"endpoint_path" json:"endpoint_path"`

	// ModelsEndpoint defaults to "/models".
	ModelsEndpoint string `yaml:"models_endpoint" json:"models_endpoint"`

	Retry retry.Policy `yaml:"retry" json:"retry"`
}

// Provider talks to any /chat/completions compatible API.
type Provider struct {
	cfg     Config
	client  *http.Client
	retryer *retry.Retryer
	logger  *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New creates a provider. A nil client gets a dedicated one with cfg.Timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "openai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/models"
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "llm"), zap.String("provider", cfg.ProviderName))

	policy := cfg.Retry
	policy.ShouldRetry = llm.IsRetryable
	return &Provider{
		cfg:     cfg,
		client:  client,
		retryer: retry.New(policy, logger),
		logger:  logger,
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return p.cfg.ProviderName }

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

func (p *Provider) setHeaders(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// HealthCheck lists models to verify the endpoint and key.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), p.Name())
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Completion performs a non-streaming chat completion, retrying
// rate limits, timeouts and upstream 5xx responses.
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: "no messages",
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}

	body := wireRequest{
		Model:       req.Model,
		Messages:    toWireMessages(req.Messages),
		Tools:       toWireTools(req.Tools),
		ToolChoice:  toolChoice(req.ToolChoice),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if body.Model == "" {
		body.Model = p.cfg.Model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = p.cfg.MaxTokens
	}
	if body.Temperature == 0 {
		body.Temperature = p.cfg.Temperature
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	resp, err := retry.Value(ctx, p.retryer, func(ctx context.Context) (*llm.ChatResponse, error) {
		return p.do(ctx, payload)
	})
	if err != nil {
		p.logger.Warn("completion failed",
			zap.String("trace_id", req.TraceID),
			zap.String("model", body.Model),
			zap.Duration("latency", time.Since(start)),
			zap.Error(err))
		return nil, err
	}
	p.logger.Debug("completion",
		zap.String("trace_id", req.TraceID),
		zap.String("model", resp.Model),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
		zap.Duration("latency", time.Since(start)))
	return resp, nil
}

func (p *Provider) do(ctx context.Context, payload []byte) (*llm.ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		code := llm.ErrUpstreamError
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			code = llm.ErrUpstreamTimeout
		}
		return nil, &llm.Error{
			Code: code, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), p.Name())
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: "decode response: " + err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if len(wr.Choices) == 0 {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: "response has no choices",
			HTTPStatus: http.StatusBadGateway, Provider: p.Name(),
		}
	}
	return fromWireResponse(wr, p.Name()), nil
}
