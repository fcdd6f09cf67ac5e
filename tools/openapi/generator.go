package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentgate/agent/router"
)

// Spec is the subset of an OpenAPI document used to build tools.
type Spec struct {
	OpenAPI string              `json:"openapi" yaml:"openapi"`
	Info    Info                `json:"info" yaml:"info"`
	Servers []Server            `json:"servers,omitempty" yaml:"servers,omitempty"`
	Paths   map[string]PathItem `json:"paths" yaml:"paths"`
}

type Info struct {
	Title   string `json:"title" yaml:"title"`
	Version string `json:"version" yaml:"version"`
}

type Server struct {
	URL string `json:"url" yaml:"url"`
}

// PathItem holds the operations of one path.
type PathItem struct {
	Get    *Operation `json:"get,omitempty" yaml:"get,omitempty"`
	Post   *Operation `json:"post,omitempty" yaml:"post,omitempty"`
	Put    *Operation `json:"put,omitempty" yaml:"put,omitempty"`
	Delete *Operation `json:"delete,omitempty" yaml:"delete,omitempty"`
	Patch  *Operation `json:"patch,omitempty" yaml:"patch,omitempty"`
}

func (p PathItem) operations() map[string]*Operation {
	return map[string]*Operation{
		http.MethodGet:    p.Get,
		http.MethodPost:   p.Post,
		http.MethodPut:    p.Put,
		http.MethodDelete: p.Delete,
		http.MethodPatch:  p.Patch,
	}
}

type Operation struct {
	OperationID string       `json:"operationId,omitempty" yaml:"operationId,omitempty"`
	Summary     string       `json:"summary,omitempty" yaml:"summary,omitempty"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []Parameter  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	RequestBody *RequestBody `json:"requestBody,omitempty" yaml:"requestBody,omitempty"`
	Tags        []string     `json:"tags,omitempty" yaml:"tags,omitempty"`
}

type Parameter struct {
	Name        string      `json:"name" yaml:"name"`
	In          string      `json:"in" yaml:"in"` // query, path, header
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool        `json:"required,omitempty" yaml:"required,omitempty"`
	Schema      *JSONSchema `json:"schema,omitempty" yaml:"schema,omitempty"`
}

type RequestBody struct {
	Required bool                 `json:"required,omitempty" yaml:"required,omitempty"`
	Content  map[string]MediaType `json:"content,omitempty" yaml:"content,omitempty"`
}

type MediaType struct {
	Schema *JSONSchema `json:"schema,omitempty" yaml:"schema,omitempty"`
}

// JSONSchema is a JSON Schema fragment.
type JSONSchema struct {
	Type        string                `json:"type,omitempty" yaml:"type,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]JSONSchema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string              `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *JSONSchema           `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []any                 `json:"enum,omitempty" yaml:"enum,omitempty"`
}

// Source declares one OpenAPI document to load tools from.
type Source struct {
	// Location is an http(s) URL or a file path; JSON and YAML are accepted.
	Location string            `yaml:"location" json:"location"`
	BaseURL  string            `yaml:"base_url" json:"base_url"`
	Prefix   string            `yaml:"prefix" json:"prefix"`
	Tags     []string          `yaml:"tags" json:"tags"`
	Headers  map[string]string `yaml:"headers" json:"headers"`
}

// Generator loads OpenAPI documents and builds tools from them.
type Generator struct {
	client *http.Client
	logger *zap.Logger
	mu     sync.RWMutex
	cache  map[string]*Spec
}

// NewGenerator creates a Generator. A nil client uses one with a 30s timeout.
func NewGenerator(client *http.Client, logger *zap.Logger) *Generator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		client: client,
		logger: logger.With(zap.String("component", "openapi_tools")),
		cache:  make(map[string]*Spec),
	}
}

// LoadSpec reads and parses the document at location.
func (g *Generator) LoadSpec(ctx context.Context, location string) (*Spec, error) {
	g.mu.RLock()
	if spec, ok := g.cache[location]; ok {
		g.mu.RUnlock()
		return spec, nil
	}
	g.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		data, err = g.fetch(ctx, location)
	} else {
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("load openapi spec %s: %w", location, err)
	}

	var spec Spec
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &spec)
	} else {
		err = yaml.Unmarshal(data, &spec)
	}
	if err != nil {
		return nil, fmt.Errorf("parse openapi spec %s: %w", location, err)
	}

	g.mu.Lock()
	g.cache[location] = &spec
	g.mu.Unlock()

	g.logger.Info("loaded openapi spec",
		zap.String("title", spec.Info.Title),
		zap.String("version", spec.Info.Version),
		zap.Int("paths", len(spec.Paths)))
	return &spec, nil
}

func (g *Generator) fetch(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Load builds the tools of src.
func (g *Generator) Load(ctx context.Context, src Source) ([]router.Tool, error) {
	spec, err := g.LoadSpec(ctx, src.Location)
	if err != nil {
		return nil, err
	}
	return g.Tools(spec, src)
}

// Tools builds one tool per operation of spec, sorted by name. Operations
// are filtered by src.Tags when set.
func (g *Generator) Tools(spec *Spec, src Source) ([]router.Tool, error) {
	baseURL := src.BaseURL
	if baseURL == "" && len(spec.Servers) > 0 {
		baseURL = spec.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("openapi spec %q has no server url", spec.Info.Title)
	}

	var out []router.Tool
	for path, item := range spec.Paths {
		for method, op := range item.operations() {
			if op == nil {
				continue
			}
			if len(src.Tags) > 0 && !hasAnyTag(op.Tags, src.Tags) {
				continue
			}
			out = append(out, g.operationTool(baseURL, path, method, op, src))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	g.logger.Info("generated openapi tools", zap.String("spec", spec.Info.Title), zap.Int("count", len(out)))
	return out, nil
}

func (g *Generator) operationTool(baseURL, path, method string, op *Operation, src Source) router.Tool {
	name := op.OperationID
	if name == "" {
		name = strings.ToLower(method) + "_" + sanitizePath(path)
	}
	name = src.Prefix + name

	description := op.Summary
	if description == "" {
		description = op.Description
	}
	if description == "" {
		description = method + " " + path
	}

	props := make(map[string]JSONSchema)
	var required []string
	for _, p := range op.Parameters {
		s := JSONSchema{Type: "string"}
		if p.Schema != nil {
			s = *p.Schema
		}
		if p.Description != "" {
			s.Description = p.Description
		}
		props[p.Name] = s
		if p.Required || p.In == "path" {
			required = append(required, p.Name)
		}
	}
	hasBody := false
	if op.RequestBody != nil {
		if mt, ok := op.RequestBody.Content["application/json"]; ok && mt.Schema != nil {
			props["body"] = *mt.Schema
			hasBody = true
			if op.RequestBody.Required {
				required = append(required, "body")
			}
		}
	}
	schema, _ := json.Marshal(JSONSchema{Type: "object", Properties: props, Required: required})

	params := op.Parameters
	return router.Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Invoke: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args map[string]any
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			req, err := buildRequest(ctx, baseURL, path, method, params, hasBody, args)
			if err != nil {
				return "", err
			}
			for k, v := range src.Headers {
				req.Header.Set(k, v)
			}
			return g.do(req)
		},
	}
}

func buildRequest(ctx context.Context, baseURL, path, method string, params []Parameter, hasBody bool, args map[string]any) (*http.Request, error) {
	query := url.Values{}
	headers := http.Header{}
	for _, p := range params {
		v, ok := args[p.Name]
		if !ok {
			if p.Required || p.In == "path" {
				return nil, fmt.Errorf("missing required parameter %q", p.Name)
			}
			continue
		}
		s := fmt.Sprint(v)
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(s))
		case "query":
			query.Set(p.Name, s)
		case "header":
			headers.Set(p.Name, s)
		}
	}

	target := strings.TrimRight(baseURL, "/") + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if hasBody {
		if b, ok := args["body"]; ok {
			data, err := json.Marshal(b)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header = headers
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (g *Generator) do(req *http.Request) (string, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("%s %s returned HTTP %d: %s", req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return string(data), nil
}

func hasAnyTag(tags, targets []string) bool {
	for _, t := range targets {
		for _, have := range tags {
			if have == t {
				return true
			}
		}
	}
	return false
}

func sanitizePath(path string) string {
	path = strings.NewReplacer("/", "_", "{", "", "}", "", "-", "_").Replace(path)
	return strings.Trim(path, "_")
}
