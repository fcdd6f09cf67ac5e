package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentgate/types"
)

// Class is the safety classification of a tool.
type Class string

const (
	// Safe tools run without asking the user.
	Safe Class = "safe"
	// Sensitive tools pause the workflow until the user approves.
	Sensitive Class = "sensitive"
)

// Role selects a tool partition.
type Role string

const (
	RoleManager  Role = "manager"
	RoleStandard Role = "standard"
)

// InvokeFunc runs a tool with JSON arguments and returns its textual result.
type InvokeFunc func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Invoke      InvokeFunc
}

// Partition lists the tools a role may call, split by class. Tools absent from
// both lists are invisible to the role.
type Partition struct {
	Safe      []string `yaml:"safe" json:"safe"`
	Sensitive []string `yaml:"sensitive" json:"sensitive"`
}

// Config is the static tool table.
type Config struct {
	Tools       []Tool
	Partitions  map[Role]Partition
	DefaultRole Role
}

// Router classifies and runs tools. It is immutable after Build.
type Router struct {
	tools       map[string]Tool
	schemas     map[string]*jsonschema.Schema
	classes     map[Role]map[string]Class
	defaultRole Role
	tracer      trace.Tracer
	logger      *zap.Logger
}

// Build validates cfg and returns a Router. Every name in a partition must be
// a registered tool, and no tool may be both safe and sensitive for one role.
func Build(cfg Config, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		tools:       make(map[string]Tool, len(cfg.Tools)),
		schemas:     make(map[string]*jsonschema.Schema, len(cfg.Tools)),
		classes:     make(map[Role]map[string]Class, len(cfg.Partitions)),
		defaultRole: cfg.DefaultRole,
		tracer:      otel.Tracer("agentgate/router"),
		logger:      logger.With(zap.String("component", "tool_router")),
	}

	for _, t := range cfg.Tools {
		if t.Name == "" {
			return nil, types.NewMisconfigurationError("tool with empty name")
		}
		if t.Invoke == nil {
			return nil, types.NewMisconfigurationError(fmt.Sprintf("tool %q has no implementation", t.Name))
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, types.NewMisconfigurationError(fmt.Sprintf("tool %q registered twice", t.Name))
		}
		if len(t.Parameters) == 0 {
			t.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		schema, err := compileSchema(t.Name, t.Parameters)
		if err != nil {
			return nil, types.NewMisconfigurationError(fmt.Sprintf("tool %q: invalid parameters schema: %v", t.Name, err))
		}
		r.tools[t.Name] = t
		r.schemas[t.Name] = schema
	}

	if len(cfg.Partitions) == 0 {
		return nil, types.NewMisconfigurationError("no tool partitions configured")
	}
	for role, p := range cfg.Partitions {
		classes := make(map[string]Class, len(p.Safe)+len(p.Sensitive))
		assign := func(names []string, c Class) error {
			for _, name := range names {
				if _, ok := r.tools[name]; !ok {
					return types.NewMisconfigurationError(fmt.Sprintf("role %q references unknown tool %q", role, name))
				}
				if prev, ok := classes[name]; ok && prev != c {
					return types.NewMisconfigurationError(fmt.Sprintf("tool %q is both safe and sensitive for role %q", name, role))
				}
				classes[name] = c
			}
			return nil
		}
		if err := assign(p.Safe, Safe); err != nil {
			return nil, err
		}
		if err := assign(p.Sensitive, Sensitive); err != nil {
			return nil, err
		}
		r.classes[role] = classes
	}

	if r.defaultRole == "" {
		r.defaultRole = RoleStandard
	}
	if _, ok := r.classes[r.defaultRole]; !ok {
		return nil, types.NewMisconfigurationError(fmt.Sprintf("default role %q has no partition", r.defaultRole))
	}

	for role, classes := range r.classes {
		r.logger.Info("tool partition loaded",
			zap.String("role", string(role)),
			zap.Int("tools", len(classes)))
	}
	return r, nil
}

// DefaultRole returns the role used when a caller has none.
func (r *Router) DefaultRole() Role {
	return r.defaultRole
}

// HasRole reports whether role has a partition.
func (r *Router) HasRole(role Role) bool {
	_, ok := r.classes[role]
	return ok
}

func (r *Router) resolve(role Role) Role {
	if role == "" {
		return r.defaultRole
	}
	return role
}

// Classify returns the class of name for role. An unknown role, or a tool the
// role cannot see, is a misconfiguration.
func (r *Router) Classify(name string, role Role) (Class, error) {
	role = r.resolve(role)
	classes, ok := r.classes[role]
	if !ok {
		return "", types.NewMisconfigurationError(fmt.Sprintf("unknown role %q", role))
	}
	c, ok := classes[name]
	if !ok {
		return "", types.NewMisconfigurationError(fmt.Sprintf("tool %q is not available to role %q", name, role))
	}
	return c, nil
}

// Schemas returns the schemas of the tools visible to role, sorted by name.
func (r *Router) Schemas(role Role) []types.ToolSchema {
	classes := r.classes[r.resolve(role)]
	out := make([]types.ToolSchema, 0, len(classes))
	for name := range classes {
		t := r.tools[name]
		out = append(out, types.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run executes call on behalf of role. Tool errors and panics come back in the
// result; only misconfiguration is returned as an error.
func (r *Router) Run(ctx context.Context, role Role, call types.ToolCall) (types.ToolResult, error) {
	class, err := r.Classify(call.Name, role)
	if err != nil {
		return types.ToolResult{}, err
	}
	tool := r.tools[call.Name]

	ctx, span := r.tracer.Start(ctx, "tool."+call.Name, trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.class", string(class)),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	start := time.Now()
	var content string
	runErr := r.validate(call.Name, call.Arguments)
	if runErr == nil {
		content, runErr = invoke(ctx, tool.Invoke, call.Arguments)
	}
	result := types.ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    content,
		Duration:   time.Since(start),
	}
	if runErr != nil {
		result.Error = runErr.Error()
		span.RecordError(runErr)
		r.logger.Warn("tool failed",
			zap.String("tool", call.Name),
			zap.String("tool_call_id", call.ID),
			zap.Error(runErr))
	}
	return result, nil
}

// compileSchema 编译工具参数的 JSON Schema，资源名按工具名区分。
func compileSchema(name string, params json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(params)))
	if err != nil {
		return nil, err
	}
	url := "tool://" + name + "/parameters.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validate 校验模型给出的参数。失败结果会作为工具错误回灌给模型。
func (r *Router) validate(name string, args json.RawMessage) error {
	schema := r.schemas[name]
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(string(args)))
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func invoke(ctx context.Context, fn InvokeFunc, args json.RawMessage) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return fn(ctx, args)
}
