package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentgate/types"
)

func echo(_ context.Context, args json.RawMessage) (string, error) {
	return string(args), nil
}

func testConfig() Config {
	return Config{
		Tools: []Tool{
			{Name: "current_time", Invoke: func(context.Context, json.RawMessage) (string, error) { return "noon", nil }},
			{Name: "get_balance", Description: "account balance", Invoke: echo},
			{Name: "transfer", Invoke: func(context.Context, json.RawMessage) (string, error) {
				return "", errors.New("insufficient funds")
			}},
			{Name: "explode", Invoke: func(context.Context, json.RawMessage) (string, error) { panic("kaboom") }},
		},
		Partitions: map[Role]Partition{
			RoleManager:  {Safe: []string{"current_time", "get_balance", "explode"}, Sensitive: []string{"transfer"}},
			RoleStandard: {Safe: []string{"current_time"}, Sensitive: []string{"get_balance"}},
		},
	}
}

func TestBuild_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown tool in partition", func(c *Config) {
			c.Partitions[RoleStandard] = Partition{Safe: []string{"nope"}}
		}},
		{"both classes", func(c *Config) {
			c.Partitions[RoleStandard] = Partition{Safe: []string{"get_balance"}, Sensitive: []string{"get_balance"}}
		}},
		{"missing implementation", func(c *Config) {
			c.Tools = append(c.Tools, Tool{Name: "broken"})
		}},
		{"duplicate tool", func(c *Config) {
			c.Tools = append(c.Tools, c.Tools[0])
		}},
		{"no partitions", func(c *Config) {
			c.Partitions = nil
		}},
		{"default role without partition", func(c *Config) {
			c.DefaultRole = "auditor"
		}},
		{"invalid parameters schema", func(c *Config) {
			c.Tools = append(c.Tools, Tool{Name: "bad_schema", Parameters: json.RawMessage(`{"type":12}`), Invoke: echo})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := Build(cfg, nil)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrMisconfiguration))
		})
	}
}

func TestClassify_PerRole(t *testing.T) {
	r, err := Build(testConfig(), nil)
	require.NoError(t, err)

	c, err := r.Classify("get_balance", RoleStandard)
	require.NoError(t, err)
	assert.Equal(t, Sensitive, c)

	c, err = r.Classify("get_balance", RoleManager)
	require.NoError(t, err)
	assert.Equal(t, Safe, c)

	c, err = r.Classify("current_time", "")
	require.NoError(t, err)
	assert.Equal(t, Safe, c, "empty role falls back to the default role")

	_, err = r.Classify("transfer", RoleStandard)
	assert.True(t, types.IsErrorCode(err, types.ErrMisconfiguration))

	_, err = r.Classify("current_time", "auditor")
	assert.True(t, types.IsErrorCode(err, types.ErrMisconfiguration))

	assert.Equal(t, RoleStandard, r.DefaultRole())
	assert.True(t, r.HasRole(RoleStandard))
	assert.True(t, r.HasRole(RoleManager))
	assert.False(t, r.HasRole("auditor"))
}

func TestSchemas(t *testing.T) {
	r, err := Build(testConfig(), nil)
	require.NoError(t, err)

	schemas := r.Schemas(RoleStandard)
	require.Len(t, schemas, 2)
	assert.Equal(t, "current_time", schemas[0].Name)
	assert.Equal(t, "get_balance", schemas[1].Name)
	assert.Equal(t, "account balance", schemas[1].Description)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(schemas[0].Parameters))

	assert.Len(t, r.Schemas(RoleManager), 4)
}

func TestRun(t *testing.T) {
	r, err := Build(testConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := r.Run(ctx, RoleManager, types.ToolCall{ID: "call_1", Name: "get_balance", Arguments: json.RawMessage(`{"id":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "call_1", res.ToolCallID)
	assert.Equal(t, `{"id":1}`, res.Content)
	assert.False(t, res.IsError())

	res, err = r.Run(ctx, RoleManager, types.ToolCall{ID: "call_2", Name: "get_balance"})
	require.NoError(t, err)
	assert.Equal(t, `{}`, res.Content)

	res, err = r.Run(ctx, RoleManager, types.ToolCall{ID: "call_3", Name: "transfer"})
	require.NoError(t, err)
	assert.Equal(t, "insufficient funds", res.Error)
	msg := res.ToMessage()
	assert.Equal(t, types.RoleTool, msg.Role)
	assert.Equal(t, "call_3", msg.ToolCallID)
	assert.Equal(t, "Error: insufficient funds\n please fix your mistakes.", msg.Content)

	res, err = r.Run(ctx, RoleManager, types.ToolCall{ID: "call_4", Name: "explode"})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "kaboom")

	_, err = r.Run(ctx, RoleStandard, types.ToolCall{ID: "call_5", Name: "unknown"})
	assert.True(t, types.IsErrorCode(err, types.ErrMisconfiguration))
}

func TestRun_ArgumentsValidated(t *testing.T) {
	cfg := testConfig()
	var called bool
	cfg.Tools = append(cfg.Tools, Tool{
		Name:       "lookup_order",
		Parameters: json.RawMessage(`{"type":"object","properties":{"order_id":{"type":"integer"}},"required":["order_id"]}`),
		Invoke: func(_ context.Context, args json.RawMessage) (string, error) {
			called = true
			return string(args), nil
		},
	})
	cfg.Partitions[RoleManager] = Partition{Safe: []string{"lookup_order"}}
	r, err := Build(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := r.Run(ctx, RoleManager, types.ToolCall{ID: "c1", Name: "lookup_order", Arguments: json.RawMessage(`{"order_id":"abc"}`)})
	require.NoError(t, err)
	assert.True(t, res.IsError())
	assert.Contains(t, res.Error, "invalid arguments")
	assert.False(t, called)

	res, err = r.Run(ctx, RoleManager, types.ToolCall{ID: "c2", Name: "lookup_order"})
	require.NoError(t, err)
	assert.True(t, res.IsError())
	assert.False(t, called)

	res, err = r.Run(ctx, RoleManager, types.ToolCall{ID: "c3", Name: "lookup_order", Arguments: json.RawMessage(`{not json`)})
	require.NoError(t, err)
	assert.Contains(t, res.Error, "invalid arguments")

	res, err = r.Run(ctx, RoleManager, types.ToolCall{ID: "c4", Name: "lookup_order", Arguments: json.RawMessage(`{"order_id":7}`)})
	require.NoError(t, err)
	assert.False(t, res.IsError())
	assert.True(t, called)
	assert.Equal(t, `{"order_id":7}`, res.Content)
}
