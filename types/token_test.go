package types

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokenizer_CountTokens(t *testing.T) {
	tk := NewEstimateTokenizer()

	assert.Equal(t, 0, tk.CountTokens(""))
	assert.Equal(t, 1, tk.CountTokens("hi"))
	assert.Equal(t, 25, tk.CountTokens(strings.Repeat("a", 100)))
	// 中文按 1.5 字符一个 token 估算
	assert.Equal(t, 4, tk.CountTokens("你好世界你好"))
}

func TestEstimateTokenizer_Messages(t *testing.T) {
	tk := NewEstimateTokenizer()
	plain := NewUserMessage(strings.Repeat("a", 40))
	assert.Equal(t, 4+10, tk.CountMessageTokens(plain))

	call := NewAssistantMessage("").WithToolCalls([]ToolCall{
		{ID: "call_1", Name: "get_balance", Arguments: json.RawMessage(`{"account":"12345678"}`)},
	})
	assert.Greater(t, tk.CountMessageTokens(call), 4)

	assert.Equal(t,
		tk.CountMessageTokens(plain)+tk.CountMessageTokens(call),
		tk.CountMessagesTokens([]Message{plain, call}))
}

func TestEstimateTokenizer_Tools(t *testing.T) {
	tk := NewEstimateTokenizer()
	assert.Zero(t, tk.EstimateToolTokens(nil))
	got := tk.EstimateToolTokens([]ToolSchema{{Name: "current_time", Parameters: json.RawMessage(`{"type":"object"}`)}})
	assert.GreaterOrEqual(t, got, 10)
}

func TestIsCJK(t *testing.T) {
	for _, r := range "你好，世界！" {
		assert.True(t, isCJK(r), string(r))
	}
	for _, r := range "hi, world!" {
		assert.False(t, isCJK(r), string(r))
	}
}
