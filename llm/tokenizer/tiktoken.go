package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/agentgate/types"
)

// 每条消息的固定开销：<|start|>role\n content<|end|>\n
const (
	messageOverhead      = 4
	conversationOverhead = 3
	toolOverhead         = 10
)

// encodingInfo 描述模型使用的 tiktoken 编码与上下文大小
type encodingInfo struct {
	encoding  string
	maxTokens int
}

var modelEncodings = map[string]encodingInfo{
	"gpt-4o":        {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4o-mini":   {encoding: "o200k_base", maxTokens: 128000},
	"gpt-4.1":       {encoding: "o200k_base", maxTokens: 1047576},
	"o3":            {encoding: "o200k_base", maxTokens: 200000},
	"gpt-4-turbo":   {encoding: "cl100k_base", maxTokens: 128000},
	"gpt-4":         {encoding: "cl100k_base", maxTokens: 8192},
	"gpt-3.5-turbo": {encoding: "cl100k_base", maxTokens: 16385},
}

var defaultEncoding = encodingInfo{encoding: "cl100k_base", maxTokens: 8192}

// lookupEncoding 先精确匹配，再取最长前缀匹配，最后回落到 cl100k_base
func lookupEncoding(model string) encodingInfo {
	if info, ok := modelEncodings[model]; ok {
		return info
	}
	best, bestLen := defaultEncoding, 0
	for prefix, info := range modelEncodings {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = info, len(prefix)
		}
	}
	return best
}

// TiktokenTokenizer 用 tiktoken 精确计数。编码数据在首次使用时加载，
// 加载失败（例如离线环境）时回落到字符估算。
type TiktokenTokenizer struct {
	model    string
	info     encodingInfo
	fallback *types.EstimateTokenizer

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

var _ types.Tokenizer = (*TiktokenTokenizer)(nil)

// NewTiktokenTokenizer 为指定模型创建分词器
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	return &TiktokenTokenizer{
		model:    model,
		info:     lookupEncoding(model),
		fallback: types.NewEstimateTokenizer(),
	}
}

func (t *TiktokenTokenizer) init() {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.info.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.info.encoding, err)
			return
		}
		t.enc = enc
	})
}

// Err 返回编码加载错误；非 nil 时计数来自估算器
func (t *TiktokenTokenizer) Err() error {
	t.init()
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	t.init()
	if t.enc == nil {
		return t.fallback.CountTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenTokenizer) CountMessageTokens(msg types.Message) int {
	total := messageOverhead + t.CountTokens(string(msg.Role)) + t.CountTokens(msg.Content)
	if msg.Name != "" {
		total += t.CountTokens(msg.Name)
	}
	for _, tc := range msg.ToolCalls {
		total += t.CountTokens(tc.Name) + t.CountTokens(string(tc.Arguments))
	}
	return total
}

func (t *TiktokenTokenizer) CountMessagesTokens(msgs []types.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	total := conversationOverhead
	for _, m := range msgs {
		total += t.CountMessageTokens(m)
	}
	return total
}

func (t *TiktokenTokenizer) EstimateToolTokens(tools []types.ToolSchema) int {
	total := 0
	for _, tool := range tools {
		total += toolOverhead +
			t.CountTokens(tool.Name) +
			t.CountTokens(tool.Description) +
			t.CountTokens(string(tool.Parameters))
	}
	return total
}

// MaxTokens 返回模型上下文长度
func (t *TiktokenTokenizer) MaxTokens() int { return t.info.maxTokens }

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.info.encoding)
}
