package types

import "unicode"

// Tokenizer counts tokens for conversation history budgeting.
type Tokenizer interface {
	CountTokens(text string) int
	CountMessageTokens(msg Message) int
	CountMessagesTokens(msgs []Message) int
	EstimateToolTokens(tools []ToolSchema) int
}

const (
	// 每条消息的 role/分隔符开销
	messageOverhead = 4
	// 每个工具定义的固定开销
	toolOverhead = 10

	latinCharsPerToken = 4.0
	cjkCharsPerToken   = 1.5
)

// EstimateTokenizer 按字符类别估算 token 数，在没有 BPE 词表时作为兜底。
type EstimateTokenizer struct{}

func NewEstimateTokenizer() *EstimateTokenizer { return &EstimateTokenizer{} }

// CountTokens returns 0 for empty text and at least 1 otherwise.
func (EstimateTokenizer) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other float64
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return max(1, int(cjk/cjkCharsPerToken+other/latinCharsPerToken))
}

func (t EstimateTokenizer) CountMessageTokens(msg Message) int {
	n := messageOverhead + t.CountTokens(msg.Content) + t.CountTokens(msg.Name)
	for _, tc := range msg.ToolCalls {
		n += t.CountTokens(tc.Name) + int(float64(len(tc.Arguments))/latinCharsPerToken)
	}
	return n
}

func (t EstimateTokenizer) CountMessagesTokens(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += t.CountMessageTokens(m)
	}
	return n
}

func (t EstimateTokenizer) EstimateToolTokens(tools []ToolSchema) int {
	n := 0
	for _, s := range tools {
		n += toolOverhead + t.CountTokens(s.Name) + t.CountTokens(s.Description) +
			int(float64(len(s.Parameters))/latinCharsPerToken)
	}
	return n
}

// isCJK 汉字、CJK 标点与全角字符按中文计。
func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}
