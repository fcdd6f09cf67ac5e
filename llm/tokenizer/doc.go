// Package tokenizer 提供基于 tiktoken 的 Token 计数，实现 types.Tokenizer，
// 用于按 Token 预算裁剪对话历史。编码数据不可用时回落到 types.EstimateTokenizer。
package tokenizer
