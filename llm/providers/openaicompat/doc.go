// Package openaicompat implements llm.Provider for endpoints that speak the
// OpenAI /chat/completions protocol (OpenAI, Azure-compatible gateways,
// vLLM, Ollama and similar).
//
// Tool call arguments travel as JSON strings on the wire and are exposed as
// json.RawMessage objects to callers. Rate limits, timeouts and 5xx answers
// are retried with exponential backoff.
package openaicompat
