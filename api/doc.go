// Package api defines the request and response bodies of the AgentGate HTTP
// API.
//
// # Endpoints
//
//	POST /api/v1/threads/{thread_id}/turns              send a message (JSON or multipart)
//	GET  /api/v1/threads/{thread_id}/status             approval status
//	GET  /api/v1/threads/{thread_id}/checkpoints        history, newest first
//	GET  /api/v1/threads/{thread_id}/checkpoints/latest latest checkpoint
//	GET  /api/v1/threads/{thread_id}/ws                 WebSocket turns
//	GET  /api/v1/attachments/{id}?token=                signed attachment download
//	GET  /health, /ready, /version
//
// Metrics are served on a separate port at /metrics.
//
// # Authentication
//
// When auth is enabled every /api/v1 route except attachment downloads needs
// a bearer JWT. The optional "role" claim selects the caller's tool
// partition (manager or standard).
//
// # Errors
//
// Errors use the common envelope:
//
//	{"success": false, "error": {"code": "STORAGE_FAILURE", "message": "..."}}
package api
