// Package router holds the static tool table: which tools exist, how each
// caller role classifies them (safe or sensitive), and how to run them.
//
// A Router is built once at startup from configuration and never changes.
// Referencing an unknown tool or role is a misconfiguration, reported as a
// *types.Error with code MISCONFIGURATION. Tool failures, including panics,
// are returned inside types.ToolResult so the agent can react to them.
package router
