// Package tools provides the built-in tool implementations: current_time,
// a read-only sql_query over the configured database, and webhook tools that
// forward their JSON arguments to an HTTP endpoint. Build assembles them,
// together with tools generated from OpenAPI documents, into the table the
// router is built from.
package tools
