// Package mcp speaks MCP (Model Context Protocol) in both directions.
//
// As a client it connects to external MCP servers over stdio
// (subprocess) or streamable HTTP, discovers their tools with
// tools/list and bridges them into the tool registry so the completion
// loop can call them like local tools.
//
// As a server it exposes a tool registry to other MCP hosts, over
// HTTP (POST /mcp) or over stdin/stdout.
//
// Both sides use JSON-RPC 2.0 with newline-delimited framing on stdio.
package mcp
