package mcp

import "context"

// Transport carries JSON-RPC messages to one MCP server. Stdio and HTTP
// implementations handle framing, encoding and request correlation.
type Transport interface {
	// Send sends a request and waits for its response.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport. For stdio it stops the subprocess.
	Close() error
}
