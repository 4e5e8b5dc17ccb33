package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/funnair/internal/httpkit"
)

// SessionHeader carries the MCP session id on streamable HTTP.
const SessionHeader = "Mcp-Session-Id"

// maxResponseBytes bounds a single HTTP response body.
const maxResponseBytes = 10 << 20

// HTTPConfig configures a streamable HTTP transport.
type HTTPConfig struct {
	// URL is the MCP endpoint, for example http://localhost:8080/mcp.
	URL string
	// Headers are sent with every request (for example Authorization).
	Headers map[string]string
	// Timeout bounds each HTTP exchange. Zero leaves it to the caller's
	// context.
	Timeout time.Duration
	Logger  *slog.Logger
}

// HTTPTransport sends each JSON-RPC message as an HTTP POST and reads
// the response from the body.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport. Requests that fail to
// connect are retried, since they never reached the server.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		logger:  logger,
		client: httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithRetry(2, 250*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

// Send posts a request and decodes the JSON-RPC response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := t.post(ctx, req, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	return &resp, nil
}

// Notify posts a notification. Servers answer 202 Accepted or 200.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	_, err := t.post(ctx, notif, http.StatusOK, http.StatusAccepted)
	return err
}

// Close is a no-op; the HTTP client owns its connection pool.
func (t *HTTPTransport) Close() error { return nil }

func (t *HTTPTransport) post(ctx context.Context, msg any, okStatus ...int) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}
	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(SessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if sid := httpResp.Header.Get(SessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	ok := false
	for _, s := range okStatus {
		ok = ok || httpResp.StatusCode == s
	}
	if !ok {
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 4096))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return body, nil
}
