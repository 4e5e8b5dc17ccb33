package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/funnair/internal/buildinfo"
	"github.com/nugget/funnair/internal/tools"
)

// maxMessageSize bounds a single inbound JSON-RPC message.
const maxMessageSize = 4 << 20

// DefaultSessionID is the session id given to tool calls from peers
// that never received an Mcp-Session-Id.
const DefaultSessionID = "mcp"

// ServerOptions configures a Server.
type ServerOptions struct {
	// Name is reported in serverInfo. Defaults to "funnair".
	Name   string
	Logger *slog.Logger
}

// Server exposes a tool registry to MCP clients. The same server can
// answer over streamable HTTP (ServeHTTP) and over stdio (ServeStdio).
type Server struct {
	registry *tools.Registry
	invoker  *tools.Invoker
	name     string
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]bool
}

// NewServer creates a server for registry. Calls run through invoker.
func NewServer(registry *tools.Registry, invoker *tools.Invoker, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mcp_server")
	if invoker == nil {
		invoker = tools.NewInvoker(logger, 0)
	}
	name := opts.Name
	if name == "" {
		name = buildinfo.Name
	}
	return &Server{
		registry: registry,
		invoker:  invoker,
		name:     name,
		logger:   logger,
		sessions: make(map[string]bool),
	}
}

// Handle processes one raw JSON-RPC message and returns the encoded
// response, or nil for notifications.
func (s *Server) Handle(ctx context.Context, sessionID string, raw []byte) []byte {
	out := s.dispatch(ctx, sessionID, raw)
	if out == nil {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		data, _ = json.Marshal(errorResponse(out.ID, CodeInternalError, "internal error"))
	}
	return data
}

func (s *Server) dispatch(ctx context.Context, sessionID string, raw []byte) *outbound {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorResponse(nullID, CodeParseError, "parse error")
	}
	if msg.JSONRPC != jsonrpcVersion || msg.Method == "" {
		if msg.isNotification() {
			return nil
		}
		return errorResponse(msg.ID, CodeInvalidRequest, "invalid request")
	}

	log := s.logger.With("method", msg.Method, "session_id", sessionID)
	log.Log(ctx, slog.Level(-8), "MCP request received") // config.LevelTrace

	if msg.isNotification() {
		if msg.Method != "notifications/initialized" {
			log.Debug("ignoring notification")
		}
		return nil
	}

	var (
		result any
		rpcErr *RPCError
	)
	switch msg.Method {
	case "initialize":
		result = initializeResult{
			ProtocolVersion: protocolVersion,
			ServerInfo:      implementation{Name: s.name, Version: buildinfo.Version},
			Capabilities:    capabilities{Tools: &struct{ ListChanged bool `json:"listChanged,omitempty"` }{}},
		}
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = s.listTools()
	case "tools/call":
		result, rpcErr = s.callTool(ctx, sessionID, msg.ID, msg.Params)
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", msg.Method)}
	}

	if rpcErr != nil {
		log.Debug("MCP request failed", "code", rpcErr.Code, "error", rpcErr.Message)
		return &outbound{JSONRPC: jsonrpcVersion, ID: msg.ID, Error: rpcErr}
	}
	return &outbound{JSONRPC: jsonrpcVersion, ID: msg.ID, Result: result}
}

func (s *Server) listTools() toolsListResult {
	specs := s.registry.List()
	out := toolsListResult{Tools: make([]ToolDefinition, 0, len(specs))}
	for _, spec := range specs {
		out.Tools = append(out.Tools, ToolDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			InputSchema: spec.InputSchema.Map(),
		})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, sessionID string, id json.RawMessage, raw json.RawMessage) (any, *RPCError) {
	var params callToolParams
	if len(raw) == 0 {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, &params); err != nil || params.Name == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "params must include a tool name"}
	}

	tool, err := s.registry.Resolve(params.Name)
	if err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	ctx = tools.WithSessionID(ctx, sessionID)
	res := s.invoker.Invoke(ctx, tool, tools.Call{ID: string(id), Name: params.Name, Arguments: params.Arguments}, 0)
	return callToolResult{
		Content: []ContentBlock{{Type: "text", Text: res.Content}},
		IsError: res.IsError,
	}, nil
}

func errorResponse(id json.RawMessage, code int, msg string) *outbound {
	if len(id) == 0 {
		id = nullID
	}
	return &outbound{JSONRPC: jsonrpcVersion, ID: id, Error: &RPCError{Code: code, Message: msg}}
}

// ServeHTTP implements the streamable HTTP transport for POST requests.
// A successful initialize assigns a session id, returned in the
// Mcp-Session-Id header; later requests carry it back and it becomes
// the session id of their tool calls.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		s.endSession(r.Header.Get(SessionHeader))
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if isInitialize(body) {
		sessionID = s.newSession()
		w.Header().Set(SessionHeader, sessionID)
	} else if sessionID != "" && !s.knownSession(sessionID) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if sessionID == "" {
		sessionID = DefaultSessionID
	}

	resp := s.Handle(r.Context(), sessionID, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		s.logger.Debug("failed to write MCP response", "error", err)
	}
}

func isInitialize(body []byte) bool {
	var probe struct {
		Method string `json:"method"`
	}
	return json.Unmarshal(body, &probe) == nil && probe.Method == "initialize"
}

func (s *Server) newSession() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = true
	s.mu.Unlock()
	return id
}

func (s *Server) knownSession(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Server) endSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// ServeStdio answers newline-delimited JSON-RPC messages read from r
// until r is exhausted or ctx ends. All calls share sessionID.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer, sessionID string) error {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	bw := bufio.NewWriter(w)

	lines := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	s.logger.Info("serving MCP over stdio", "session_id", sessionID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					return err
				default:
					return nil
				}
			}
			resp := s.Handle(ctx, sessionID, line)
			if resp == nil {
				continue
			}
			if _, err := bw.Write(append(resp, '\n')); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("flush response: %w", err)
			}
		}
	}
}
