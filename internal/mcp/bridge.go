package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/nugget/funnair/internal/events"
	"github.com/nugget/funnair/internal/tools"
)

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeConfig selects which of a server's tools are bridged. With an
// Include list only those tools are bridged; otherwise every tool not
// in Exclude is.
type BridgeConfig struct {
	Include []string
	Exclude []string
	Bus     *events.Bus
	Logger  *slog.Logger
}

// Bridge registers one MCP server's tools in a tool registry under
// namespaced names (see ToolName) and keeps them in sync on Refresh.
type Bridge struct {
	client   *Client
	registry *tools.Registry
	cfg      BridgeConfig
	logger   *slog.Logger

	mu    sync.Mutex
	names []string
}

// NewBridge creates a bridge. Nothing is registered until Sync.
func NewBridge(client *Client, registry *tools.Registry, cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:   client,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "mcp_bridge", "mcp_server", client.Name()),
	}
}

// Sync registers the server's current tool list, replacing whatever
// this bridge registered before. It returns the number of tools
// registered. Tools whose schema does not compile, or whose name
// collides with an existing tool, are skipped with a warning.
func (b *Bridge) Sync(ctx context.Context) (int, error) {
	defs, err := b.client.RefreshTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", b.client.Name(), err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range b.names {
		b.registry.Unregister(name)
	}
	b.names = b.names[:0]

	for _, td := range defs {
		if !b.wanted(td.Name) {
			continue
		}
		spec, err := specFor(b.client.Name(), td)
		if err != nil {
			b.logger.Warn("skipping MCP tool", "mcp_name", td.Name, "error", err)
			continue
		}
		if err := b.registry.Register(spec, proxy(b.client, td.Name)); err != nil {
			b.logger.Warn("skipping MCP tool", "mcp_name", td.Name, "error", err)
			continue
		}
		b.names = append(b.names, spec.Name)
		b.logger.Debug("bridged MCP tool", "mcp_name", td.Name, "name", spec.Name)
	}

	b.cfg.Bus.Emit(events.SourceMCP, events.KindServerConnected, map[string]any{
		"server": b.client.Name(),
		"tools":  len(b.names),
	})
	return len(b.names), nil
}

// Names returns the registry names this bridge currently owns.
func (b *Bridge) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.names)
}

func (b *Bridge) wanted(name string) bool {
	if len(b.cfg.Include) > 0 {
		return slices.Contains(b.cfg.Include, name)
	}
	return !slices.Contains(b.cfg.Exclude, name)
}

// specFor keeps the server's input schema verbatim so the model sees
// every keyword the server declared.
func specFor(server string, td ToolDefinition) (tools.Spec, error) {
	schema, err := tools.SchemaFromMap(td.InputSchema)
	if err != nil {
		return tools.Spec{}, err
	}
	return tools.Spec{
		Name:        ToolName(server, td.Name),
		Description: td.Description,
		InputSchema: schema,
	}, nil
}

// proxy forwards a call to the server under its original name.
func proxy(client *Client, mcpName string) tools.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		return client.CallTool(ctx, mcpName, args)
	}
}

// ToolName builds the registry name for a bridged tool:
// "mcp_<server>_<tool>", both parts lowercased with anything outside
// [a-z0-9_] replaced by underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

func sanitize(name string) string {
	s := sanitizeRe.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}
