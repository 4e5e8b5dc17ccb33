// Package tools defines the tools available to the agent: the registry
// that advertises them to the model and the invoker that executes the
// calls the model requests.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one tool call. The returned string is fed back to the
// model verbatim. Business failures the model should talk about belong
// in the string; a non-nil error marks the result as an error.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Property describes one argument in a tool's input schema.
type Property struct {
	Type        string              `json:"type,omitempty"`
	Description string              `json:"description,omitempty"`
	Enum        []any               `json:"enum,omitempty"`
	Format      string              `json:"format,omitempty"`
	Default     any                 `json:"default,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

// Schema describes a tool's accepted arguments as a JSON Schema
// object. Local tools build it from the typed fields. Schemas received
// from elsewhere (see SchemaFromMap) keep the original document, so
// every keyword is advertised and enforced even when the typed fields
// only summarize it.
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`

	raw map[string]any
}

// schemaFields is Schema without its methods, for encoding the typed
// fields.
type schemaFields Schema

// Map returns the schema as a generic JSON object, the shape LLM APIs
// and MCP expect for tool parameters.
func (s Schema) Map() map[string]any {
	if s.raw != nil {
		out, err := cloneJSON(s.raw)
		if err == nil {
			if _, ok := out["type"]; !ok {
				out["type"] = "object"
			}
			return out
		}
	}
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Properties == nil {
		s.Properties = map[string]Property{}
	}
	data, err := json.Marshal(schemaFields(s))
	if err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return out
}

// MarshalJSON encodes the advertised schema.
func (s Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}

// SchemaFromMap wraps a generic JSON Schema object, for example one
// received from an MCP server. The document is kept verbatim; Type,
// Properties and Required summarize it for registry checks.
func SchemaFromMap(m map[string]any) (Schema, error) {
	s := Schema{Type: "object", Properties: map[string]Property{}}
	if len(m) == 0 {
		return s, nil
	}
	raw, err := cloneJSON(m)
	if err != nil {
		return Schema{}, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if t, ok := raw["type"]; ok {
		ts, ok := t.(string)
		if !ok {
			return Schema{}, fmt.Errorf("%w: top-level type must be \"object\", got %v", ErrInvalidSchema, t)
		}
		s.Type = ts
	}
	if props, ok := raw["properties"].(map[string]any); ok {
		for name, p := range props {
			s.Properties[name] = summarizeProperty(p)
		}
	}
	if req, ok := raw["required"].([]any); ok {
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	s.raw = raw
	return s, nil
}

// summarizeProperty extracts the typed view of one property. Unions
// such as ["string","null"] leave Type empty.
func summarizeProperty(v any) Property {
	m, ok := v.(map[string]any)
	if !ok {
		return Property{}
	}
	var p Property
	p.Type, _ = m["type"].(string)
	p.Description, _ = m["description"].(string)
	p.Format, _ = m["format"].(string)
	p.Enum, _ = m["enum"].([]any)
	p.Default = m["default"]
	return p
}

// cloneJSON deep-copies a JSON object through an encode/decode round
// trip so callers cannot mutate a registered schema.
func cloneJSON(m map[string]any) (map[string]any, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Spec declares a callable capability.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
}

// Definition returns the spec in the OpenAI-style function format used
// by the llm package.
func (s Spec) Definition() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        s.Name,
			"description": s.Description,
			"parameters":  s.InputSchema.Map(),
		},
	}
}

// Tool is a registered spec together with its handler.
type Tool struct {
	Spec
	Handler Handler

	validator *jsonschema.Schema
}

// ValidateArguments checks args against the tool's input schema. Tools
// obtained from Registry.Resolve reuse the schema compiled at
// registration.
func (t *Tool) ValidateArguments(args map[string]any) error {
	if t.validator == nil {
		return ValidateArguments(t.InputSchema, args)
	}
	return validateWith(t.validator, args)
}

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the outcome of a tool call.
type Result struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Registry holds available tools. It is safe for concurrent use and is
// shared by every session in the process.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool and compiles its input schema. It fails with
// ErrDuplicateTool when the name is taken and with ErrInvalidSchema when
// the spec is malformed; in both cases the registry is left unchanged.
func (r *Registry) Register(spec Spec, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrInvalidSchema, spec.Name)
	}
	if err := spec.validate(); err != nil {
		return err
	}
	validator, err := compileSchema(spec.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[spec.Name]; exists {
		return &DuplicateToolError{ToolName: spec.Name}
	}
	if spec.InputSchema.Type == "" {
		spec.InputSchema.Type = "object"
	}
	r.tools[spec.Name] = &Tool{Spec: spec, Handler: handler, validator: validator}
	r.order = append(r.order, spec.Name)
	return nil
}

// Unregister removes a tool. It reports whether the tool was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Resolve returns the tool registered under name, or an
// *UnknownToolError.
func (r *Registry) Resolve(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{ToolName: name}
	}
	return t, nil
}

// List returns the registered specs in registration order.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec)
	}
	return specs
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (s Spec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: empty tool name", ErrInvalidSchema)
	}
	if s.InputSchema.Type != "" && s.InputSchema.Type != "object" {
		return fmt.Errorf("%w: tool %q: input schema type must be object, got %q",
			ErrInvalidSchema, s.Name, s.InputSchema.Type)
	}
	for _, req := range s.InputSchema.Required {
		if _, ok := s.InputSchema.Properties[req]; !ok {
			return fmt.Errorf("%w: tool %q: required property %q is not declared",
				ErrInvalidSchema, s.Name, req)
		}
	}
	return nil
}
