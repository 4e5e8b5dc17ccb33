package terms

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/funnair/internal/tools"
)

// ToolName is the registered name of the terms search tool.
const ToolName = "searchTerms"

// NoMatchMessage is returned when nothing in the terms matches a query.
const NoMatchMessage = "No matching terms of service found."

// RegisterTool adds searchTerms to reg, returning up to topK passages
// per call.
func RegisterTool(reg *tools.Registry, store *Store, topK int) error {
	if topK <= 0 {
		topK = 3
	}
	spec := tools.Spec{
		Name:        ToolName,
		Description: "Search the Funnair terms of service. Use it to check whether a change or cancellation is permitted and what it costs.",
		InputSchema: tools.Schema{
			Type: "object",
			Properties: map[string]tools.Property{
				"query": {Type: "string", Description: "What to look up, for example \"cancellation fee economy\""},
			},
			Required: []string{"query"},
		},
	}
	handler := func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		matches, err := store.Search(ctx, query, topK)
		if err != nil {
			return "", err
		}
		return formatMatches(matches), nil
	}
	if err := reg.Register(spec, handler); err != nil {
		return fmt.Errorf("register %s: %w", ToolName, err)
	}
	return nil
}

func formatMatches(matches []Match) string {
	if len(matches) == 0 {
		return NoMatchMessage
	}
	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s]\n%s", m.Section, m.Content)
	}
	return b.String()
}
