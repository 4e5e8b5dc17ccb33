package terms

import (
	"strings"
	"testing"
)

func TestParseMarkdown(t *testing.T) {
	doc := `Intro before any heading.

# Policy

Top level text.

## Changes

### Fees
Economy pays $50.

` + "```" + `
# not a heading
` + "```" + `

## Refunds
Within 7 days.
`
	chunks := parseMarkdown(strings.NewReader(doc))

	want := []struct{ key, section string }{
		{"preamble", ""},
		{"policy", "Policy"},
		{"changes/fees", "Fees"},
		{"policy/refunds", "Refunds"},
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	for i, w := range want {
		if chunks[i].Key != w.key || chunks[i].Section != w.section {
			t.Errorf("chunk %d = %q/%q, want %q/%q", i, chunks[i].Key, chunks[i].Section, w.key, w.section)
		}
	}
	if !strings.Contains(chunks[2].Content, "# not a heading") {
		t.Errorf("code block lost: %q", chunks[2].Content)
	}
}

func TestParseMarkdown_DefaultDocument(t *testing.T) {
	chunks := parseMarkdown(strings.NewReader(DefaultDocument()))
	if len(chunks) != 13 {
		t.Fatalf("got %d chunks, want 13", len(chunks))
	}
	found := false
	for _, c := range chunks {
		if c.Key == "cancelling-a-booking/cancellation-fees" {
			found = true
		}
		if c.Content == "" {
			t.Errorf("empty chunk %q", c.Key)
		}
	}
	if !found {
		t.Error("cancellation fees section missing")
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Change fees":        "change-fees",
		"  Carry-on  ":       "carry-on",
		"Delays & Refunds!!": "delays-refunds",
	}
	for in, want := range tests {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitChunks_GroupsParagraphs(t *testing.T) {
	in := []Chunk{
		{Key: "short", Section: "Short", Content: "one two"},
		{Key: "long", Section: "Long", Content: "one two three four five\n\nsix seven eight nine ten\n\nred green blue black white"},
	}
	out, err := splitChunks(in, 12)
	if err != nil {
		t.Fatalf("splitChunks: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d chunks: %+v", len(out), out)
	}
	if out[0].Key != "short" {
		t.Errorf("short chunk key = %q", out[0].Key)
	}
	if out[1].Key != "long#1" || out[1].Content != "one two three four five\n\nsix seven eight nine ten" {
		t.Errorf("part 1 = %+v", out[1])
	}
	if out[2].Key != "long#2" || out[2].Section != "Long" || out[2].Content != "red green blue black white" {
		t.Errorf("part 2 = %+v", out[2])
	}
}

func TestSplitChunks_HardSplitsLongParagraph(t *testing.T) {
	words := make([]string, 60)
	for i := range words {
		words[i] = "fare"
	}
	words[0], words[59] = "start", "finish"
	in := []Chunk{{Key: "k", Section: "S", Content: strings.Join(words, " ")}}

	out, err := splitChunks(in, 10)
	if err != nil {
		t.Fatalf("splitChunks: %v", err)
	}
	if len(out) < 5 {
		t.Fatalf("got %d parts, want at least 5", len(out))
	}
	if !strings.HasPrefix(out[0].Content, "start") || !strings.HasSuffix(out[len(out)-1].Content, "finish") {
		t.Errorf("parts lost text: first %q last %q", out[0].Content, out[len(out)-1].Content)
	}
}

func TestSplitChunks_ZeroLimitKeepsChunks(t *testing.T) {
	in := []Chunk{{Key: "k", Content: strings.Repeat("word ", 500)}}
	out, err := splitChunks(in, 0)
	if err != nil || len(out) != 1 {
		t.Errorf("splitChunks(0) = %d chunks, %v", len(out), err)
	}
}
