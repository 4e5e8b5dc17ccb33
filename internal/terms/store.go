// Package terms keeps the airline's terms of service searchable so the
// assistant can check a change or cancellation against them before
// acting.
package terms

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/nugget/funnair/internal/embeddings"
)

// DefaultSource names the built-in terms document.
const DefaultSource = "terms-of-service.md"

//go:embed terms-of-service.md
var defaultDocument string

// DefaultDocument returns the built-in Funnair terms of service.
func DefaultDocument() string { return defaultDocument }

// ErrEmptyQuery is returned by Search for a blank query.
var ErrEmptyQuery = errors.New("query is required")

// Config for a Store.
type Config struct {
	// Embedder is optional. Without one, or when embedding fails, Search
	// ranks by keyword overlap.
	Embedder       embeddings.Embedder
	MaxChunkTokens int
	Logger         *slog.Logger
}

// Match is a search hit.
type Match struct {
	Source  string  `json:"source"`
	Key     string  `json:"key"`
	Section string  `json:"section"`
	Content string  `json:"content"`
	Score   float32 `json:"score"`
}

type entry struct {
	source    string
	chunk     Chunk
	embedding []float32
}

// Store holds terms chunks in memory.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	entries []entry
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cfg: cfg, logger: logger.With("component", "terms")}
}

// Ingest parses markdown and replaces every chunk previously ingested
// from source. It returns the number of chunks stored.
func (s *Store) Ingest(ctx context.Context, source, markdown string) (int, error) {
	chunks, err := splitChunks(parseMarkdown(strings.NewReader(markdown)), s.cfg.MaxChunkTokens)
	if err != nil {
		return 0, fmt.Errorf("split %s: %w", source, err)
	}

	fresh := make([]entry, len(chunks))
	for i, ch := range chunks {
		fresh[i] = entry{source: source, chunk: ch}
	}

	if s.cfg.Embedder != nil && len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Section + ": " + ch.Content
		}
		vecs, err := s.cfg.Embedder.Embed(ctx, texts)
		if err != nil {
			s.logger.Warn("terms embedding failed, using keyword search",
				"source", source, "model", s.cfg.Embedder.Model(), "error", err)
		} else {
			for i := range fresh {
				fresh[i].embedding = vecs[i]
			}
		}
	}

	s.mu.Lock()
	kept := s.entries[:0:0]
	for _, e := range s.entries {
		if e.source != source {
			kept = append(kept, e)
		}
	}
	s.entries = append(kept, fresh...)
	s.mu.Unlock()

	s.logger.Info("terms ingested", "source", source, "chunks", len(fresh))
	return len(fresh), nil
}

// Len returns the number of stored chunks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Search returns up to k chunks most relevant to query, best first.
// Chunks with embeddings are ranked by cosine similarity to the query
// embedding; otherwise by the share of query words they contain.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Match, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = 1
	}

	s.mu.RLock()
	entries := make([]entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.RUnlock()
	if len(entries) == 0 {
		return nil, nil
	}

	if matches, ok := s.searchVectors(ctx, query, entries, k); ok {
		return matches, nil
	}
	return searchKeywords(query, entries, k), nil
}

func (s *Store) searchVectors(ctx context.Context, query string, entries []entry, k int) ([]Match, bool) {
	if s.cfg.Embedder == nil {
		return nil, false
	}
	vectors := make([][]float32, len(entries))
	for i, e := range entries {
		if e.embedding == nil {
			return nil, false
		}
		vectors[i] = e.embedding
	}

	vecs, err := s.cfg.Embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 {
		s.logger.Warn("query embedding failed, using keyword search", "error", err)
		return nil, false
	}

	idx := embeddings.TopK(vecs[0], vectors, k)
	out := make([]Match, 0, len(idx))
	for _, i := range idx {
		out = append(out, toMatch(entries[i], embeddings.CosineSimilarity(vecs[0], vectors[i])))
	}
	return out, true
}

func searchKeywords(query string, entries []entry, k int) []Match {
	words := tokenize(query)
	if len(words) == 0 {
		return nil
	}

	var out []Match
	for _, e := range entries {
		have := make(map[string]bool)
		for _, w := range tokenize(e.chunk.Section + " " + e.chunk.Content) {
			have[w] = true
		}
		hits := 0
		for _, w := range words {
			if have[w] {
				hits++
			}
		}
		if hits > 0 {
			out = append(out, toMatch(e, float32(hits)/float32(len(words))))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "be": true, "can": true,
	"do": true, "for": true, "i": true, "in": true, "is": true, "it": true,
	"my": true, "of": true, "on": true, "or": true, "the": true, "to": true,
	"what": true, "with": true,
}

// tokenize lower-cases text into distinct words, dropping stop words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func toMatch(e entry, score float32) Match {
	return Match{
		Source:  e.source,
		Key:     e.chunk.Key,
		Section: e.chunk.Section,
		Content: e.chunk.Content,
		Score:   score,
	}
}
