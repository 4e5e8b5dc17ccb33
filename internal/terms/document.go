package terms

import (
	"bufio"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Chunk is one retrievable passage of a terms document.
type Chunk struct {
	Key     string // slug path of the enclosing headings, e.g. "changing-a-booking/change-fees"
	Section string // nearest heading text
	Content string
}

var (
	h1Pattern   = regexp.MustCompile(`^#\s+(.+)$`)
	h2Pattern   = regexp.MustCompile(`^##\s+(.+)$`)
	h3Pattern   = regexp.MustCompile(`^###\s+(.+)$`)
	codeFence   = regexp.MustCompile("^```")
	slugPattern = regexp.MustCompile(`[^a-z0-9]+`)
)

// parseMarkdown splits markdown into one chunk per heading section.
// Text before the first heading is keyed "preamble".
func parseMarkdown(r io.Reader) []Chunk {
	var chunks []Chunk
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var h1, h2, section string
	key := "preamble"
	var content strings.Builder
	inCode := false

	flush := func() {
		text := strings.TrimSpace(content.String())
		if text != "" {
			chunks = append(chunks, Chunk{Key: key, Section: section, Content: text})
		}
		content.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()

		if codeFence.MatchString(line) {
			inCode = !inCode
			content.WriteString(line + "\n")
			continue
		}
		if inCode {
			content.WriteString(line + "\n")
			continue
		}

		switch {
		case h1Pattern.MatchString(line):
			flush()
			h1 = h1Pattern.FindStringSubmatch(line)[1]
			h2 = ""
			section = h1
			key = slugify(h1)
		case h2Pattern.MatchString(line):
			flush()
			h2 = h2Pattern.FindStringSubmatch(line)[1]
			section = h2
			key = joinKey(h1, h2)
		case h3Pattern.MatchString(line):
			flush()
			h3 := h3Pattern.FindStringSubmatch(line)[1]
			section = h3
			key = joinKey(h2, h3)
			if h2 == "" {
				key = joinKey(h1, h3)
			}
		default:
			if line != "" || content.Len() > 0 {
				content.WriteString(line + "\n")
			}
		}
	}
	flush()
	return chunks
}

func joinKey(parent, child string) string {
	if parent == "" {
		return slugify(child)
	}
	return slugify(parent) + "/" + slugify(child)
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = slugPattern.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// splitChunks breaks any chunk longer than maxTokens into parts of at
// most maxTokens cl100k tokens. Paragraphs are kept whole when they fit.
// Parts share the parent's Section and get a "#n" key suffix.
func splitChunks(chunks []Chunk, maxTokens int) ([]Chunk, error) {
	if maxTokens <= 0 {
		return chunks, nil
	}
	c, err := getCodec()
	if err != nil {
		return nil, err
	}
	count := func(s string) int {
		ids, _, _ := c.Encode(s)
		return len(ids)
	}

	var out []Chunk
	for _, ch := range chunks {
		if count(ch.Content) <= maxTokens {
			out = append(out, ch)
			continue
		}

		var parts []string
		var cur strings.Builder
		curTokens := 0
		emit := func() {
			if cur.Len() > 0 {
				parts = append(parts, strings.TrimSpace(cur.String()))
				cur.Reset()
				curTokens = 0
			}
		}
		for _, para := range strings.Split(ch.Content, "\n\n") {
			para = strings.TrimSpace(para)
			if para == "" {
				continue
			}
			n := count(para)
			if n > maxTokens {
				emit()
				hard, err := splitTokens(c, para, maxTokens)
				if err != nil {
					return nil, err
				}
				parts = append(parts, hard...)
				continue
			}
			if curTokens+n > maxTokens {
				emit()
			}
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(para)
			curTokens += n
		}
		emit()

		for i, p := range parts {
			out = append(out, Chunk{
				Key:     ch.Key + "#" + strconv.Itoa(i+1),
				Section: ch.Section,
				Content: p,
			})
		}
	}
	return out, nil
}

func splitTokens(c tokenizer.Codec, text string, maxTokens int) ([]string, error) {
	ids, _, err := c.Encode(text)
	if err != nil {
		return nil, err
	}
	var parts []string
	for start := 0; start < len(ids); start += maxTokens {
		end := min(start+maxTokens, len(ids))
		s, err := c.Decode(ids[start:end])
		if err != nil {
			return nil, err
		}
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return parts, nil
}
