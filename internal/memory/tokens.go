package memory

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

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

// perMessageOverhead approximates the role and separator tokens chat
// APIs add around every message.
const perMessageOverhead = 4

// CountTokens approximates the prompt size of msgs using the cl100k
// encoding. Exact counts differ per provider; this is for reporting
// window usage, not for billing.
func CountTokens(msgs []Message) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, fmt.Errorf("load tokenizer: %w", err)
	}

	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		ids, _, _ := c.Encode(m.Content)
		total += len(ids)
		for _, tc := range m.ToolCalls {
			ids, _, _ := c.Encode(tc.Name)
			total += len(ids)
			if len(tc.Arguments) > 0 {
				args, _ := json.Marshal(tc.Arguments)
				ids, _, _ = c.Encode(string(args))
				total += len(ids)
			}
		}
	}
	return total, nil
}
