package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"kirinuki-pipeline/internal/domain/ports/adapter"
)

const fallbackEncoding = "cl100k_base"

// TokenCounter counts tokens with the model's BPE encoding. When no
// encoding can be loaded it estimates four bytes per token.
type TokenCounter struct {
	model string
	once  sync.Once
	enc   *tiktoken.Tiktoken
}

func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (c *TokenCounter) encoding() *tiktoken.Tiktoken {
	c.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(c.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding(fallbackEncoding)
		}
		if err == nil {
			c.enc = enc
		}
	})
	return c.enc
}

func (c *TokenCounter) CountText(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// CountMessages adds the per-message framing overhead of chat formats.
func (c *TokenCounter) CountMessages(msgs []adapter.Message) int {
	n := 3
	for _, m := range msgs {
		n += 4 + c.CountText(m.Role) + c.CountText(m.Content)
	}
	return n
}

func estimateTokens(text string) int { return (len(text) + 3) / 4 }
