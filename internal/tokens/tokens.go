// Package tokens provides token counting for context-window accounting.
// Models with a tiktoken encoding get exact counts; everything else falls
// back to a fixed-ratio estimate.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const (
	// estimateCharsPerToken is the fallback ratio for models without a
	// local tokenizer.
	estimateCharsPerToken = 4

	// imageTokens is the flat per-image cost used in estimates.
	imageTokens = 1300

	// messageOverheadTokens accounts for role and framing tokens per message.
	messageOverheadTokens = 4
)

// Counter counts tokens for one model family.
type Counter struct {
	encoding *tiktoken.Tiktoken // nil → estimate
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.Mutex
)

// NewCounter returns a counter for the model. When no encoding is known for
// the model, cl100k_base is tried; if that also fails the counter estimates.
func NewCounter(model string) *Counter {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &Counter{encoding: enc}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	encodingCache[model] = enc
	return &Counter{encoding: enc}
}

// Count returns the token count for a text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.encoding == nil {
		return Estimate(text, 0)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessage counts a message's text plus per-message overhead and a flat
// cost per attached image.
func (c *Counter) CountMessage(text string, imageCount int) int {
	return c.Count(text) + messageOverheadTokens + imageCount*imageTokens
}

// Estimate is the deterministic fallback: ≈ chars/4 + images×1300.
func Estimate(text string, imageCount int) int {
	n := len(text) / estimateCharsPerToken
	if len(text) > 0 && n == 0 {
		n = 1
	}
	return n + imageCount*imageTokens
}
