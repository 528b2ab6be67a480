// Package tokencount estimates token usage for the usage blocks in client
// responses. The upstream protocol reports no counts, so a character-based
// heuristic (~4 chars per token for English) stands in; it is close enough
// for dashboards and can be swapped for a real tokenizer later.
package tokencount

import (
	"github.com/tidwall/gjson"

	gateway "github.com/cursorgate/cursorgate/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// EstimateRequest estimates the prompt token count for a message list,
// accounting for per-message role and formatting overhead.
func (c *Counter) EstimateRequest(messages []gateway.Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead
		total += estimateTokens(m.Role)
		total += estimateTokens(contentText(m.Content))
		if m.Name != "" {
			total += estimateTokens(m.Name) + 1 // name costs 1 extra token
		}
	}
	total += 3 // reply priming
	return max(total, 1)
}

// CountText estimates tokens for a plain text string.
func (c *Counter) CountText(text string) int {
	return max(estimateTokens(text), 1)
}

// contentText extracts the text portions of a message content value, which
// is either a JSON string or an array of typed parts.
func contentText(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	r := gjson.ParseBytes(raw)
	if r.Type == gjson.String {
		return r.String()
	}
	var total string
	r.ForEach(func(_, part gjson.Result) bool {
		if t := part.Get("text"); t.Exists() {
			total += t.String()
		}
		return true
	})
	return total
}

// estimateTokens uses the ~4 characters per token heuristic, ceil division.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// messageOverhead is the per-message token overhead of chat formatting.
const messageOverhead = 4
