package dcp

import (
	"encoding/json"

	"github.com/pruneworks/dcp/message"
)

// TokenCounter approximates token counts by serialized byte length with a
// fixed bytes-per-token ratio. Pure and deterministic: the same input always
// yields the same count, regardless of session state.
type TokenCounter struct {
	BytesPerToken int
}

// NewTokenCounter returns a counter with the given ratio, or the default
// when ratio is not positive.
func NewTokenCounter(bytesPerToken int) TokenCounter {
	if bytesPerToken <= 0 {
		bytesPerToken = DefaultBytesPerToken
	}
	return TokenCounter{BytesPerToken: bytesPerToken}
}

// Text returns the token estimate for a string. Never negative; non-empty
// input counts as at least one token.
func (c TokenCounter) Text(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + c.BytesPerToken - 1) / c.BytesPerToken
}

// Value serializes a JSON-marshalable value canonically and estimates its
// tokens. Unmarshalable values count as zero.
func (c TokenCounter) Value(v any) int {
	if v == nil {
		return 0
	}
	if raw, ok := v.(json.RawMessage); ok {
		return c.Text(string(raw))
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return c.Text(string(data))
}

// MessageText sums the token estimates of a message's textual payload:
// text, reasoning, tool input and output, and file metadata parts.
func (c TokenCounter) MessageText(m *message.Message) int {
	total := 0
	for _, part := range m.Parts {
		switch p := part.(type) {
		case *message.TextPart:
			total += c.Text(p.Text)
		case *message.ReasoningPart:
			total += c.Text(p.Text)
		case *message.ToolPart:
			total += c.Text(string(p.State.Input))
			total += c.Text(p.State.Output)
		case *message.FilePart:
			total += c.Text(p.Filename) + c.Text(p.URL) + c.Text(p.MIME)
		}
	}
	return total
}
