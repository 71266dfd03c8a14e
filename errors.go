package dcp

import (
	"fmt"
	"strings"
)

// ValidationError aggregates every problem found in a compress or prune
// request. The message lists each issue on its own line so the model sees
// all of them at once. Validation failures never mutate session state.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Issues, "\n")
}

// add appends an issue.
func (e *ValidationError) add(format string, args ...any) {
	e.Issues = append(e.Issues, fmt.Sprintf(format, args...))
}

func (e *ValidationError) ok() bool {
	return len(e.Issues) == 0
}
