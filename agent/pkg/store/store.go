// Package store holds helpers shared by the workflow store implementations.
package store

import (
	"errors"
	"strings"
	"time"
	"unicode"
)

// ErrStaleStep is returned by Save when a checkpoint's step is not after the
// thread's latest step.
var ErrStaleStep = errors.New("checkpoint step is not after the latest step")

// ErrContextNotFound is returned when deleting an unknown context library entry.
var ErrContextNotFound = errors.New("context not found")

// DefaultStaleAfter is how long an incomplete thread must go without a new
// checkpoint before another process may claim it.
const DefaultStaleAfter = 2 * time.Minute

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "by": true, "for": true, "from": true,
	"how": true, "in": true, "is": true, "many": true, "of": true, "on": true, "or": true,
	"the": true, "to": true, "was": true, "were": true, "what": true, "which": true, "with": true,
}

// Words returns the distinct lowercase words of text, without stop words.
func Words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	seen := map[string]bool{}
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
