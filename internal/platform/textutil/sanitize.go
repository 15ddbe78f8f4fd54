package textutil

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	notePolicyOnce sync.Once
	notePolicy     *bluemonday.Policy
)

// SanitizeNote strips all HTML from free-form customer text such as order
// notes and collapses surrounding whitespace. The result is safe to persist
// and echo back in API responses.
func SanitizeNote(value string) string {
	notePolicyOnce.Do(func() {
		notePolicy = bluemonday.StrictPolicy()
	})
	return strings.TrimSpace(notePolicy.Sanitize(value))
}
