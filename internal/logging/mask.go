package logging

import (
	"regexp"
	"strings"
)

// Replacement for masked values.
const masked = "****"

// Keys whose values are masked by default.
var defaultMaskKeys = []string{"password", "secret", "token", "api_key", "auth", "key"}

// Replaces the right-hand side of key=value, key: value and "key value"
// occurrences when the key matches one of the configured names.
type masker struct {
	re *regexp.Regexp
}

// Compiles a masker for the given key names. Falls back to the default
// set when keys is empty.
func newMasker(keys []string) *masker {
	if len(keys) == 0 {
		keys = defaultMaskKeys
	}
	quoted := make([]string, len(keys))
	for i, k := range keys {
		quoted[i] = regexp.QuoteMeta(k)
	}

	// Key, one of "=", ":" or a space, optional surrounding spaces, then
	// the value token.
	pattern := `(?i)\b(` + strings.Join(quoted, "|") + `)([=: ]\s*)(\S+)`
	return &masker{re: regexp.MustCompile(pattern)}
}

// Returns s with every sensitive value replaced.
func (m *masker) apply(s string) string {
	return m.re.ReplaceAllString(s, "${1}${2}"+masked)
}
