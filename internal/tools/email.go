package tools

import (
	"regexp"
	"strings"
)

// Speech-to-text renders addresses as words ("vik at example dot com").
// One normalization policy applies everywhere: lowercase, collapse internal
// whitespace, rewrite the spoken tokens "at" and "dot", then strip stray
// edge punctuation. Normalization always runs before shape validation.
var (
	spokenAtRe  = regexp.MustCompile(`\s+at\s+`)
	spokenDotRe = regexp.MustCompile(`\s+dot\s+`)
	emailRe     = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9\-]+(\.[a-z0-9\-]+)*\.[a-z]{2,}$`)
)

// NormalizeSpokenEmail converts a spoken-form email transcript into a
// machine-usable address.
func NormalizeSpokenEmail(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Join(strings.Fields(s), " ")
	s = spokenAtRe.ReplaceAllString(s, "@")
	s = spokenDotRe.ReplaceAllString(s, ".")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.Trim(s, ".,;:!?'\"")
	return s
}

// ValidEmail reports whether a normalized address has the expected
// local@domain.tld shape.
func ValidEmail(s string) bool {
	return emailRe.MatchString(s)
}
