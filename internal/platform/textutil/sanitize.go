package textutil

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup and control characters from free text supplied
// by customers and truncates it to max runes. A max of zero disables truncation.
func SanitizeText(value string, max int) string {
	cleaned := html.UnescapeString(strictPolicy.Sanitize(value))
	cleaned = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return ' '
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if max > 0 && utf8.RuneCountInString(cleaned) > max {
		cleaned = string([]rune(cleaned)[:max])
	}
	return cleaned
}
