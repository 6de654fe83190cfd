package policy

import (
	"regexp"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretLike   = regexp.MustCompile(`(?i)\b(sk-[a-z0-9_\-]{8,}|bearer\s+[a-z0-9._\-]{8,})`)
)

// LogPreview prepares user or model text for log lines: common PII and
// credential shapes are masked and the result is cut to maxRunes.
func LogPreview(input string, maxRunes int) string {
	out := emailPattern.ReplaceAllString(input, "[email]")
	// Cards before phones so long digit runs are not classified as phone numbers.
	out = cardPattern.ReplaceAllString(out, "[card]")
	out = phonePattern.ReplaceAllString(out, "[phone]")
	out = secretLike.ReplaceAllString(out, "[secret]")

	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	n := 0
	for i := range out {
		if n == maxRunes {
			return out[:i] + "…"
		}
		n++
	}
	return out
}
