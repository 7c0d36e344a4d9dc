package messages

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// ASCII control characters other than tab and newline.
	controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	extraBreaks  = regexp.MustCompile(`\n{3,}`)

	invisibleReplacer = strings.NewReplacer(
		"\u200b", "", // zero width space
		"\u2060", "", // word joiner
		"\ufeff", "", // byte order mark
		"\u00ad", "", // soft hyphen
		"\u202a", "", "\u202b", "", "\u202c", "", "\u202d", "", "\u202e", "",
		"\u2066", "", "\u2067", "", "\u2068", "", "\u2069", "",
		"\u2028", "\n", // line separator
		"\u2029", "\n\n", // paragraph separator
	)
)

// CleanText normalizes message text before it is stored: line endings become
// LF, invisible formatting and control characters are dropped, trailing
// spaces are trimmed per line and runs of blank lines collapse to one.
// Zero-width joiners are kept since emoji sequences depend on them.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = invisibleReplacer.Replace(s)
	s = controlChars.ReplaceAllString(s, "")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	s = extraBreaks.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}
