package service

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// control characters except \n and \t
	ctrlChars = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")
	// runs of two or more spaces/tabs
	hspaceRuns = regexp.MustCompile("[ \t]{2,}")
	// spaces or tabs hugging a newline
	nlPadding = regexp.MustCompile("[ \t]*\n[ \t]*")
	// three or more consecutive newlines
	nlRuns = regexp.MustCompile("\n{3,}")
)

// NormalizeText canonicalizes extracted text: line endings become \n, control
// characters are stripped (newlines and tabs survive), horizontal whitespace
// runs collapse to a single space, blank-line runs collapse to one blank line,
// and the ends are trimmed. The function is idempotent.
func NormalizeText(input string) string {
	s := strings.ReplaceAll(input, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = ctrlChars.ReplaceAllString(s, "")
	s = hspaceRuns.ReplaceAllString(s, " ")
	s = nlPadding.ReplaceAllString(s, "\n")
	s = nlRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// WordCount counts whitespace-delimited non-empty tokens.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

// CharCount counts runes, not bytes.
func CharCount(s string) int {
	return utf8.RuneCountInString(s)
}
