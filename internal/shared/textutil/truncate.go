package textutil

import (
	"strings"
	"unicode"
)

// TruncateChars hard-cuts s to at most limit runes.
func TruncateChars(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// sentence terminators recognized by CutAtSentence. Covers ASCII and the
// CJK full-width forms.
var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true,
}

// CutAtSentence cuts s to at most limit runes, preferring the last sentence
// boundary within the allowance. Falls back to a hard cut when the prefix
// contains no boundary.
func CutAtSentence(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	window := runes[:limit]
	for i := len(window) - 1; i >= 0; i-- {
		if !sentenceEnders[window[i]] {
			continue
		}
		// Skip decimal points and ellipsis runs ("3.14", "wait...").
		if window[i] == '.' {
			if i+1 < len(window) && window[i+1] == '.' {
				continue
			}
			if i > 0 && unicode.IsDigit(window[i-1]) && i+1 < len(window) && unicode.IsDigit(window[i+1]) {
				continue
			}
		}
		cut := strings.TrimRightFunc(string(window[:i+1]), unicode.IsSpace)
		if cut != "" {
			return cut
		}
	}
	return string(window)
}

// NormalizeSpace lowercases s and collapses all whitespace runs to single
// spaces. Used to de-duplicate near-identical revision suggestions.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
