package textutil

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	slugStrip    = regexp.MustCompile(`[^\w\s-]`)
	slugCollapse = regexp.MustCompile(`[-\s]+`)
)

// Slugify lowercases a string, drops non-word characters and collapses
// whitespace/dashes into single dashes. Non-ASCII letters are dropped rather
// than transliterated, matching how card ids are derived from filenames.
func Slugify(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	s := slugStrip.ReplaceAllString(b.String(), "")
	s = strings.ToLower(strings.TrimSpace(s))
	return slugCollapse.ReplaceAllString(s, "-")
}

// SplitSentences splits text on terminal punctuation followed by whitespace.
// The punctuation stays attached to its sentence.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
			// End of sentence only if followed by whitespace or end of text
			if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					out = append(out, s)
				}
				cur.Reset()
				for i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
					i++
				}
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}

// TrimText truncates s to at most n runes, appending an ellipsis when cut.
func TrimText(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}

// CollapseWhitespace normalizes all runs of whitespace to single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
