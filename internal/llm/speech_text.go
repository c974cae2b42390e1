package llm

import (
	"regexp"
	"strings"
	"unicode"
)

// Markup that reads badly aloud, in the order it is removed.
var speechRewrites = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`([^`]*)`"), "$1"},
	{regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`), " "},
	{regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
	{regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`), ""},
}

var speechSymbols = strings.NewReplacer(
	"*", " ", "_", " ", "\\", " ", "|", " ", "#", " ", "~", " ", "<", " ", ">", " ",
	"&", " and ", "%", " percent",
)

// SanitizeForSpeech strips markdown, links and symbols from model output
// and folds whitespace so the text can be read by a voice.
func SanitizeForSpeech(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, r := range speechRewrites {
		raw = r.re.ReplaceAllString(raw, r.with)
	}
	raw = speechSymbols.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), unicode.Is(unicode.Variation_Selector, r), r == '\u200d', r == '\u20e3':
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// emoji and math symbols
		case speakablePunct(r) || !unicode.IsPunct(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func speakablePunct(r rune) bool {
	return strings.ContainsRune(".,!?:;'\"-()/", r)
}
