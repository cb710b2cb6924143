package preprocess

import (
	"regexp"
	"strings"
)

var (
	bracketSpan   = regexp.MustCompile(`\[.*?\]`)
	urlSpan       = regexp.MustCompile(`https?://\S+|www\.\S+`)
	htmlTag       = regexp.MustCompile(`<.*?>+`)
	punctuation   = regexp.MustCompile("[!\"#$%&'()*+,\\-./:;<=>?@\\[\\\\\\]^_`{|}~]")
	digitWord     = regexp.MustCompile(`[\p{L}\p{N}\p{Mn}_]*\p{Nd}[\p{L}\p{N}\p{Mn}_]*`)
	whitespaceRun = regexp.MustCompile(`[\s\v\p{Z}\x{85}]+`)
)

// Normalize lower-cases a statement and strips brackets, links, markup,
// punctuation and digit-bearing words before collapsing whitespace. The
// transforms are order-sensitive and the result is stable under a second pass.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	text := strings.ToLower(raw)
	text = bracketSpan.ReplaceAllString(text, "")
	text = urlSpan.ReplaceAllString(text, "")
	text = htmlTag.ReplaceAllString(text, "")
	text = punctuation.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "\n", " ")
	text = digitWord.ReplaceAllString(text, "")
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
