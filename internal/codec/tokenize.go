package codec

import (
	"encoding/json"
	"strings"
	"unicode"

	"spanlab/api/internal/annotation"
)

// Token is a run of text with rune offsets into its document.
type Token struct {
	Text  string
	Start int
	End   int
	// Break is set when a newline separates the token from the previous one.
	Break bool
}

// Scripts written without spaces between words are tokenized per character.
var charLanguages = map[string]bool{"zh": true, "ja": true, "th": true}

// LanguageOf reads the document language from ingestion metadata.
func LanguageOf(meta annotation.Metadata) string {
	for _, key := range []string{"language", "lang"} {
		raw, ok := meta[key]
		if !ok {
			continue
		}
		var lang string
		if err := json.Unmarshal(raw, &lang); err == nil {
			return normalizeLanguage(lang)
		}
	}
	return ""
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// Tokenize splits text on whitespace, or into single characters for
// languages written without word spacing.
func Tokenize(text, language string) []Token {
	perChar := charLanguages[normalizeLanguage(language)]
	var tokens []Token
	var cur []rune
	start := 0
	newline := false
	flush := func(end int) {
		if len(cur) == 0 {
			return
		}
		tokens = append(tokens, Token{Text: string(cur), Start: start, End: end, Break: newline && len(tokens) > 0})
		cur = cur[:0]
		newline = false
	}
	i := 0
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(i)
			if r == '\n' {
				newline = true
			}
		case perChar:
			flush(i)
			start = i
			cur = append(cur, r)
			flush(i + 1)
		default:
			if len(cur) == 0 {
				start = i
			}
			cur = append(cur, r)
		}
		i++
	}
	flush(i)
	return tokens
}
