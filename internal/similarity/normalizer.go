// Package similarity scores free-text concept descriptions against each
// other. The lexical half combines keyword overlap with edit-distance
// similarity; when the lexical signal lands in the ambiguous middle band a
// semantic judge refines the score.
package similarity

import (
	"strings"
	"unicode"
)

// Normalizer turns a raw concept description into comparison tokens.
// Locale-specific rules (accents, abbreviations, stop words) live in the
// implementation's data, not in the scorer.
type Normalizer interface {
	// Tokens returns the normalized, stop-word-stripped tokens of text.
	Tokens(text string) []string

	// Normalize returns the lowercased, accent-folded text with
	// punctuation collapsed to spaces, stop words retained.
	Normalize(text string) string
}

// DefaultStopWords is the stop-word set used when none is configured.
// Tuned for Spanish-language CFDI concept lines.
var DefaultStopWords = []string{
	"a", "al", "con", "de", "del", "el", "en", "la", "las", "los",
	"o", "para", "por", "que", "se", "sin", "su", "un", "una", "y",
	"the", "of", "and", "for",
}

var accentFolder = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
	"Á", "a", "É", "e", "Í", "i", "Ó", "o", "Ú", "u", "Ü", "u", "Ñ", "n",
)

// StandardNormalizer lowercases, folds accents, strips punctuation, and
// drops configured stop words.
type StandardNormalizer struct {
	stopWords map[string]bool
}

// NewStandardNormalizer builds a normalizer with the given stop-word set;
// nil selects DefaultStopWords.
func NewStandardNormalizer(stopWords []string) *StandardNormalizer {
	if stopWords == nil {
		stopWords = DefaultStopWords
	}
	set := make(map[string]bool, len(stopWords))
	for _, w := range stopWords {
		set[strings.ToLower(w)] = true
	}
	return &StandardNormalizer{stopWords: set}
}

// Normalize implements Normalizer.
func (n *StandardNormalizer) Normalize(text string) string {
	text = accentFolder.Replace(strings.ToLower(strings.TrimSpace(text)))
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokens implements Normalizer.
func (n *StandardNormalizer) Tokens(text string) []string {
	fields := strings.Fields(n.Normalize(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if n.stopWords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
