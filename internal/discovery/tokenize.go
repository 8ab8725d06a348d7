// Package discovery mines note snapshots for phrases statistically
// associated with account closure. Every candidate phrase gets a two-sided
// significance test and the whole batch passes through Benjamini-Hochberg
// correction before anything becomes a card.
package discovery

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var lowerCaser = cases.Lower(language.Und)

// Phrases returns the distinct word n-grams of length 1..maxN in the text.
// Text is case-folded and punctuation is treated as whitespace, so
// "Payoff!" and "payoff ." produce the same unigram.
func Phrases(text string, maxN int) []string {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for n := 1; n <= maxN; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			phrase := strings.Join(tokens[i:i+n], " ")
			if _, ok := seen[phrase]; ok {
				continue
			}
			seen[phrase] = struct{}{}
			out = append(out, phrase)
		}
	}
	return out
}

func tokenize(text string) []string {
	folded := lowerCaser.String(text)
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, folded)
	return strings.Fields(cleaned)
}
