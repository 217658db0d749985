package search

import (
	"strings"
	"unicode"
)

// Stop words ignored when checking for verbatim matches
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true, "what": true, "how": true, "or": true,
}

// keywords splits text into lowercased words without surrounding
// punctuation and drops stop words.
func keywords(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, word := range words {
		cleaned := strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
		if cleaned != "" && !stopWords[cleaned] {
			out = append(out, cleaned)
		}
	}
	return out
}

// verbatimMatcher reports whether a text contains every keyword of a query.
type verbatimMatcher []string

func newVerbatimMatcher(query string) verbatimMatcher {
	return verbatimMatcher(keywords(query))
}

func (m verbatimMatcher) match(text string) bool {
	if len(m) == 0 {
		return false
	}
	words := make(map[string]bool)
	for _, w := range keywords(text) {
		words[w] = true
	}
	for _, w := range m {
		if !words[w] {
			return false
		}
	}
	return true
}
