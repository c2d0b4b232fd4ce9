package main

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// normalizeName canonicalizes free-text input for display names and
// submitted identities: surrounding whitespace is dropped, runs of
// whitespace collapse to single spaces, and each word is title-cased.
// "  john q public " becomes "John Q Public". An empty result is a
// validation failure at the caller.
func normalizeName(raw string) string {
	words := strings.Fields(strings.ToLower(raw))

	for i, word := range words {
		first, size := utf8.DecodeRuneInString(word)
		if first == utf8.RuneError {
			continue
		}
		words[i] = string(unicode.ToUpper(first)) + word[size:]
	}

	return strings.Join(words, " ")
}

// sameName reports whether two names are equal ignoring case.
// Duplicate detection always compares normalized forms.
func sameName(a, b string) bool {
	return strings.EqualFold(a, b)
}
