package activation

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, folds accents, strips punctuation and collapses
// whitespace. "!Bot, Olá" becomes "bot ola".
func Normalize(s string) string {
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return ' '
			}
			return unicode.ToLower(r)
		}),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.Fields(out), " ")
}

// HasLeadingToken reports whether normalized text starts with the normalized
// token as a whole word.
func HasLeadingToken(text, token string) bool {
	nt := Normalize(token)
	if nt == "" {
		return false
	}
	n := Normalize(text)
	return n == nt || strings.HasPrefix(n, nt+" ")
}
