package transcript

import (
	"strings"
	"unicode"
)

// Normalize lowercases text, strips punctuation and collapses whitespace.
func Normalize(text string) string {
	return strings.Join(Tokens(text), " ")
}

// Tokens splits text into lowercase word tokens, dropping punctuation.
// Apostrophes inside words are kept so "don't" stays one token.
func Tokens(text string) []string {
	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, strings.Trim(b.String(), "'"))
			b.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '\'' || r == '’':
			if b.Len() > 0 {
				b.WriteRune('\'')
			}
		default:
			flush()
		}
	}
	flush()

	out := tokens[:0]
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Similarity is the token overlap coefficient of two texts: the number of
// shared distinct tokens divided by the distinct-token count of the shorter
// text. Echo captures often lose words at either end, so the shorter side is
// the denominator. Returns 0 if either text has no tokens.
func Similarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	if len(tb) < len(ta) {
		ta, tb = tb, ta
	}
	shared := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(ta))
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokens(text) {
		set[t] = struct{}{}
	}
	return set
}

// WordCount counts word tokens.
func WordCount(text string) int {
	return len(Tokens(text))
}
