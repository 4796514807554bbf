package bm25

import (
	"strings"
	"unicode"
)

// Token is a case-folded term with the byte offset of its origin.
type Token struct {
	Term   string
	Offset int32
}

// Tokenize splits text on word boundaries (letter/digit runs) and folds
// case. Offsets refer to byte positions in the original text.
func Tokenize(text string) []Token {
	var tokens []Token
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, Token{Term: strings.ToLower(text[start:i]), Offset: int32(start)})
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, Token{Term: strings.ToLower(text[start:]), Offset: int32(start)})
	}
	return tokens
}

// Terms returns just the folded terms of Tokenize(text).
func Terms(text string) []string {
	tokens := Tokenize(text)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}
