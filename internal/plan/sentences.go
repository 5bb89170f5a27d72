package plan

import (
	"strings"
	"unicode"
)

// Common abbreviations that end with a period but do not end a sentence.
var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"st": true, "vs": true, "etc": true, "e.g": true, "i.e": true,
	"jr": true, "sr": true, "inc": true, "ltd": true, "no": true,
}

// SplitSentences segments prose into sentences. A sentence ends at '.', '!',
// '?', or ';' followed by whitespace, or at a blank line. Abbreviation
// periods are kept inside the sentence. Whitespace-only segments are
// dropped; surrounding whitespace is trimmed.
func SplitSentences(text string) []string {
	var out []string
	var cur strings.Builder

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur.WriteRune(r)

		switch r {
		case '.', '!', '?', ';':
			// Terminator must be followed by whitespace or end-of-text.
			if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
				continue
			}
			if r == '.' && isAbbreviation(cur.String()) {
				continue
			}
			flush()
		case '\n':
			// Blank line forces a break even without a terminator.
			if i+1 < len(runes) && runes[i+1] == '\n' {
				flush()
			}
		}
	}
	flush()
	return out
}

// isAbbreviation reports whether the sentence-so-far ends in a known
// abbreviation (the trailing period already written).
func isAbbreviation(s string) bool {
	s = strings.TrimRight(s, ".")
	idx := strings.LastIndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	last := strings.ToLower(s[idx+1:])
	return abbreviations[last]
}
