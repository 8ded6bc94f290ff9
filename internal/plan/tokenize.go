package plan

import (
	"strings"
	"unicode"
)

// stopWords are dropped from goal text before hashing. They carry no
// structure and would make unrelated plans look alike.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "into": true,
	"is": true, "it": true, "its": true, "of": true, "on": true, "or": true,
	"that": true, "the": true, "then": true, "this": true, "to": true,
	"with": true, "all": true, "any": true, "our": true, "we": true,
	"please": true, "should": true, "must": true, "will": true,
}

// Keywords lowercases goal, splits it on anything that is not a letter or
// digit, drops stop words and one-character tokens, and strips common
// English suffixes. The result keeps first-occurrence order without duplicates.
func Keywords(goal string) []string {
	fields := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 || stopWords[f] {
			continue
		}
		f = stem(f)
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// stem trims a handful of inflections so "handling" and "handled" both
// become "handl".
func stem(w string) string {
	for _, suffix := range []string{"ing", "ed", "es", "s"} {
		if len(w) > len(suffix)+3 && strings.HasSuffix(w, suffix) {
			return w[:len(w)-len(suffix)]
		}
	}
	return w
}
