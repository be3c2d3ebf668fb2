package correlator

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// stopwords are dropped during tokenization so boilerplate connectives do
// not dominate shingle overlap.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"this": {}, "to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

// boilerplatePrefixes are stripped from the head of normalized text. Feed
// and review sources prepend these routinely.
var boilerplatePrefixes = []string{
	"breaking:", "update:", "sponsored:", "ad:", "press release:",
}

var folder = cases.Fold()

// Normalize canonicalizes payload text: NFKC normalization, Unicode case
// folding, boilerplate prefix stripping, and whitespace collapsing. Two
// payloads that differ only in casing, composition, or spacing normalize to
// the same string, which is what makes SignalID deterministic.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)
	s = strings.TrimSpace(s)

	for _, prefix := range boilerplatePrefixes {
		if strings.HasPrefix(s, prefix) {
			s = strings.TrimSpace(strings.TrimPrefix(s, prefix))
		}
	}

	return strings.Join(strings.Fields(s), " ")
}

// Tokens splits normalized text into content tokens: punctuation trimmed,
// stopwords and empty tokens dropped.
func Tokens(normalized string) []string {
	fields := strings.Fields(normalized)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f == "" {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
