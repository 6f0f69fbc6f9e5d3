package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DeriveSlug returns the URL slug for an impulse name: diacritics removed,
// lower-cased, every run of non-alphanumeric characters collapsed to a single
// '-', with no leading or trailing '-'. It is a pure function of name.
//
//	DeriveSlug("Test Hall")        // "test-hall"
//	DeriveSlug("  Kölner  Dom! ")  // "kolner-dom"
func DeriveSlug(name string) string {
	folded := FoldAccents(name)

	var b strings.Builder
	b.Grow(len(folded))
	pendingDash := false
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// FoldAccents strips diacritics from s ("Kölner" becomes "Kolner"). On a
// transform error s is returned unchanged.
func FoldAccents(s string) string {
	folded, _, err := transform.String(accentFolder(), s)
	if err != nil {
		return s
	}
	return folded
}

// accentFolder decomposes runes, drops combining marks and recomposes.
// transform.Chain is stateful, so a fresh one is built per call.
func accentFolder() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}
