// Package normalize produces the canonical room alias used for voice matching.
//
// A spoken room name arrives with arbitrary casing, accents, punctuation, and
// spacing ("Wöhnz immer" vs. "Wohnzimmer"). [Alias] folds all of these away so
// that room lookup by voice works on a stable key.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldAccents decomposes to NFD, strips combining marks, and recomposes to
// NFC, turning "ö" into "o" and "é" into "e".
var foldAccents = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Alias returns the normalized alias for a room name: lowercased,
// accent-folded, with punctuation and whitespace removed. Only letters and
// digits survive.
//
//	Alias("Wohnzimmer")   == "wohnzimmer"
//	Alias("Wöhnz immer")  == "wohnzimmer"
//	Alias("Living-Room!") == "livingroom"
func Alias(name string) string {
	folded, _, err := transform.String(foldAccents, name)
	if err != nil {
		// Transform only fails on malformed UTF-8; fall back to the raw input.
		folded = name
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
