package stock

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var separatorPattern = regexp.MustCompile(`[\s,.:;/\\]+`)

// Fold lower-cases s and strips diacritics ("Álcool" -> "alcool").
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// NormalizeKey turns a product name into its lookup key:
// "Seringa 10ml" -> "seringa_10ml".
func NormalizeKey(s string) string {
	if s == "" {
		return ""
	}
	return strings.Trim(separatorPattern.ReplaceAllString(Fold(s), "_"), "_")
}
