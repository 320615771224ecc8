package encoding

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold strips diacritics so that event names like "ProductoAñadido" become plain ASCII
// AMQP routing-key segments. Runes that cannot be folded are kept as they are.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return folded
}

// Segments splits a CamelCase / snake_case / dotted name into lowercase words
func Segments(name string) []string {
	src := []rune(Fold(strings.TrimSpace(name)))
	// a Caser holds state and cannot be shared between goroutines
	lower := cases.Lower(language.Und)

	var words []string
	var current []rune

	flush := func() {
		if len(current) > 0 {
			words = append(words, lower.String(string(current)))
			current = current[:0]
		}
	}

	for i, r := range src {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}

		if unicode.IsUpper(r) && len(current) > 0 {
			prev := src[i-1]
			nextIsLower := i+1 < len(src) && unicode.IsLower(src[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextIsLower) {
				flush()
			}
		}

		current = append(current, r)
	}
	flush()

	return words
}

// RoutingKey derives the topic routing key for an event type under a prefix,
// e.g. ("listas", "ListaCreada") -> "listas.lista.creada"
func RoutingKey(prefix, eventType string) string {
	parts := Segments(prefix)
	parts = append(parts, Segments(eventType)...)
	return strings.Join(parts, ".")
}
