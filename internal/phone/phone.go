// Package phone normalises Indonesian MSISDNs to the form the bot and
// the cache agree on: digits only, country prefix 62, no leading plus.
package phone

import (
	"strings"

	"github.com/northarch/geotrace/internal/models"
)

const (
	countryPrefix = "62"
	minDigits     = 10
	maxDigits     = 15
)

// Normalize strips non-digits, rewrites a leading "0" to "62" and
// validates length and prefix. Normalising an already-normalised number
// yields itself.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", models.NewQueryError(models.ErrInvalidPhone, "no digits in %q", raw)
	}

	if strings.HasPrefix(digits, "0") {
		digits = countryPrefix + digits[1:]
	}
	if !strings.HasPrefix(digits, countryPrefix) {
		return "", models.NewQueryError(models.ErrInvalidPhone, "number must start with %s or 0", countryPrefix)
	}
	if len(digits) < minDigits || len(digits) > maxDigits {
		return "", models.NewQueryError(models.ErrInvalidPhone, "number has %d digits, want %d..%d", len(digits), minDigits, maxDigits)
	}
	return digits, nil
}
