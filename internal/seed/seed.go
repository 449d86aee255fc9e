package seed

import (
	"errors"
	"fmt"
	"strings"
)

// MaxLength bounds supplied seeds; the rendering routes accept any
// alphanumeric value but file names should stay short.
const MaxLength = 64

var (
	ErrEmpty   = errors.New("seed: empty seed")
	ErrInvalid = errors.New("seed: invalid seed")
)

// Seed is an opaque identifier that selects one rendered asset. Generated
// seeds are 24-bit values rendered as 6 lowercase hex characters.
type Seed string

func (s Seed) String() string {
	return string(s)
}

// Parse trims and validates one seed. Only [a-zA-Z0-9] is accepted so a seed is
// always safe as both a URL path segment and a file name.
func Parse(raw string) (Seed, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", ErrEmpty
	}
	if len(v) > MaxLength {
		return "", fmt.Errorf("%w: %q longer than %d characters", ErrInvalid, v, MaxLength)
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		isLower := c >= 'a' && c <= 'z'
		isUpper := c >= 'A' && c <= 'Z'
		isDigit := c >= '0' && c <= '9'
		if !(isLower || isUpper || isDigit) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalid, v, c)
		}
	}
	return Seed(v), nil
}

// ParseList validates every entry, keeping order and duplicates. Blank
// entries are skipped.
func ParseList(raw []string) ([]Seed, error) {
	out := make([]Seed, 0, len(raw))
	for i, entry := range raw {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		s, err := Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("seeds[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}
