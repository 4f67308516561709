package numerator

import (
	"fmt"
	"regexp"
	"strconv"
)

const (
	// PadWidth is the minimum width of the sequence part. Larger values widen the field.
	PadWidth = 5

	// MaxPrefixLength bounds the prefix so it fits the storage column.
	MaxPrefixLength = 16

	MinYear = 1000
	MaxYear = 9999
)

var (
	prefixPattern = regexp.MustCompile(`^[A-Za-z]+$`)
	numberPattern = regexp.MustCompile(`^([A-Za-z]+)(\d{4})-(\d{5,})$`)
)

// Format builds an invoice number: PREFIX + YEAR + "-" + zero-padded sequence.
// Example: Format("FA", 2026, 6) == "FA2026-00006".
func Format(prefix string, year int, seq int64) string {
	return fmt.Sprintf("%s%04d-%0*d", prefix, year, PadWidth, seq)
}

// Parsed is the decomposition of a formatted invoice number.
type Parsed struct {
	Prefix   string
	Year     int
	Sequence int64
}

// Parse extracts prefix, year and sequence from a formatted number.
func Parse(number string) (Parsed, error) {
	m := numberPattern.FindStringSubmatch(number)
	if m == nil {
		return Parsed{}, fmt.Errorf("invalid invoice number %q", number)
	}

	year, err := strconv.Atoi(m[2])
	if err != nil {
		return Parsed{}, fmt.Errorf("parse year of %q: %w", number, err)
	}
	seq, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Parsed{}, fmt.Errorf("parse sequence of %q: %w", number, err)
	}

	return Parsed{Prefix: m[1], Year: year, Sequence: seq}, nil
}

// ValidatePrefix checks that prefix is 1..MaxPrefixLength ASCII letters.
func ValidatePrefix(prefix string) error {
	if len(prefix) == 0 || len(prefix) > MaxPrefixLength {
		return fmt.Errorf("prefix must be 1-%d characters, got %d", MaxPrefixLength, len(prefix))
	}
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("prefix %q must contain only latin letters", prefix)
	}
	return nil
}
