package identifier

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	minPrefixLength    = 2
	maxPrefixLength    = 4
	dateStampLayout    = "20060102"
	sequenceDigitCount = 4
	maxSequenceValue   = 9999
)

var (
	// ErrInvalidPrefix indicates the prefix is missing, too long, or not uppercase letters.
	ErrInvalidPrefix = errors.New("identifier: invalid prefix")
	// ErrInvalidCategory indicates the optional category code is malformed.
	ErrInvalidCategory = errors.New("identifier: invalid category")
	// ErrInvalidSequence indicates the sequence value is out of the representable range.
	ErrInvalidSequence = errors.New("identifier: invalid sequence")
	// ErrMalformedID indicates a string does not parse as a formatted identifier.
	ErrMalformedID = errors.New("identifier: malformed id")
)

// Prefix is a validated 2-4 character uppercase identifier family code.
type Prefix string

// NewPrefix validates raw input and returns a Prefix.
func NewPrefix(rawInput string) (Prefix, error) {
	trimmed := strings.TrimSpace(rawInput)
	if len(trimmed) < minPrefixLength || len(trimmed) > maxPrefixLength {
		return "", fmt.Errorf("%w: %q must be %d-%d characters", ErrInvalidPrefix, rawInput, minPrefixLength, maxPrefixLength)
	}
	for _, r := range trimmed {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q must be uppercase letters", ErrInvalidPrefix, rawInput)
		}
	}
	return Prefix(trimmed), nil
}

// String returns the underlying prefix code.
func (p Prefix) String() string {
	return string(p)
}

// Category is an optional validated uppercase alphanumeric category code.
type Category string

// NewCategory validates raw input and returns a Category. Empty input is the
// absent category.
func NewCategory(rawInput string) (Category, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", nil
	}
	if len(trimmed) > maxPrefixLength {
		return "", fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidCategory, rawInput, maxPrefixLength)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: %q must be uppercase alphanumeric", ErrInvalidCategory, rawInput)
		}
	}
	return Category(trimmed), nil
}

// String returns the underlying category code, empty when absent.
func (c Category) String() string {
	return string(c)
}

// Components is the decomposed form of a formatted identifier.
type Components struct {
	Prefix   Prefix
	Date     time.Time
	Category Category
	Sequence int64
}

// Format renders the canonical external identifier
// PREFIX-YYYYMMDD[-CATEGORY]-NNNN with the sequence zero-padded to 4 digits.
func Format(prefix Prefix, date time.Time, category Category, sequence int64) (string, error) {
	if _, err := NewPrefix(prefix.String()); err != nil {
		return "", err
	}
	if _, err := NewCategory(category.String()); err != nil {
		return "", err
	}
	if sequence < 1 || sequence > maxSequenceValue {
		return "", fmt.Errorf("%w: %d outside [1..%d]", ErrInvalidSequence, sequence, maxSequenceValue)
	}

	stamp := date.UTC().Format(dateStampLayout)
	if category == "" {
		return fmt.Sprintf("%s-%s-%0*d", prefix, stamp, sequenceDigitCount, sequence), nil
	}
	return fmt.Sprintf("%s-%s-%s-%0*d", prefix, stamp, category, sequenceDigitCount, sequence), nil
}

// Parse decomposes a formatted identifier. It is the left inverse of Format
// for all valid inputs and rejects malformed strings with ErrMalformedID.
func Parse(id string) (Components, error) {
	segments := strings.Split(id, "-")
	if len(segments) != 3 && len(segments) != 4 {
		return Components{}, fmt.Errorf("%w: %q has %d segments, want 3 or 4", ErrMalformedID, id, len(segments))
	}

	prefix, err := NewPrefix(segments[0])
	if err != nil {
		return Components{}, fmt.Errorf("%w: %q: %v", ErrMalformedID, id, err)
	}

	stamp := segments[1]
	if len(stamp) != len(dateStampLayout) {
		return Components{}, fmt.Errorf("%w: %q date stamp must be %d digits", ErrMalformedID, id, len(dateStampLayout))
	}
	date, err := time.ParseInLocation(dateStampLayout, stamp, time.UTC)
	if err != nil {
		return Components{}, fmt.Errorf("%w: %q has invalid date stamp %q", ErrMalformedID, id, stamp)
	}

	category := Category("")
	if len(segments) == 4 {
		category, err = NewCategory(segments[2])
		if err != nil || category == "" {
			return Components{}, fmt.Errorf("%w: %q has invalid category segment", ErrMalformedID, id)
		}
	}

	sequenceSegment := segments[len(segments)-1]
	if len(sequenceSegment) != sequenceDigitCount {
		return Components{}, fmt.Errorf("%w: %q sequence must be exactly %d digits", ErrMalformedID, id, sequenceDigitCount)
	}
	sequence, err := strconv.ParseInt(sequenceSegment, 10, 64)
	if err != nil || sequence < 1 {
		return Components{}, fmt.Errorf("%w: %q has invalid sequence segment %q", ErrMalformedID, id, sequenceSegment)
	}

	return Components{
		Prefix:   prefix,
		Date:     date,
		Category: category,
		Sequence: sequence,
	}, nil
}
