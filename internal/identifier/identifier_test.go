package identifier

import (
	"errors"
	"testing"
	"time"
)

func mustPrefix(t *testing.T, value string) Prefix {
	t.Helper()
	prefix, err := NewPrefix(value)
	if err != nil {
		t.Fatalf("unexpected prefix error: %v", err)
	}
	return prefix
}

func mustCategory(t *testing.T, value string) Category {
	t.Helper()
	category, err := NewCategory(value)
	if err != nil {
		t.Fatalf("unexpected category error: %v", err)
	}
	return category
}

func TestFormatPadsSequenceToFourDigits(t *testing.T) {
	date := time.Date(2026, time.March, 7, 15, 30, 0, 0, time.UTC)

	id, err := Format(mustPrefix(t, "LDR"), date, "", 1)
	if err != nil {
		t.Fatalf("unexpected format error: %v", err)
	}
	if id != "LDR-20260307-0001" {
		t.Fatalf("unexpected identifier: %s", id)
	}

	id, err = Format(mustPrefix(t, "LDR"), date, "", 123)
	if err != nil {
		t.Fatalf("unexpected format error: %v", err)
	}
	if id != "LDR-20260307-0123" {
		t.Fatalf("expected four digit padding, got %s", id)
	}
}

func TestFormatIncludesCategorySegment(t *testing.T) {
	date := time.Date(2026, time.January, 2, 0, 0, 0, 0, time.UTC)

	id, err := Format(mustPrefix(t, "NTC"), date, mustCategory(t, "LGL"), 42)
	if err != nil {
		t.Fatalf("unexpected format error: %v", err)
	}
	if id != "NTC-20260102-LGL-0042" {
		t.Fatalf("unexpected identifier: %s", id)
	}
}

func TestParseIsLeftInverseOfFormat(t *testing.T) {
	cases := []struct {
		prefix   string
		category string
		sequence int64
	}{
		{prefix: "LDR", category: "", sequence: 1},
		{prefix: "CS", category: "", sequence: 9999},
		{prefix: "NTC", category: "LGL", sequence: 77},
		{prefix: "DOCS", category: "A1", sequence: 450},
	}

	date := time.Date(2026, time.August, 31, 0, 0, 0, 0, time.UTC)
	for _, tc := range cases {
		id, err := Format(mustPrefix(t, tc.prefix), date, mustCategory(t, tc.category), tc.sequence)
		if err != nil {
			t.Fatalf("unexpected format error for %+v: %v", tc, err)
		}
		parsed, err := Parse(id)
		if err != nil {
			t.Fatalf("unexpected parse error for %s: %v", id, err)
		}
		if parsed.Prefix.String() != tc.prefix {
			t.Fatalf("prefix mismatch for %s: %s", id, parsed.Prefix)
		}
		if !parsed.Date.Equal(date) {
			t.Fatalf("date mismatch for %s: %v", id, parsed.Date)
		}
		if parsed.Category.String() != tc.category {
			t.Fatalf("category mismatch for %s: %s", id, parsed.Category)
		}
		if parsed.Sequence != tc.sequence {
			t.Fatalf("sequence mismatch for %s: %d", id, parsed.Sequence)
		}
	}
}

func TestParseRejectsMalformedIdentifiers(t *testing.T) {
	malformed := []string{
		"",
		"LDR",
		"LDR-20260307",
		"LDR-20260307-001",
		"LDR-20260307-00001",
		"LDR-2026037-0001",
		"LDR-20261399-0001",
		"ldr-20260307-0001",
		"L-20260307-0001",
		"LDR-20260307-ABCD",
		"LDR-20260307-LGL-XX-0001",
		"LDR-20260307--0001",
		"LDR-20260307-0000",
	}

	for _, id := range malformed {
		if _, err := Parse(id); !errors.Is(err, ErrMalformedID) {
			t.Fatalf("expected malformed error for %q, got %v", id, err)
		}
	}
}

func TestFormatRejectsOutOfRangeSequence(t *testing.T) {
	date := time.Date(2026, time.March, 7, 0, 0, 0, 0, time.UTC)

	if _, err := Format(mustPrefix(t, "LDR"), date, "", 0); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected sequence error for 0, got %v", err)
	}
	if _, err := Format(mustPrefix(t, "LDR"), date, "", 10000); !errors.Is(err, ErrInvalidSequence) {
		t.Fatalf("expected sequence error for 10000, got %v", err)
	}
}
