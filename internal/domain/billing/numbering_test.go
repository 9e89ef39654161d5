package billing

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFormatNumber(t *testing.T) {
	jan := time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC)
	if got := FormatNumber("OP", jan, 7); got != "OP2601-0007" {
		t.Errorf("FormatNumber = %q, want OP2601-0007", got)
	}
	dec := time.Date(2025, time.December, 31, 23, 59, 0, 0, time.UTC)
	if got := FormatNumber("SR", dec, 1234); got != "SR2512-1234" {
		t.Errorf("FormatNumber = %q, want SR2512-1234", got)
	}
}

func TestNextSequence(t *testing.T) {
	tests := []struct {
		latest  string
		want    int
		wantErr bool
	}{
		{"", 1, false},
		{"OP2601-0001", 2, false},
		{"OP2601-0099", 100, false},
		{"OP2601-9999", 10000, false},
		{"OP2601", 0, true},
		{"OP2601-", 0, true},
		{"OP2601-abcd", 0, true},
	}
	for _, tt := range tests {
		got, err := NextSequence(tt.latest)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NextSequence(%q) expected error, got %d", tt.latest, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NextSequence(%q) unexpected error: %v", tt.latest, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NextSequence(%q) = %d, want %d", tt.latest, got, tt.want)
		}
	}
}

func TestNextNumberSequential(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	latest := func(ctx context.Context, pattern string) (string, error) {
		if pattern != "OP2603-%" {
			t.Errorf("pattern = %q, want OP2603-%%", pattern)
		}
		return "OP2603-0041", nil
	}

	got := nextNumber(context.Background(), latest, "OP", now, zerolog.Nop())
	if got != "OP2603-0042" {
		t.Errorf("nextNumber = %q, want OP2603-0042", got)
	}
}

func TestNextNumberFirstOfMonth(t *testing.T) {
	now := time.Date(2026, time.March, 1, 0, 1, 0, 0, time.UTC)
	latest := func(ctx context.Context, pattern string) (string, error) {
		return "", nil
	}

	got := nextNumber(context.Background(), latest, "OP", now, zerolog.Nop())
	if got != "OP2603-0001" {
		t.Errorf("nextNumber = %q, want OP2603-0001", got)
	}
}

func TestNextNumberFallsBackOnLookupError(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	latest := func(ctx context.Context, pattern string) (string, error) {
		return "", fmt.Errorf("connection refused")
	}

	got := nextNumber(context.Background(), latest, "OP", now, zerolog.Nop())
	if !strings.HasPrefix(got, "OP2603-") {
		t.Fatalf("fallback number %q should keep the OP2603- prefix", got)
	}
	suffix := strings.TrimPrefix(got, "OP2603-")
	if len(suffix) != 4 {
		t.Errorf("fallback suffix %q should be four digits", suffix)
	}
}

func TestNextNumberFallsBackOnUnparsableLatest(t *testing.T) {
	now := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	latest := func(ctx context.Context, pattern string) (string, error) {
		return "garbage", nil
	}

	got := nextNumber(context.Background(), latest, "SR", now, zerolog.Nop())
	if !strings.HasPrefix(got, "SR2603-") || len(got) != len("SR2603-0000") {
		t.Errorf("fallback number %q should match the SR2603-NNNN shape", got)
	}
}
