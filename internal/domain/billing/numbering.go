package billing

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// maxNumberAttempts bounds the retry loop around bill-number allocation when
// an insert hits the unique index on the number column.
const maxNumberAttempts = 3

// dateCode returns the two-digit year plus two-digit month for t, e.g.
// "2601" for January 2026.
func dateCode(t time.Time) string {
	return t.Format("0601")
}

// FormatNumber builds a document number of the form {PREFIX}{YYMM}-{NNNN}.
func FormatNumber(prefix string, t time.Time, seq int) string {
	return fmt.Sprintf("%s%s-%04d", prefix, dateCode(t), seq)
}

// NextSequence parses the numeric suffix after the last '-' of an existing
// document number and returns it incremented by one. An empty latest number
// starts the sequence at 1.
func NextSequence(latest string) (int, error) {
	if latest == "" {
		return 1, nil
	}
	idx := strings.LastIndex(latest, "-")
	if idx < 0 || idx == len(latest)-1 {
		return 0, fmt.Errorf("malformed document number %q", latest)
	}
	seq, err := strconv.Atoi(latest[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("malformed document number %q: %w", latest, err)
	}
	return seq + 1, nil
}

// latestNumberFunc looks up the lexicographically greatest existing document
// number matching a LIKE pattern, returning "" when none exists.
type latestNumberFunc func(ctx context.Context, pattern string) (string, error)

// nextNumber allocates the next document number for prefix and the month of
// now. When the lookup fails the generator degrades to a randomized 4-digit
// suffix in the same format rather than blocking creation; the condition is
// logged at warn level.
func nextNumber(ctx context.Context, latest latestNumberFunc, prefix string, now time.Time, logger zerolog.Logger) string {
	pattern := prefix + dateCode(now) + "-%"

	current, err := latest(ctx, pattern)
	if err != nil {
		logger.Warn().Err(err).Str("prefix", prefix).
			Msg("number lookup failed, falling back to randomized suffix")
		return FormatNumber(prefix, now, rand.Intn(10000))
	}

	seq, err := NextSequence(current)
	if err != nil {
		logger.Warn().Err(err).Str("prefix", prefix).
			Msg("unparsable latest number, falling back to randomized suffix")
		return FormatNumber(prefix, now, rand.Intn(10000))
	}

	return FormatNumber(prefix, now, seq)
}
