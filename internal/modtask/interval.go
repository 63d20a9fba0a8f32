package modtask

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// MinInterval is the shortest interval accepted from editors.
// The scheduler evaluates tasks once per tick, so anything below it is meaningless.
const MinInterval = time.Minute

var ErrInvalidInterval = errors.New("invalid interval")

var (
	unitRe   = regexp.MustCompile(`\D+`)
	amountRe = regexp.MustCompile(`\d+`)
)

var unitMillis = map[string]int64{
	"ms": 1,
	"s":  1000,
	"m":  60 * 1000,
	"h":  60 * 60 * 1000,
	"d":  24 * 60 * 60 * 1000,
	"w":  7 * 24 * 60 * 60 * 1000,
	"y":  365 * 24 * 60 * 60 * 1000,
}

// ParseInterval converts strings like "4h" or "30M" into a duration.
//
// The unit is the first run of non-digits and the amount the first run of digits.
// Whitespace is not trimmed, so " 4h" has the unknown unit " ".
// ok is false when either is missing, the unit is unknown or the result does
// not fit in a time.Duration.
func ParseInterval(s string) (d time.Duration, ok bool) {
	s = strings.ToLower(s)
	unit := unitRe.FindString(s)
	if unit == "" {
		return 0, false
	}
	mul, known := unitMillis[unit]
	if !known {
		return 0, false
	}
	raw := amountRe.FindString(s)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n > math.MaxInt64/(mul*int64(time.Millisecond)) {
		return 0, false
	}
	return time.Duration(n*mul) * time.Millisecond, true
}

// ValidateInterval is the editor-side check: parsable and at least MinInterval.
func ValidateInterval(s string) (time.Duration, error) {
	d, ok := ParseInterval(s)
	if !ok {
		return 0, ErrInvalidInterval
	}
	if d < MinInterval {
		return 0, errors.New("interval must be at least 1 minute")
	}
	return d, nil
}

var humanUnits = []struct {
	d    time.Duration
	name string
}{
	{365 * 24 * time.Hour, "year"},
	{7 * 24 * time.Hour, "week"},
	{24 * time.Hour, "day"},
	{time.Hour, "hour"},
	{time.Minute, "minute"},
	{time.Second, "second"},
	{time.Millisecond, "millisecond"},
}

// HumanizeInterval renders d with its largest whole unit ("4 hours", "1 week").
func HumanizeInterval(d time.Duration) string {
	for _, u := range humanUnits {
		if d >= u.d && d%u.d == 0 {
			n := int64(d / u.d)
			return humanize.Comma(n) + " " + plural(u.name, n)
		}
	}
	return d.String()
}

func plural(word string, n int64) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
