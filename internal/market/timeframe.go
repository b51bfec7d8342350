package market

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Timeframe is the candle granularity, named the way the terminal names it.
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	M30 Timeframe = "M30"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
	D1  Timeframe = "D1"
	W1  Timeframe = "W1"
	MN1 Timeframe = "MN1"
)

var durations = map[Timeframe]time.Duration{
	M1:  time.Minute,
	M5:  5 * time.Minute,
	M15: 15 * time.Minute,
	M30: 30 * time.Minute,
	H1:  time.Hour,
	H4:  4 * time.Hour,
	D1:  24 * time.Hour,
	W1:  7 * 24 * time.Hour,
}

// Timeframes lists every supported timeframe, finest first.
func Timeframes() []Timeframe {
	return []Timeframe{M1, M5, M15, M30, H1, H4, D1, W1, MN1}
}

// ParseTimeframe accepts a timeframe name case-insensitively.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(s)))
	if !tf.Valid() {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

func (tf Timeframe) Valid() bool {
	if tf == MN1 {
		return true
	}
	_, ok := durations[tf]
	return ok
}

func (tf Timeframe) String() string { return string(tf) }

// Duration returns the fixed length of one candle. MN1 has no fixed length
// and reports zero.
func (tf Timeframe) Duration() time.Duration {
	return durations[tf]
}

// Advance moves t forward by n candles. Monthly candles open on the first of
// the month, so MN1 steps from the start of the month containing t.
func (tf Timeframe) Advance(t time.Time, n int) time.Time {
	if tf == MN1 {
		return monthStart(t).AddDate(0, n, 0)
	}
	d := durations[tf]
	// n*d must fit in a Duration; W1 overflows past ~15000 candles.
	maxSteps := int(math.MaxInt64 / int64(d))
	for n > maxSteps {
		t = t.Add(time.Duration(maxSteps) * d)
		n -= maxSteps
	}
	return t.Add(time.Duration(n) * d)
}

// Units counts the candle slots in [from, to), rounding a partial trailing
// slot up. It returns 0 when to is not after from.
func (tf Timeframe) Units(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	if tf == MN1 {
		from, last := from.UTC(), to.Add(-time.Nanosecond).UTC()
		return (last.Year()-from.Year())*12 + int(last.Month()-from.Month()) + 1
	}
	d := durations[tf]
	span := to.Sub(from)
	n := int(span / d)
	if span%d != 0 {
		n++
	}
	return n
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
