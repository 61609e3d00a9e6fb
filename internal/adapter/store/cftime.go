package store

import (
	"fmt"
	"math"
	"strings"
	"time"
)

var epochLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-1-2 15:04:05",
	"2006-1-2",
}

// DecodeCFTime converts numeric time values with CF units such as
// "days since 2000-01-01 00:00:00" into UTC timestamps. Only the standard
// (proleptic Gregorian) calendar is supported.
func DecodeCFTime(units string, vals []float64) ([]time.Time, error) {
	unit, since, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return nil, fmt.Errorf("time units %q are not of the form \"<unit> since <epoch>\"", units)
	}
	step, err := unitDuration(unit)
	if err != nil {
		return nil, err
	}
	epoch, err := parseEpoch(since)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("time value %d is not finite", i)
		}
		out[i] = epoch.Add(time.Duration(math.Round(v * float64(step)))).UTC()
	}
	return out, nil
}

func unitDuration(u string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(u)) {
	case "nanoseconds", "nanosecond", "ns":
		return time.Nanosecond, nil
	case "microseconds", "microsecond", "us":
		return time.Microsecond, nil
	case "milliseconds", "millisecond", "msec", "ms":
		return time.Millisecond, nil
	case "seconds", "second", "secs", "sec", "s":
		return time.Second, nil
	case "minutes", "minute", "mins", "min":
		return time.Minute, nil
	case "hours", "hour", "hrs", "hr", "h":
		return time.Hour, nil
	case "days", "day", "d":
		return 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported time unit %q", u)
}

func parseEpoch(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, " UTC")
	s = strings.TrimSuffix(s, " GMT")
	for _, layout := range epochLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time epoch %q", s)
}
