// Package meter turns raw portal reading rows into a timezone-correct,
// strictly ordered hourly time series and derives cost and statistics series
// from it. Everything here is pure: no I/O, no shared state.
package meter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Europe/London must resolve even on scratch images

	"thameswater-collector/internal/thameswater"
)

// ErrInvalidInput marks bad caller input to the normalizer.
var ErrInvalidInput = errors.New("invalid input")

// DefaultTimezone is the zone the portal reports wall-clock hours in.
const DefaultTimezone = "Europe/London"

// Measurement is one disambiguated hourly reading. Start is a zoned instant;
// Usage and Total are the raw values truncated toward zero.
type Measurement struct {
	Start time.Time
	Usage int64
	Total int64
}

// Normalize maps hour-labeled rows onto dated, zone-aware hourly timestamps.
//
// The portal labels each row with a bare wall-clock hour that resets every
// day, repeats when clocks go back, and skips when clocks go forward. The
// rules, applied in row order:
//
//   - hour greater than the previous hour: same day, unambiguous (a skipped
//     hour after spring-forward falls through here too);
//   - hour not greater, (day, hour) not yet seen: day rollover;
//   - hour not greater, (day, hour) already seen: the DST fallback repeat,
//     meaning the same day's second occurrence of that wall-clock hour.
//     Hour 0 is the exception: a repeating 0 always means a midnight
//     boundary, never a fold.
//
// start must be a pure civil date: midnight in UTC. The data source carries
// no zone annotation, so a zoned start would be ambiguous and is rejected.
// A nil tz means Europe/London.
func Normalize(start time.Time, lines []thameswater.Line, tz *time.Location) ([]Measurement, error) {
	if start.Location() != time.UTC {
		return nil, fmt.Errorf("%w: start must be a civil date expressed in UTC", ErrInvalidInput)
	}
	if h, m, s := start.Clock(); h != 0 || m != 0 || s != 0 || start.Nanosecond() != 0 {
		return nil, fmt.Errorf("%w: start must be midnight, got %s", ErrInvalidInput, start.Format(time.RFC3339))
	}
	if tz == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, err
		}
		tz = loc
	}

	type dayHour struct {
		year  int
		month time.Month
		day   int
		hour  int
	}

	current := start
	prevHour := -1
	seen := make(map[dayHour]bool)
	results := make([]Measurement, 0, len(lines))

	for _, line := range lines {
		hour, err := parseHourLabel(line.Label)
		if err != nil {
			return nil, err
		}

		key := dayHour{current.Year(), current.Month(), current.Day(), hour}
		fold := 0

		if hour <= prevHour {
			if seen[key] {
				if hour == 0 {
					// Hour 0 repeating is always a midnight
					// boundary: 23 -> 0 -> 0 does not occur.
					current = current.AddDate(0, 0, 1)
					key = dayHour{current.Year(), current.Month(), current.Day(), hour}
				} else {
					fold = 1
				}
			} else {
				// Hour went backwards without a repeat: ordinary
				// day rollover (23:00 -> 0:00).
				current = current.AddDate(0, 0, 1)
				key = dayHour{current.Year(), current.Month(), current.Day(), hour}
			}
		}

		seen[key] = true
		prevHour = hour

		results = append(results, Measurement{
			Start: zonedHour(key.year, key.month, key.day, hour, fold, tz),
			Usage: int64(line.Usage),
			Total: int64(line.Read),
		})
	}

	return results, nil
}

func parseHourLabel(label string) (int, error) {
	hourStr, _, ok := strings.Cut(label, ":")
	if !ok {
		return 0, fmt.Errorf("%w: hour label %q", ErrInvalidInput, label)
	}
	hour, err := strconv.Atoi(hourStr)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%w: hour label %q", ErrInvalidInput, label)
	}
	return hour, nil
}

// zonedHour binds a civil (date, hour) to tz. When a clock-backward
// transition makes the wall-clock hour ambiguous, time.Date picks one of the
// two instants without saying which, so both neighbours are probed: the two
// occurrences of a repeated hour sit exactly one hour apart and share their
// wall-clock reading.
func zonedHour(year int, month time.Month, day, hour, fold int, tz *time.Location) time.Time {
	t := time.Date(year, month, day, hour, 0, 0, 0, tz)
	if fold == 0 {
		if earlier := t.Add(-time.Hour); earlier.Hour() == hour && earlier.Day() == day {
			return earlier
		}
		return t
	}
	if later := t.Add(time.Hour); later.Hour() == hour && later.Day() == day {
		return later
	}
	return t
}
