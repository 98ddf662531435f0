// Package schedule turns daily local intake times into absolute instants.
//
// Everything here is pure: given the same times, zone, "now" and lower bound
// the same occurrences come back, which is what lets the dispatcher be
// restarted at any point. Local wall times are resolved against the zone's
// offset on that particular date, so a medication taken at 08:00 stays at
// 08:00 local across daylight-saving changes. Wall times that do not exist
// (spring-forward gap) are skipped; wall times that exist twice (fall-back
// overlap) resolve to the first occurrence.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// DateLayout is the local calendar date format used in dose keys.
	DateLayout = "2006-01-02"
	// ClockLayout is the normalized local time-of-day format.
	ClockLayout = "15:04"
)

// ErrInvalidClock is returned for strings that are not a time of day.
var ErrInvalidClock = errors.New("invalid time of day")

// Clock is a local time of day with minute precision.
type Clock struct {
	Hour   int
	Minute int
}

// String renders the clock as HH:MM.
func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseClock accepts "H:MM", "HH:MM" and the dotted "HH.MM" form.
func ParseClock(s string) (Clock, error) {
	s = strings.TrimSpace(s)
	sep := strings.IndexAny(s, ":.")
	if sep < 1 || sep > 2 || len(s)-sep-1 != 2 || !digits(s[:sep]) || !digits(s[sep+1:]) {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	h, err1 := strconv.Atoi(s[:sep])
	m, err2 := strconv.Atoi(s[sep+1:])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("%w: %q", ErrInvalidClock, s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// NormalizeTimes parses every entry, then returns the sorted, de-duplicated
// HH:MM forms.
func NormalizeTimes(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		c, err := ParseClock(raw)
		if err != nil {
			return nil, err
		}
		s := c.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Resolve returns the absolute instant of the wall time c on the local date
// (y, m, d) in loc. ok is false when the wall time falls in a gap.
func Resolve(y int, m time.Month, d int, c Clock, loc *time.Location) (t time.Time, ok bool) {
	naive := time.Date(y, m, d, c.Hour, c.Minute, 0, 0, time.UTC)

	// Collect the offsets in force around this date; a transition within a
	// day of the wall time shows up as two distinct offsets.
	offsets := make([]int, 0, 3)
	for _, at := range []time.Time{
		time.Date(y, m, d, c.Hour, c.Minute, 0, 0, loc),
		naive.Add(-36 * time.Hour),
		naive.Add(36 * time.Hour),
	} {
		_, off := at.In(loc).Zone()
		offsets = append(offsets, off)
	}

	for _, off := range offsets {
		cand := naive.Add(-time.Duration(off) * time.Second)
		lt := cand.In(loc)
		if lt.Year() != y || lt.Month() != m || lt.Day() != d || lt.Hour() != c.Hour || lt.Minute() != c.Minute {
			continue
		}
		if !ok || cand.Before(t) {
			t, ok = cand, true
		}
	}
	return t, ok
}

// Occurrence is one resolved intake.
type Occurrence struct {
	Date  string    // local date, YYYY-MM-DD
	Time  string    // local time, HH:MM
	DueAt time.Time // absolute instant (UTC)
}

// Due returns the occurrences of times in loc whose instant lies in the
// half-open window (notBefore, now], in ascending order. Unparseable entries
// are ignored; callers validate times on input.
func Due(times []string, loc *time.Location, now, notBefore time.Time) []Occurrence {
	if loc == nil {
		loc = time.UTC
	}
	if !notBefore.Before(now) {
		return nil
	}

	clocks := make([]Clock, 0, len(times))
	for _, raw := range times {
		if c, err := ParseClock(raw); err == nil {
			clocks = append(clocks, c)
		}
	}

	first := notBefore.In(loc)
	last := now.In(loc)
	day := time.Date(first.Year(), first.Month(), first.Day(), 12, 0, 0, 0, loc)
	end := time.Date(last.Year(), last.Month(), last.Day(), 12, 0, 0, 0, loc)

	var out []Occurrence
	for ; !day.After(end); day = day.AddDate(0, 0, 1) {
		y, m, d := day.Date()
		for _, c := range clocks {
			at, ok := Resolve(y, m, d, c, loc)
			if !ok || !at.After(notBefore) || at.After(now) {
				continue
			}
			out = append(out, Occurrence{
				Date:  day.Format(DateLayout),
				Time:  c.String(),
				DueAt: at.UTC(),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// LoadLocation wraps time.LoadLocation, rejecting the empty name and "Local",
// both of which silently mean something other than what a user typed.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "local") {
		return nil, fmt.Errorf("unknown time zone %q", name)
	}
	return time.LoadLocation(name)
}

// LocalDate is the calendar date of t in loc.
func LocalDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}
