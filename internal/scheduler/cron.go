package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCron is returned (wrapped) for any cron expression that does not parse
var ErrInvalidCron = errors.New("invalid cron expression")

// nextRunSearchMinutes bounds NextRunAfter to one leap year of minutes
const nextRunSearchMinutes = 60 * 24 * 366

// fieldSet is a bitset of allowed values; every cron field fits in 0..63
type fieldSet uint64

func (s fieldSet) has(v int) bool {
	return v >= 0 && v < 64 && s&(1<<uint(v)) != 0
}

// CronSpec is a parsed 5-field cron expression. The zero value matches nothing.
type CronSpec struct {
	minute fieldSet
	hour   fieldSet
	dom    fieldSet
	month  fieldSet
	dow    fieldSet

	// domWildcard and dowWildcard are true only when the field was literally "*"
	domWildcard bool
	dowWildcard bool
}

type fieldBounds struct {
	name     string
	min, max int
}

var cronFields = [5]fieldBounds{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses "minute hour day-of-month month day-of-week". Each field is
// a comma-separated list of "*", "n" or "a-b", each optionally followed by
// "/step". Day-of-week uses 0 for Sunday.
func ParseCron(raw string) (*CronSpec, error) {
	fields := strings.Fields(raw)
	if len(fields) != len(cronFields) {
		return nil, fmt.Errorf("%w: expected 5 fields, got %d", ErrInvalidCron, len(fields))
	}

	var sets [5]fieldSet
	for i, f := range fields {
		set, err := parseCronField(f, cronFields[i].min, cronFields[i].max)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidCron, cronFields[i].name, f, err)
		}
		sets[i] = set
	}

	return &CronSpec{
		minute:      sets[0],
		hour:        sets[1],
		dom:         sets[2],
		month:       sets[3],
		dow:         sets[4],
		domWildcard: fields[2] == "*",
		dowWildcard: fields[4] == "*",
	}, nil
}

func parseCronField(field string, min, max int) (fieldSet, error) {
	var set fieldSet

	for _, item := range strings.Split(field, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return 0, errors.New("empty list item")
		}

		base, stepRaw, hasStep := strings.Cut(item, "/")
		step := 1
		if hasStep {
			n, err := parseCronNumber(stepRaw)
			if err != nil {
				return 0, fmt.Errorf("invalid step %q", stepRaw)
			}
			if n < 1 {
				return 0, errors.New("step must be at least 1")
			}
			step = n
		}

		lo, hi := min, max
		if base != "*" {
			if startRaw, endRaw, isRange := strings.Cut(base, "-"); isRange {
				var err error
				if lo, err = parseCronNumber(startRaw); err != nil {
					return 0, fmt.Errorf("invalid range start %q", startRaw)
				}
				if hi, err = parseCronNumber(endRaw); err != nil {
					return 0, fmt.Errorf("invalid range end %q", endRaw)
				}
			} else {
				n, err := parseCronNumber(base)
				if err != nil {
					return 0, fmt.Errorf("invalid value %q", base)
				}
				lo, hi = n, n
			}
		}

		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("value out of range [%d-%d]", min, max)
		}

		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}

	return set, nil
}

// parseCronNumber accepts unsigned decimal digits only
func parseCronNumber(s string) (int, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Matches reports whether t falls in a minute selected by the spec. Fields
// are read in t's own location. When both day fields are restricted a day
// matches if either of them does.
func (c *CronSpec) Matches(t time.Time) bool {
	if !c.minute.has(t.Minute()) || !c.hour.has(t.Hour()) || !c.month.has(int(t.Month())) {
		return false
	}

	domMatch := c.dom.has(t.Day())
	dowMatch := c.dow.has(int(t.Weekday()))

	switch {
	case c.domWildcard && c.dowWildcard:
		return true
	case c.domWildcard:
		return dowMatch
	case c.dowWildcard:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// NextRunAfter returns the first matching minute strictly after the minute of
// from. The search starts at from+1m with seconds dropped and gives up after
// one leap year of minutes.
func (c *CronSpec) NextRunAfter(from time.Time) (time.Time, bool) {
	cursor := from.Add(time.Minute)
	cursor = time.Date(cursor.Year(), cursor.Month(), cursor.Day(), cursor.Hour(), cursor.Minute(), 0, 0, cursor.Location())

	for i := 0; i < nextRunSearchMinutes; i++ {
		if c.Matches(cursor) {
			return cursor, true
		}
		cursor = cursor.Add(time.Minute)
	}
	return time.Time{}, false
}
