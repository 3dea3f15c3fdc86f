// Package period computes the calendar windows that rollups are keyed on.
//
// All windows are inclusive on both ends: End is the last millisecond of the
// last day in the window. Instants are interpreted in the location of the
// reference time passed in, which is UTC everywhere in this service because
// hits are stored as wall-clock instants already shifted by the client offset.
package period

import (
	"errors"
	"fmt"
	"time"
)

const (
	DayLayout   = "2006-01-02"
	MonthLayout = "2006-01"
)

var (
	ErrInvalidDate      = errors.New("invalid date")
	ErrPeriodNotElapsed = errors.New("period has not elapsed")
	ErrInvalidKind      = errors.New("invalid period kind")
)

// Kind is the granularity of a rollup period.
type Kind string

const (
	KindDaily   Kind = "daily"
	KindWeekly  Kind = "weekly"
	KindMonthly Kind = "monthly"
)

// Kinds lists every supported kind in rollup order.
var Kinds = []Kind{KindDaily, KindWeekly, KindMonthly}

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindDaily, KindWeekly, KindMonthly:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q, expected one of daily, weekly, monthly", ErrInvalidKind, s)
}

// Ranged reports whether aggregates of this kind carry a daily breakdown.
func (k Kind) Ranged() bool {
	return k == KindWeekly || k == KindMonthly
}

// Window is an inclusive [Start, End] instant range.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Days returns the midnight of every calendar day inside the window.
func (w Window) Days() []time.Time {
	var days []time.Time
	for d := StartOfDay(w.Start); !d.After(w.End); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s]", w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano))
}

func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func lastMillisecondBefore(t time.Time) time.Time {
	return t.Add(-time.Millisecond)
}

// Day returns the window covering the calendar day of t.
func Day(t time.Time) Window {
	start := StartOfDay(t)
	return Window{Start: start, End: lastMillisecondBefore(start.AddDate(0, 0, 1))}
}

// Week returns the seven day window starting on the most recent firstDay at
// or before t.
func Week(t time.Time, firstDay time.Weekday) Window {
	start := StartOfDay(t)
	back := (int(start.Weekday()) - int(firstDay) + 7) % 7
	start = start.AddDate(0, 0, -back)
	return Window{Start: start, End: lastMillisecondBefore(start.AddDate(0, 0, 7))}
}

// Month returns the window covering the calendar month of t.
func Month(t time.Time) Window {
	y, m, _ := t.Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	return Window{Start: start, End: lastMillisecondBefore(start.AddDate(0, 1, 0))}
}

// Calendar resolves period keys into windows.
type Calendar struct {
	FirstDayOfWeek time.Weekday
}

func DefaultCalendar() Calendar {
	return Calendar{FirstDayOfWeek: time.Monday}
}

// Window returns the window of the given kind that contains t.
func (c Calendar) Window(kind Kind, t time.Time) Window {
	switch kind {
	case KindWeekly:
		return Week(t, c.FirstDayOfWeek)
	case KindMonthly:
		return Month(t)
	default:
		return Day(t)
	}
}

// Key returns the canonical key of the period starting at w.Start.
func Key(kind Kind, w Window) string {
	if kind == KindMonthly {
		return w.Start.Format(MonthLayout)
	}
	return w.Start.Format(DayLayout)
}

// Parse turns a period key into its window without checking that the period
// is over. Weekly keys are moved back to the first day of their week and
// monthly keys may be given either as yyyy-MM or as any day of the month.
func (c Calendar) Parse(kind Kind, key string, loc *time.Location) (Window, error) {
	if key == "" {
		return Window{}, fmt.Errorf("%w: the date parameter is required", ErrInvalidDate)
	}
	if loc == nil {
		loc = time.UTC
	}

	var t time.Time
	var err error
	if kind == KindMonthly {
		t, err = time.ParseInLocation(MonthLayout, key, loc)
		if err != nil {
			t, err = time.ParseInLocation(DayLayout, key, loc)
		}
		if err != nil {
			return Window{}, fmt.Errorf("%w: %q, accepted format is yyyy-MM", ErrInvalidDate, key)
		}
	} else {
		t, err = time.ParseInLocation(DayLayout, key, loc)
		if err != nil {
			return Window{}, fmt.Errorf("%w: %q, accepted format is yyyy-MM-dd", ErrInvalidDate, key)
		}
	}
	return c.Window(kind, t), nil
}

// Resolve parses key and checks that the whole period lies before the start
// of the day containing now. An in-progress period must never be rolled up:
// the idempotency guard would lock in the partial count for good.
func (c Calendar) Resolve(kind Kind, key string, now time.Time) (Window, error) {
	w, err := c.Parse(kind, key, now.Location())
	if err != nil {
		return Window{}, err
	}

	today := StartOfDay(now)
	if kind == KindDaily {
		if !w.Start.Before(today) {
			return Window{}, fmt.Errorf("%w: the date must be before today", ErrPeriodNotElapsed)
		}
		return w, nil
	}
	if !w.End.Before(today) {
		return Window{}, fmt.Errorf("%w: the date range must end before today, it ends %s",
			ErrPeriodNotElapsed, w.End.Format(DayLayout))
	}
	return w, nil
}

// Request names one rollup to compute.
type Request struct {
	Kind Kind
	Key  string
}

func (r Request) String() string {
	return string(r.Kind) + "/" + r.Key
}

// Eligible returns the periods that have fully elapsed as of now: yesterday
// always, last week on the first day of a week, last month on the 1st.
func (c Calendar) Eligible(now time.Time) []Request {
	yesterday := StartOfDay(now).AddDate(0, 0, -1)

	reqs := []Request{{Kind: KindDaily, Key: Key(KindDaily, Day(yesterday))}}
	if now.Weekday() == c.FirstDayOfWeek {
		reqs = append(reqs, Request{Kind: KindWeekly, Key: Key(KindWeekly, Week(yesterday, c.FirstDayOfWeek))})
	}
	if now.Day() == 1 {
		reqs = append(reqs, Request{Kind: KindMonthly, Key: Key(KindMonthly, Month(yesterday))})
	}
	return reqs
}

// CompareDayKeys orders yyyy-MM-dd keys ascending. Keys that do not parse
// sort before every valid key and compare equal to each other.
func CompareDayKeys(a, b string) int {
	ta, errA := time.Parse(DayLayout, a)
	tb, errB := time.Parse(DayLayout, b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return ta.Compare(tb)
}

// ParseInstant parses a custom range bound given either as RFC 3339 or as a
// yyyy-MM-dd day, the latter meaning midnight in loc.
func ParseInstant(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.In(loc), nil
	}
	if t, err := time.ParseInLocation(DayLayout, s, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%w: %q, accepted formats are yyyy-MM-dd and RFC 3339", ErrInvalidDate, s)
}
