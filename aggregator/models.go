package aggregator

import (
	"time"

	"github.com/arc-archive/arc-datastore/period"
)

// SessionTimeout is the inactivity gap after which a hit opens a new session.
const SessionTimeout = 30 * time.Minute

// Session is one burst of activity by a subject. Only LastActiveAt changes
// after creation.
type Session struct {
	ID           string
	SubjectID    string
	StartedAt    time.Time
	LastActiveAt time.Time
}

// DailyItem is one day of a weekly or monthly breakdown.
type DailyItem struct {
	Day      string `json:"day"`
	Sessions int64  `json:"sessions"`
	Users    int64  `json:"users"`
}

// PeriodAggregate is a persisted rollup. It is written once and never
// updated.
type PeriodAggregate struct {
	Kind         period.Kind
	Key          string
	WindowStart  time.Time
	WindowEnd    time.Time
	SessionCount int64
	UserCount    int64

	// Only set for weekly and monthly aggregates, ascending by day.
	DailyBreakdown []DailyItem

	CreatedAt time.Time
}

// Totals is the result of reducing sessions over a window.
type Totals struct {
	Sessions int64 `json:"sessions"`
	Users    int64 `json:"users"`
}

// ProcessingState tracks how far the processor has read a hits file
type ProcessingState struct {
	FileName          string
	LastByteOffset    int64
	LastProcessedTime time.Time
	FileSizeBytes     int64
	UpdatedAt         time.Time
}

// Hit is one usage event as written by the collector.
type Hit struct {
	SubjectID       string    `json:"aid"`
	Timestamp       time.Time `json:"ts"`
	TZOffsetMinutes int       `json:"tz"`
}

// EventTime is the hit time shifted into the client's local clock.
func (h Hit) EventTime() time.Time {
	return h.Timestamp.UTC().Add(time.Duration(h.TZOffsetMinutes) * time.Minute)
}
