package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arc-archive/arc-datastore/period"
)

// Tuesday 2024-04-02, noon UTC.
var engineNow = time.Date(2024, 4, 2, 12, 0, 0, 0, time.UTC)

func TestRecordHitAppliesOffset(t *testing.T) {
	engine, store := newTestEngine(t, engineNow)
	ctx := context.Background()

	isNew, err := engine.RecordHit(ctx, "A", 120)
	if err != nil {
		t.Fatalf("Failed to record hit: %v", err)
	}
	if !isNew {
		t.Errorf("Expected the first hit to open a session")
	}

	session, err := store.LatestSession(ctx, "test", "A", engineNow)
	if err != nil {
		t.Fatalf("Failed to read session: %v", err)
	}
	expected := engineNow.Add(2 * time.Hour)
	if !session.StartedAt.Equal(expected) {
		t.Errorf("Expected session to start at %v, got %v", expected, session.StartedAt)
	}

	isNew, err = engine.RecordHit(ctx, "A", 120)
	if err != nil {
		t.Fatalf("Failed to record hit: %v", err)
	}
	if isNew {
		t.Errorf("Expected the second hit to continue the session")
	}
}

func TestRecordHitMissingSubject(t *testing.T) {
	engine, _ := newTestEngine(t, engineNow)

	if _, err := engine.RecordHit(context.Background(), "", 0); !errors.Is(err, ErrMissingParameter) {
		t.Errorf("Expected ErrMissingParameter, got %v", err)
	}
}

func TestTrackHitUsesHitTime(t *testing.T) {
	engine, store := newTestEngine(t, engineNow)
	ctx := context.Background()
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	if _, err := engine.TrackHit(ctx, Hit{SubjectID: "A", Timestamp: at, TZOffsetMinutes: -30}); err != nil {
		t.Fatalf("Failed to track hit: %v", err)
	}

	session, err := store.LatestSession(ctx, "test", "A", at.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Failed to read session: %v", err)
	}
	if !session.StartedAt.Equal(at.Add(-30 * time.Minute)) {
		t.Errorf("Expected session to start at %v, got %v", at.Add(-30*time.Minute), session.StartedAt)
	}
}

func TestQueryRange(t *testing.T) {
	engine, store := newTestEngine(t, engineNow)
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	seedSession(t, store, "test", "s1", "A", day.Add(9*time.Hour))
	seedSession(t, store, "test", "s2", "A", day.Add(15*time.Hour))
	seedSession(t, store, "test", "s3", "B", day.Add(20*time.Hour))
	seedSession(t, store, "test", "s4", "C", day.AddDate(0, 0, 1).Add(time.Hour))

	totals, err := engine.QueryRange(ctx, day, period.Day(day).End)
	if err != nil {
		t.Fatalf("Failed to query range: %v", err)
	}
	if totals.Sessions != 3 || totals.Users != 2 {
		t.Errorf("Expected 3 sessions and 2 users, got %+v", totals)
	}

	// Bounds are inclusive.
	totals, err = engine.QueryRange(ctx, day.Add(9*time.Hour), day.Add(9*time.Hour))
	if err != nil {
		t.Fatalf("Failed to query range: %v", err)
	}
	if totals.Sessions != 1 {
		t.Errorf("Expected the session on both bounds, got %+v", totals)
	}

	// Nothing is persisted by a range query.
	aggs, err := store.ListAggregates(ctx, "test", period.KindDaily, time.Time{}, engineNow)
	if err != nil {
		t.Fatalf("Failed to list aggregates: %v", err)
	}
	if len(aggs) != 0 {
		t.Errorf("Expected no aggregates, got %d", len(aggs))
	}
}

func TestQueryRangeValidation(t *testing.T) {
	engine, _ := newTestEngine(t, engineNow)
	ctx := context.Background()
	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	today := period.StartOfDay(engineNow)

	tests := []struct {
		name       string
		start, end time.Time
		want       error
	}{
		{"reversed", day.Add(time.Hour), day, ErrInvalidRange},
		{"starts today", today, today.Add(time.Hour), ErrInvalidRange},
		{"ends today", day, today.Add(time.Hour), ErrInvalidRange},
		{"missing start", time.Time{}, day, ErrMissingParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.QueryRange(ctx, tt.start, tt.end)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if !IsClientError(err) {
				t.Errorf("Expected a client error, got %v", err)
			}
		})
	}
}

func TestGetPeriodAggregate(t *testing.T) {
	engine, store := newTestEngine(t, engineNow)
	ctx := context.Background()
	seedSession(t, store, "test", "s1", "A", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))

	if _, err := engine.GetPeriodAggregate(ctx, period.KindDaily, "2024-03-04"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound before the rollup, got %v", err)
	}

	if _, _, err := engine.Rollup(ctx, period.KindDaily, "2024-03-04"); err != nil {
		t.Fatalf("Failed to run rollup: %v", err)
	}

	agg, err := engine.GetPeriodAggregate(ctx, period.KindDaily, "2024-03-04")
	if err != nil {
		t.Fatalf("Failed to get aggregate: %v", err)
	}
	if agg.SessionCount != 1 || agg.UserCount != 1 {
		t.Errorf("Expected 1 session and 1 user, got %d and %d", agg.SessionCount, agg.UserCount)
	}

	if _, err := engine.GetPeriodAggregate(ctx, period.KindDaily, "2024-04-02"); !errors.Is(err, ErrPeriodNotElapsed) {
		t.Errorf("Expected ErrPeriodNotElapsed for today, got %v", err)
	}
	if _, err := engine.GetPeriodAggregate(ctx, period.KindDaily, "yesterday"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("Expected ErrInvalidDate, got %v", err)
	}
}

func TestGetPeriodAggregateRefreshesBreakdown(t *testing.T) {
	engine, store := newTestEngine(t, engineNow)
	ctx := context.Background()
	monday := time.Date(2024, 3, 25, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 7; i++ {
		seedSession(t, store, "test", "s"+string(rune('0'+i)), "A", monday.AddDate(0, 0, i).Add(time.Hour))
	}

	// Weekly computed while only two dailies existed.
	for _, day := range []string{"2024-03-25", "2024-03-26"} {
		if _, _, err := engine.Rollup(ctx, period.KindDaily, day); err != nil {
			t.Fatalf("Failed to run daily rollup: %v", err)
		}
	}
	weekly, _, err := engine.Rollup(ctx, period.KindWeekly, "2024-03-25")
	if err != nil {
		t.Fatalf("Failed to run weekly rollup: %v", err)
	}
	if len(weekly.DailyBreakdown) != 2 {
		t.Fatalf("Expected 2 days at rollup time, got %d", len(weekly.DailyBreakdown))
	}

	for _, day := range []string{"2024-03-27", "2024-03-28", "2024-03-29", "2024-03-30", "2024-03-31"} {
		if _, _, err := engine.Rollup(ctx, period.KindDaily, day); err != nil {
			t.Fatalf("Failed to run daily rollup: %v", err)
		}
	}

	agg, err := engine.GetPeriodAggregate(ctx, period.KindWeekly, "2024-03-27")
	if err != nil {
		t.Fatalf("Failed to get weekly aggregate: %v", err)
	}
	if len(agg.DailyBreakdown) != 7 {
		t.Fatalf("Expected the breakdown to be completed on read, got %d days", len(agg.DailyBreakdown))
	}
	if agg.DailyBreakdown[0].Day != "2024-03-25" || agg.DailyBreakdown[6].Day != "2024-03-31" {
		t.Errorf("Expected ascending days, got %+v", agg.DailyBreakdown)
	}
	if agg.SessionCount != 7 {
		t.Errorf("Expected stored totals to be kept, got %d sessions", agg.SessionCount)
	}

	stored, err := store.GetAggregate(ctx, "test", period.KindWeekly, "2024-03-25")
	if err != nil {
		t.Fatalf("Failed to read stored aggregate: %v", err)
	}
	if len(stored.DailyBreakdown) != 2 {
		t.Errorf("Expected the stored record to be left alone, got %d days", len(stored.DailyBreakdown))
	}
}

func TestRequestRollupRunsInBackground(t *testing.T) {
	engine, store := newTestEngine(t, engineNow)
	ctx := context.Background()
	seedSession(t, store, "test", "s1", "A", time.Date(2024, 3, 27, 9, 0, 0, 0, time.UTC))

	engine.Start(ctx)
	req, err := engine.RequestRollup(ctx, period.KindWeekly, "2024-03-27")
	if err != nil {
		t.Fatalf("Failed to request rollup: %v", err)
	}
	if req.Key != "2024-03-25" {
		t.Errorf("Expected the canonical week key, got %s", req.Key)
	}

	// Close drains the queue.
	engine.queue.Close()

	agg, err := store.GetAggregate(ctx, "test", period.KindWeekly, "2024-03-25")
	if err != nil {
		t.Fatalf("Expected the queued rollup to be stored, got %v", err)
	}
	if agg.SessionCount != 1 {
		t.Errorf("Expected 1 session, got %d", agg.SessionCount)
	}
}

func TestRequestRollupValidatesBeforeQueueing(t *testing.T) {
	engine, _ := newTestEngine(t, engineNow)

	if _, err := engine.RequestRollup(context.Background(), period.KindMonthly, "2024-04"); !errors.Is(err, ErrPeriodNotElapsed) {
		t.Errorf("Expected ErrPeriodNotElapsed, got %v", err)
	}
	if n := engine.queue.Len(); n != 0 {
		t.Errorf("Expected nothing queued, got %d", n)
	}
}

func TestRequestEligible(t *testing.T) {
	// Monday the 1st: yesterday, last week and last month are all due.
	engine, _ := newTestEngine(t, time.Date(2024, 4, 1, 0, 30, 0, 0, time.UTC))

	queued, err := engine.RequestEligible(context.Background())
	if err != nil {
		t.Fatalf("Failed to request eligible rollups: %v", err)
	}

	expected := []string{"daily/2024-03-31", "weekly/2024-03-25", "monthly/2024-03"}
	if len(queued) != len(expected) {
		t.Fatalf("Expected %d requests, got %v", len(expected), queued)
	}
	for i, name := range expected {
		if queued[i].String() != name {
			t.Errorf("Request %d: expected %s, got %s", i, name, queued[i])
		}
	}
}

func TestEnginePing(t *testing.T) {
	engine, store := newTestEngine(t, engineNow)

	if err := engine.Ping(context.Background()); err != nil {
		t.Errorf("Expected a healthy backend, got %v", err)
	}

	store.SetFailure(errors.New("down"))
	if err := engine.Ping(context.Background()); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
}
