// Package backendtest holds the behaviour every aggregator.Backend has to
// share. Store implementations run it from their own tests.
package backendtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/arc-archive/arc-datastore/aggregator"
	"github.com/arc-archive/arc-datastore/period"
)

// Factory returns an empty backend. Cleanup is the factory's business.
type Factory func(t *testing.T) aggregator.Backend

var base = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

// Run executes the whole suite against backends made by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("LatestSession", func(t *testing.T) { testLatestSession(t, newBackend(t)) })
	t.Run("TouchSession", func(t *testing.T) { testTouchSession(t, newBackend(t)) })
	t.Run("ScanSessions", func(t *testing.T) { testScanSessions(t, newBackend(t)) })
	t.Run("ScanStopsOnCallbackError", func(t *testing.T) { testScanStops(t, newBackend(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, newBackend(t)) })
	t.Run("Aggregates", func(t *testing.T) { testAggregates(t, newBackend(t)) })
	t.Run("ConcurrentInsertAggregate", func(t *testing.T) { testConcurrentInsertAggregate(t, newBackend(t)) })
	t.Run("ListAggregates", func(t *testing.T) { testListAggregates(t, newBackend(t)) })
}

func insert(t *testing.T, b aggregator.Backend, ns, id, subject string, started, lastActive time.Time) {
	t.Helper()
	err := b.InsertSession(context.Background(), ns, &aggregator.Session{
		ID:           id,
		SubjectID:    subject,
		StartedAt:    started,
		LastActiveAt: lastActive,
	})
	if err != nil {
		t.Fatalf("Failed to insert session %s: %v", id, err)
	}
}

func testLatestSession(t *testing.T, b aggregator.Backend) {
	ctx := context.Background()

	if _, err := b.LatestSession(ctx, "ns", "nobody", base); !errors.Is(err, aggregator.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for unknown subject, got %v", err)
	}

	insert(t, b, "ns", "s1", "alice", base, base.Add(5*time.Minute))
	insert(t, b, "ns", "s2", "alice", base.Add(time.Hour), base.Add(time.Hour+10*time.Minute))
	insert(t, b, "ns", "s3", "bob", base.Add(time.Hour), base.Add(2*time.Hour))

	got, err := b.LatestSession(ctx, "ns", "alice", base)
	if err != nil {
		t.Fatalf("Failed to get latest session: %v", err)
	}
	if got.ID != "s2" {
		t.Errorf("Expected most recent session s2, got %s", got.ID)
	}
	if got.SubjectID != "alice" {
		t.Errorf("Expected subject alice, got %s", got.SubjectID)
	}
	if !got.StartedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("Expected StartedAt %v, got %v", base.Add(time.Hour), got.StartedAt)
	}

	// The bound is inclusive.
	got, err = b.LatestSession(ctx, "ns", "alice", base.Add(time.Hour+10*time.Minute))
	if err != nil {
		t.Fatalf("Expected session active exactly at the bound, got %v", err)
	}
	if got.ID != "s2" {
		t.Errorf("Expected s2 at the bound, got %s", got.ID)
	}

	if _, err := b.LatestSession(ctx, "ns", "alice", base.Add(3*time.Hour)); !errors.Is(err, aggregator.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after the last activity, got %v", err)
	}
}

func testTouchSession(t *testing.T, b aggregator.Backend) {
	ctx := context.Background()
	insert(t, b, "ns", "s1", "alice", base, base)

	later := base.Add(20 * time.Minute)
	if err := b.TouchSession(ctx, "ns", "s1", later); err != nil {
		t.Fatalf("Failed to touch session: %v", err)
	}

	got, err := b.LatestSession(ctx, "ns", "alice", base.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("Expected touched session to be live, got %v", err)
	}
	if !got.LastActiveAt.Equal(later) {
		t.Errorf("Expected LastActiveAt %v, got %v", later, got.LastActiveAt)
	}
	if !got.StartedAt.Equal(base) {
		t.Errorf("Expected StartedAt to stay %v, got %v", base, got.StartedAt)
	}

	if err := b.TouchSession(ctx, "ns", "missing", later); !errors.Is(err, aggregator.ErrNotFound) {
		t.Errorf("Expected ErrNotFound touching unknown session, got %v", err)
	}
}

func testScanSessions(t *testing.T, b aggregator.Backend) {
	ctx := context.Background()

	// 25 sessions over 5 subjects, one every 10 minutes, plus two with the
	// same start to exercise the tie breaker.
	for i := 0; i < 25; i++ {
		started := base.Add(time.Duration(i) * 10 * time.Minute)
		insert(t, b, "ns", fmt.Sprintf("s%02d", i), fmt.Sprintf("user-%d", i%5), started, started)
	}
	insert(t, b, "ns", "tie-a", "user-tie", base.Add(time.Hour), base.Add(time.Hour))
	insert(t, b, "ns", "tie-b", "user-tie", base.Add(time.Hour), base.Add(time.Hour))

	start := base.Add(30 * time.Minute)
	end := base.Add(3 * time.Hour)

	for _, pageSize := range []int{1, 2, 7, 1000} {
		t.Run(fmt.Sprintf("page%d", pageSize), func(t *testing.T) {
			var ids []string
			err := b.ScanSessions(ctx, "ns", start, end, aggregator.ScanOptions{PageSize: pageSize, SubjectOnly: true}, func(s *aggregator.Session) error {
				if s.SubjectID == "" {
					t.Errorf("Expected subject id on session %s", s.ID)
				}
				ids = append(ids, s.ID)
				return nil
			})
			if err != nil {
				t.Fatalf("Failed to scan: %v", err)
			}

			// s03 (30m) through s18 (180m), both bounds inclusive, plus the tie.
			if len(ids) != 18 {
				t.Fatalf("Expected 18 sessions, got %d: %v", len(ids), ids)
			}
			seen := make(map[string]bool)
			for _, id := range ids {
				if seen[id] {
					t.Errorf("Session %s visited twice", id)
				}
				seen[id] = true
			}
			for _, id := range []string{"s03", "s18", "tie-a", "tie-b"} {
				if !seen[id] {
					t.Errorf("Expected %s in scan", id)
				}
			}
			if seen["s02"] || seen["s19"] {
				t.Errorf("Scan leaked sessions outside the window: %v", ids)
			}
		})
	}
}

func testScanStops(t *testing.T, b aggregator.Backend) {
	for i := 0; i < 5; i++ {
		insert(t, b, "ns", fmt.Sprintf("s%d", i), "alice", base.Add(time.Duration(i)*time.Minute), base)
	}

	stop := errors.New("stop")
	calls := 0
	err := b.ScanSessions(context.Background(), "ns", base, base.Add(time.Hour), aggregator.ScanOptions{PageSize: 2}, func(*aggregator.Session) error {
		calls++
		if calls == 3 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Expected callback error back, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected scan to stop after 3 calls, got %d", calls)
	}
}

func testNamespaces(t *testing.T, b aggregator.Backend) {
	ctx := context.Background()
	insert(t, b, "one", "s1", "alice", base, base)

	if _, err := b.LatestSession(ctx, "two", "alice", base); !errors.Is(err, aggregator.ErrNotFound) {
		t.Errorf("Expected sessions to be isolated per namespace, got %v", err)
	}

	count := 0
	err := b.ScanSessions(ctx, "two", base.Add(-time.Hour), base.Add(time.Hour), aggregator.ScanOptions{}, func(*aggregator.Session) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to scan: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no sessions in namespace two, got %d", count)
	}

	agg := dailyAggregate(base, 1, 1)
	if err := b.InsertAggregate(ctx, "one", agg); err != nil {
		t.Fatalf("Failed to insert aggregate: %v", err)
	}
	if err := b.InsertAggregate(ctx, "two", agg); err != nil {
		t.Errorf("Expected same key in another namespace to insert, got %v", err)
	}
}

func dailyAggregate(day time.Time, sessions, users int64) *aggregator.PeriodAggregate {
	w := period.Day(day)
	return &aggregator.PeriodAggregate{
		Kind:         period.KindDaily,
		Key:          period.Key(period.KindDaily, w),
		WindowStart:  w.Start,
		WindowEnd:    w.End,
		SessionCount: sessions,
		UserCount:    users,
		CreatedAt:    base.Add(48 * time.Hour),
	}
}

func testAggregates(t *testing.T, b aggregator.Backend) {
	ctx := context.Background()

	if _, err := b.GetAggregate(ctx, "ns", period.KindWeekly, "2024-03-04"); !errors.Is(err, aggregator.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	w := period.Week(base, time.Monday)
	agg := &aggregator.PeriodAggregate{
		Kind:         period.KindWeekly,
		Key:          "2024-03-04",
		WindowStart:  w.Start,
		WindowEnd:    w.End,
		SessionCount: 12,
		UserCount:    4,
		DailyBreakdown: []aggregator.DailyItem{
			{Day: "2024-03-04", Sessions: 5, Users: 2},
			{Day: "2024-03-05", Sessions: 7, Users: 3},
		},
		CreatedAt: base.Add(8 * 24 * time.Hour),
	}
	if err := b.InsertAggregate(ctx, "ns", agg); err != nil {
		t.Fatalf("Failed to insert aggregate: %v", err)
	}

	got, err := b.GetAggregate(ctx, "ns", period.KindWeekly, "2024-03-04")
	if err != nil {
		t.Fatalf("Failed to get aggregate: %v", err)
	}
	if got.SessionCount != 12 || got.UserCount != 4 {
		t.Errorf("Expected 12 sessions and 4 users, got %d and %d", got.SessionCount, got.UserCount)
	}
	if !got.WindowStart.Equal(w.Start) || !got.WindowEnd.Equal(w.End) {
		t.Errorf("Expected window %s, got %v - %v", w, got.WindowStart, got.WindowEnd)
	}
	if len(got.DailyBreakdown) != 2 || got.DailyBreakdown[1].Sessions != 7 {
		t.Errorf("Unexpected breakdown: %+v", got.DailyBreakdown)
	}

	dup := *agg
	dup.SessionCount = 99
	if err := b.InsertAggregate(ctx, "ns", &dup); !errors.Is(err, aggregator.ErrAggregateExists) {
		t.Fatalf("Expected ErrAggregateExists, got %v", err)
	}
	got, err = b.GetAggregate(ctx, "ns", period.KindWeekly, "2024-03-04")
	if err != nil {
		t.Fatalf("Failed to get aggregate: %v", err)
	}
	if got.SessionCount != 12 {
		t.Errorf("Expected stored aggregate to be unchanged, got %d sessions", got.SessionCount)
	}
}

func testConcurrentInsertAggregate(t *testing.T, b aggregator.Backend) {
	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results <- b.InsertAggregate(context.Background(), "ns", dailyAggregate(base, int64(i), 1))
		}(i)
	}
	wg.Wait()
	close(results)

	inserted := 0
	for err := range results {
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, aggregator.ErrAggregateExists):
		default:
			t.Errorf("Unexpected insert error: %v", err)
		}
	}
	if inserted != 1 {
		t.Errorf("Expected exactly one insert to win, got %d", inserted)
	}
}

func testListAggregates(t *testing.T, b aggregator.Backend) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := b.InsertAggregate(ctx, "ns", dailyAggregate(base.AddDate(0, 0, i), int64(i), 1)); err != nil {
			t.Fatalf("Failed to insert daily aggregate: %v", err)
		}
	}

	w := period.Week(base, time.Monday)
	got, err := b.ListAggregates(ctx, "ns", period.KindDaily, w.Start, w.End)
	if err != nil {
		t.Fatalf("Failed to list aggregates: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("Expected 7 daily aggregates in the week, got %d", len(got))
	}

	keys := make([]string, 0, len(got))
	for _, agg := range got {
		keys = append(keys, agg.Key)
	}
	sort.Strings(keys)
	if keys[0] != "2024-03-04" || keys[6] != "2024-03-10" {
		t.Errorf("Unexpected keys: %v", keys)
	}

	got, err = b.ListAggregates(ctx, "ns", period.KindWeekly, w.Start, w.End)
	if err != nil {
		t.Fatalf("Failed to list aggregates: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no weekly aggregates, got %d", len(got))
	}
}
