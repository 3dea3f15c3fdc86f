package aggregator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/arc-archive/arc-datastore/period"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "hits.db")
	store, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, dbPath
}

func TestStoreInitialization(t *testing.T) {
	store, _ := newTestStore(t)

	for _, table := range []string{"sessions", "period_aggregates", "processing_state"} {
		var count int
		err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query %s table: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Expected %s table to exist, got count: %d", table, count)
		}
	}

	version, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("Failed to read schema version: %v", err)
	}
	if version != 2 {
		t.Errorf("Expected schema version 2, got %d", version)
	}
}

func TestStoreMigrateIsIdempotent(t *testing.T) {
	store, dbPath := newTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to re-run migrations: %v", err)
	}
	store.Close()

	reopened, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

	seedSession(t, store, "ns", "s1", "alice", started)
	w := period.Day(started)
	err := store.InsertAggregate(ctx, "ns", &PeriodAggregate{
		Kind:         period.KindDaily,
		Key:          "2024-03-04",
		WindowStart:  w.Start,
		WindowEnd:    w.End,
		SessionCount: 1,
		UserCount:    1,
		CreatedAt:    started,
	})
	if err != nil {
		t.Fatalf("Failed to insert aggregate: %v", err)
	}
	store.Close()

	reopened, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	session, err := reopened.LatestSession(ctx, "ns", "alice", started)
	if err != nil {
		t.Fatalf("Failed to read session after reopen: %v", err)
	}
	if !session.StartedAt.Equal(started) {
		t.Errorf("Expected StartedAt %v, got %v", started, session.StartedAt)
	}
	if session.StartedAt.Location() != time.UTC {
		t.Errorf("Expected UTC timestamps, got %v", session.StartedAt.Location())
	}

	agg, err := reopened.GetAggregate(ctx, "ns", period.KindDaily, "2024-03-04")
	if err != nil {
		t.Fatalf("Failed to read aggregate after reopen: %v", err)
	}
	if agg.DailyBreakdown != nil {
		t.Errorf("Expected no breakdown on a daily aggregate, got %v", agg.DailyBreakdown)
	}
	if !agg.WindowEnd.Equal(w.End) {
		t.Errorf("Expected window end %v, got %v", w.End, agg.WindowEnd)
	}
}

func TestProcessingState(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	state, err := store.GetProcessingState(ctx, HitsFileName)
	if err != nil {
		t.Fatalf("Failed to get processing state: %v", err)
	}
	if state.LastByteOffset != 0 {
		t.Errorf("Expected zero offset for a new file, got %d", state.LastByteOffset)
	}

	if err := store.UpdateProcessingState(ctx, HitsFileName, 120, 200); err != nil {
		t.Fatalf("Failed to update processing state: %v", err)
	}
	if err := store.UpdateProcessingState(ctx, HitsFileName, 200, 200); err != nil {
		t.Fatalf("Failed to update processing state: %v", err)
	}

	state, err = store.GetProcessingState(ctx, HitsFileName)
	if err != nil {
		t.Fatalf("Failed to get processing state: %v", err)
	}
	if state.LastByteOffset != 200 {
		t.Errorf("Expected offset 200, got %d", state.LastByteOffset)
	}
	if state.FileSizeBytes != 200 {
		t.Errorf("Expected size 200, got %d", state.FileSizeBytes)
	}
}

func TestStoreClosedIsUnavailable(t *testing.T) {
	store, _ := newTestStore(t)
	store.Close()

	_, err := store.LatestSession(context.Background(), "ns", "alice", time.Now())
	if !Retryable(err) {
		t.Errorf("Expected a retryable storage error from a closed store, got %v", err)
	}
}
