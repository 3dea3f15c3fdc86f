package aggregator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arc-archive/arc-datastore/period"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// testContext stands in for testing.T.Context (Go 1.24+): the returned
// context is cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// newTestEngine returns an engine over a fresh MemoryStore whose clock is
// stuck at now.
func newTestEngine(t *testing.T, now time.Time) (*Engine, *MemoryStore) {
	t.Helper()

	store := NewMemoryStore()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine := NewEngine(store, EngineOptions{
		Namespace: "test",
		Calendar:  period.DefaultCalendar(),
		Queue:     QueueOptions{Workers: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 3},
		Logger:    logger,
		Now:       fixedClock(now),
	})
	t.Cleanup(func() { engine.Close() })
	return engine, store
}

// seedSession stores a session directly, bypassing the tracker.
func seedSession(t *testing.T, b Backend, ns, id, subject string, started time.Time) {
	t.Helper()
	err := b.InsertSession(testContext(t), ns, &Session{
		ID:           id,
		SubjectID:    subject,
		StartedAt:    started,
		LastActiveAt: started,
	})
	if err != nil {
		t.Fatalf("Failed to seed session %s: %v", id, err)
	}
}
