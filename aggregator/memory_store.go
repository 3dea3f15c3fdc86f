package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/arc-archive/arc-datastore/period"
)

// MemoryStore is a Backend that keeps every record in process memory. It is
// interchangeable with Store and Mongo-backed stores and is what the tests
// and the "memory" backend option run on.
type MemoryStore struct {
	mu         sync.RWMutex
	sessions   map[string]map[string]*Session         // namespace -> id -> session
	aggregates map[string]map[string]*PeriodAggregate // namespace -> kind/key -> aggregate
	states     map[string]*ProcessingState

	// failWith, when set, is returned wrapped as ErrStorageUnavailable by
	// every call. Tests use it to simulate an outage.
	failWith error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]map[string]*Session),
		aggregates: make(map[string]map[string]*PeriodAggregate),
		states:     make(map[string]*ProcessingState),
	}
}

// SetFailure makes every subsequent call fail until cleared with nil.
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryStore) fail(op string) error {
	if m.failWith != nil {
		return unavailable(op, m.failWith)
	}
	return nil
}

func aggregateKey(kind period.Kind, key string) string {
	return string(kind) + "/" + key
}

func (m *MemoryStore) LatestSession(ctx context.Context, namespace, subjectID string, since time.Time) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("query latest session"); err != nil {
		return nil, err
	}

	var latest *Session
	for _, s := range m.sessions[namespace] {
		if s.SubjectID != subjectID || s.LastActiveAt.Before(since) {
			continue
		}
		if latest == nil || s.LastActiveAt.After(latest.LastActiveAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	copied := *latest
	return &copied, nil
}

func (m *MemoryStore) InsertSession(ctx context.Context, namespace string, s *Session) error {
	if err := ValidateSession(s); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("insert session"); err != nil {
		return err
	}

	if m.sessions[namespace] == nil {
		m.sessions[namespace] = make(map[string]*Session)
	}
	copied := *s
	m.sessions[namespace][s.ID] = &copied
	return nil
}

func (m *MemoryStore) TouchSession(ctx context.Context, namespace, sessionID string, lastActiveAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("update session"); err != nil {
		return err
	}

	s, ok := m.sessions[namespace][sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActiveAt = lastActiveAt
	return nil
}

func (m *MemoryStore) ScanSessions(ctx context.Context, namespace string, start, end time.Time, opts ScanOptions, fn func(*Session) error) error {
	m.mu.RLock()
	if err := m.fail("scan sessions"); err != nil {
		m.mu.RUnlock()
		return err
	}
	var matched []*Session
	for _, s := range m.sessions[namespace] {
		if s.StartedAt.Before(start) || s.StartedAt.After(end) {
			continue
		}
		copied := *s
		if opts.SubjectOnly {
			copied.LastActiveAt = time.Time{}
		}
		matched = append(matched, &copied)
	}
	m.mu.RUnlock()

	for _, s := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetAggregate(ctx context.Context, namespace string, kind period.Kind, key string) (*PeriodAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("get aggregate"); err != nil {
		return nil, err
	}

	agg, ok := m.aggregates[namespace][aggregateKey(kind, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAggregate(agg), nil
}

func (m *MemoryStore) InsertAggregate(ctx context.Context, namespace string, agg *PeriodAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("insert aggregate"); err != nil {
		return err
	}

	if m.aggregates[namespace] == nil {
		m.aggregates[namespace] = make(map[string]*PeriodAggregate)
	}
	k := aggregateKey(agg.Kind, agg.Key)
	if _, exists := m.aggregates[namespace][k]; exists {
		return ErrAggregateExists
	}
	m.aggregates[namespace][k] = copyAggregate(agg)
	return nil
}

func (m *MemoryStore) ListAggregates(ctx context.Context, namespace string, kind period.Kind, start, end time.Time) ([]*PeriodAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("list aggregates"); err != nil {
		return nil, err
	}

	var out []*PeriodAggregate
	for _, agg := range m.aggregates[namespace] {
		if agg.Kind != kind || agg.WindowStart.Before(start) || agg.WindowStart.After(end) {
			continue
		}
		out = append(out, copyAggregate(agg))
	}
	return out, nil
}

func (m *MemoryStore) GetProcessingState(ctx context.Context, fileName string) (*ProcessingState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.fail("get processing state"); err != nil {
		return nil, err
	}

	if state, ok := m.states[fileName]; ok {
		copied := *state
		return &copied, nil
	}
	return &ProcessingState{FileName: fileName}, nil
}

func (m *MemoryStore) UpdateProcessingState(ctx context.Context, fileName string, byteOffset, fileSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("update processing state"); err != nil {
		return err
	}

	now := time.Now()
	m.states[fileName] = &ProcessingState{
		FileName:          fileName,
		LastByteOffset:    byteOffset,
		LastProcessedTime: now,
		FileSizeBytes:     fileSize,
		UpdatedAt:         now,
	}
	return nil
}

// SessionCount returns the number of sessions stored in namespace.
func (m *MemoryStore) SessionCount(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[namespace])
}

func (m *MemoryStore) Close() error {
	return nil
}

func copyAggregate(agg *PeriodAggregate) *PeriodAggregate {
	copied := *agg
	if agg.DailyBreakdown != nil {
		copied.DailyBreakdown = append([]DailyItem(nil), agg.DailyBreakdown...)
	}
	return &copied
}
