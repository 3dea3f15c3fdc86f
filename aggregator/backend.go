package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/arc-archive/arc-datastore/period"
)

// DefaultPageSize is the number of sessions a backend reads per page while
// scanning a window.
const DefaultPageSize = 10000

// ScanOptions tunes Backend.ScanSessions.
type ScanOptions struct {
	// SubjectOnly lets the backend skip every field except ID, SubjectID
	// and StartedAt.
	SubjectOnly bool
	PageSize    int
}

func (o ScanOptions) PageSizeOrDefault() int {
	if o.PageSize <= 0 {
		return DefaultPageSize
	}
	return o.PageSize
}

// Backend is the record store capability the engine runs on. Every method
// takes the logical namespace explicitly.
//
// Implementations return ErrNotFound for missing records, ErrAggregateExists
// when InsertAggregate loses against an existing key and wrap every other
// failure with ErrStorageUnavailable.
type Backend interface {
	// LatestSession returns the subject's session with the greatest
	// LastActiveAt that is not before since.
	LatestSession(ctx context.Context, namespace, subjectID string, since time.Time) (*Session, error)
	InsertSession(ctx context.Context, namespace string, s *Session) error
	TouchSession(ctx context.Context, namespace, sessionID string, lastActiveAt time.Time) error

	// ScanSessions calls fn for every session with start <= StartedAt <= end,
	// in no particular order, paginating internally. A non-nil error from fn
	// stops the scan and is returned as is.
	ScanSessions(ctx context.Context, namespace string, start, end time.Time, opts ScanOptions, fn func(*Session) error) error

	GetAggregate(ctx context.Context, namespace string, kind period.Kind, key string) (*PeriodAggregate, error)
	// InsertAggregate stores agg only if no aggregate with the same kind and
	// key exists. This is the idempotency backstop and must be atomic.
	InsertAggregate(ctx context.Context, namespace string, agg *PeriodAggregate) error
	// ListAggregates returns the aggregates of kind whose window starts in
	// [start, end].
	ListAggregates(ctx context.Context, namespace string, kind period.Kind, start, end time.Time) ([]*PeriodAggregate, error)

	Close() error
}

// OffsetStore persists how far the processor has read each hits file.
type OffsetStore interface {
	GetProcessingState(ctx context.Context, fileName string) (*ProcessingState, error)
	UpdateProcessingState(ctx context.Context, fileName string, byteOffset, fileSize int64) error
}

// StorageError wraps a backend failure as ErrStorageUnavailable.
func StorageError(op string, err error) error {
	return unavailable(op, err)
}

func ValidateSession(s *Session) error {
	if s == nil || s.ID == "" || s.SubjectID == "" {
		return fmt.Errorf("%w: session id and subject id are required", ErrMissingParameter)
	}
	return nil
}
