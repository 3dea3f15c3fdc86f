package aggregator

import (
	"errors"
	"fmt"

	"github.com/arc-archive/arc-datastore/period"
)

var (
	ErrMissingParameter = errors.New("missing parameter")
	ErrInvalidRange     = errors.New("invalid range")
	ErrNotFound         = errors.New("not found")

	// ErrStorageUnavailable marks transient backend faults. Callers decide
	// whether to retry; nothing in this package retries on its own except
	// the rollup queue.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrIncomplete means a rollup scan hit its item or time budget and
	// nothing was persisted.
	ErrIncomplete = errors.New("rollup incomplete")

	// ErrAggregateExists is returned by Backend.InsertAggregate when a record
	// for the same namespace, kind and key is already stored.
	ErrAggregateExists = errors.New("aggregate already exists")

	ErrQueueFull   = errors.New("rollup queue full")
	ErrQueueClosed = errors.New("rollup queue closed")
)

// Aliased so callers only need this package to classify engine errors.
var (
	ErrInvalidDate      = period.ErrInvalidDate
	ErrPeriodNotElapsed = period.ErrPeriodNotElapsed
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// IsClientError reports whether err was caused by bad caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingParameter) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrPeriodNotElapsed) ||
		errors.Is(err, period.ErrInvalidKind)
}

// Retryable reports whether a failed rollup may succeed on a later attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrIncomplete)
}
