package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/arc-archive/arc-datastore/period"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "analytics"

type EngineOptions struct {
	Namespace string
	Calendar  period.Calendar
	Budget    Budget
	Queue     QueueOptions
	Logger    *logrus.Logger

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Engine is the entry point for recording hits, running rollups and reading
// analytics. It is safe for concurrent use.
type Engine struct {
	backend   Backend
	namespace string
	calendar  period.Calendar
	tracker   *Tracker
	rollups   *Rollups
	queue     *Queue
	now       func() time.Time
	log       *logrus.Entry

	// Stored aggregates never change, so complete ones are cached by
	// kind/key once read.
	cacheMutex     sync.RWMutex
	aggregateCache map[string]*PeriodAggregate
}

// NewEngine creates an engine over backend. The rollup queue is created but
// not started; call Start to run queued rollups.
func NewEngine(backend Backend, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logrus.NewEntry(logger).WithField("namespace", opts.Namespace)

	e := &Engine{
		backend:        backend,
		namespace:      opts.Namespace,
		calendar:       opts.Calendar,
		tracker:        NewTracker(backend, log),
		rollups:        NewRollups(backend, opts.Calendar, opts.Budget, log),
		now:            opts.Now,
		log:            log.WithField("component", "engine"),
		aggregateCache: make(map[string]*PeriodAggregate),
	}
	e.rollups.now = opts.Now
	e.queue = NewQueue(e.handleQueued, opts.Queue, log)
	return e
}

func (e *Engine) Namespace() string {
	return e.namespace
}

func (e *Engine) Calendar() period.Calendar {
	return e.calendar
}

// Start runs the rollup workers until ctx is done or Close is called.
func (e *Engine) Start(ctx context.Context) {
	e.queue.Start(ctx)
}

// RecordHit registers a hit received now from a client whose clock is
// tzOffsetMinutes away from UTC. It reports whether a new session was opened.
func (e *Engine) RecordHit(ctx context.Context, subjectID string, tzOffsetMinutes int) (bool, error) {
	return e.TrackHit(ctx, Hit{
		SubjectID:       subjectID,
		Timestamp:       e.now(),
		TZOffsetMinutes: tzOffsetMinutes,
	})
}

// TrackHit registers a hit that carries its own timestamp.
func (e *Engine) TrackHit(ctx context.Context, hit Hit) (bool, error) {
	return e.tracker.Track(ctx, e.namespace, hit.SubjectID, hit.EventTime())
}

// QueryRange counts sessions and distinct users over an arbitrary range,
// bounds inclusive. Nothing is persisted.
func (e *Engine) QueryRange(ctx context.Context, start, end time.Time) (Totals, error) {
	if start.IsZero() || end.IsZero() {
		return Totals{}, fmt.Errorf("%w: start and end are required", ErrMissingParameter)
	}
	if start.After(end) {
		return Totals{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidRange,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	today := period.StartOfDay(e.now().UTC())
	if !start.Before(today) || !end.Before(today) {
		return Totals{}, fmt.Errorf("%w: start and end must be before today", ErrInvalidRange)
	}

	counter := NewCounter(0)
	opts := ScanOptions{SubjectOnly: true}
	err := e.backend.ScanSessions(ctx, e.namespace, start.UTC(), end.UTC(), opts, func(s *Session) error {
		return counter.Add(s.SubjectID)
	})
	if err != nil {
		return Totals{}, err
	}
	return counter.Totals(), nil
}

// GetPeriodAggregate returns the stored aggregate for kind and key. Weekly
// and monthly records whose breakdown is missing days are answered with the
// breakdown re-read from the daily aggregates; the stored record is left
// untouched.
func (e *Engine) GetPeriodAggregate(ctx context.Context, kind period.Kind, key string) (*PeriodAggregate, error) {
	w, err := e.calendar.Resolve(kind, key, e.now().UTC())
	if err != nil {
		return nil, err
	}
	key = period.Key(kind, w)
	cacheKey := aggregateKey(kind, key)

	e.cacheMutex.RLock()
	cached, ok := e.aggregateCache[cacheKey]
	e.cacheMutex.RUnlock()
	if ok {
		return copyAggregate(cached), nil
	}

	agg, err := e.backend.GetAggregate(ctx, e.namespace, kind, key)
	if err != nil {
		return nil, err
	}

	complete := true
	if kind.Ranged() {
		days := len(w.Days())
		if len(agg.DailyBreakdown) < days {
			items, err := e.rollups.Breakdown(ctx, e.namespace, w)
			if err != nil {
				return nil, err
			}
			if len(items) > len(agg.DailyBreakdown) {
				agg.DailyBreakdown = items
			}
			complete = len(agg.DailyBreakdown) >= days
		}
	}

	if complete {
		e.cacheMutex.Lock()
		e.aggregateCache[cacheKey] = copyAggregate(agg)
		e.cacheMutex.Unlock()
	}
	return agg, nil
}

// RequestRollup validates the period and queues its computation.
func (e *Engine) RequestRollup(ctx context.Context, kind period.Kind, key string) (period.Request, error) {
	w, err := e.calendar.Resolve(kind, key, e.now().UTC())
	if err != nil {
		return period.Request{}, err
	}
	req := period.Request{Kind: kind, Key: period.Key(kind, w)}
	if err := e.queue.Enqueue(req); err != nil {
		return req, err
	}
	return req, nil
}

// RequestEligible queues every rollup that has become eligible as of now.
// Requests that could not be queued are reported together.
func (e *Engine) RequestEligible(ctx context.Context) ([]period.Request, error) {
	var queued []period.Request
	var errs error
	for _, req := range e.calendar.Eligible(e.now().UTC()) {
		r, err := e.RequestRollup(ctx, req.Kind, req.Key)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", req, err))
			continue
		}
		queued = append(queued, r)
	}
	return queued, errs
}

// Rollup computes the aggregate for kind and key in the caller's goroutine.
func (e *Engine) Rollup(ctx context.Context, kind period.Kind, key string) (*PeriodAggregate, Outcome, error) {
	return e.rollups.Run(ctx, e.namespace, kind, key)
}

func (e *Engine) handleQueued(ctx context.Context, req period.Request) error {
	_, outcome, err := e.Rollup(ctx, req.Kind, req.Key)
	if err != nil {
		return err
	}
	if outcome == OutcomeAlreadyComputed {
		e.log.WithField("period", req.String()).Debug("Queued rollup already computed")
	}
	return nil
}

// Ping reports whether the backend answers.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.backend.GetAggregate(ctx, e.namespace, period.KindDaily, "0000-00-00")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Close drains the rollup queue and closes the backend.
func (e *Engine) Close() error {
	e.queue.Close()
	return e.backend.Close()
}
