package aggregator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arc-archive/arc-datastore/period"
)

// Outcome tells a caller whether a rollup call did the work or found it done.
type Outcome int

const (
	OutcomeDone Outcome = iota + 1
	OutcomeAlreadyComputed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeAlreadyComputed:
		return "already_computed"
	default:
		return "unknown"
	}
}

// Budget bounds a single rollup scan. Zero values mean unbounded.
type Budget struct {
	MaxItems int64
	Timeout  time.Duration
}

// Rollups computes period aggregates at most once per namespace, kind and
// key. The existence probe is only a fast path; the store's unique key is
// what keeps two racing computations from both persisting.
type Rollups struct {
	backend  Backend
	calendar period.Calendar
	budget   Budget
	pageSize int
	now      func() time.Time
	log      *logrus.Entry
}

func NewRollups(backend Backend, calendar period.Calendar, budget Budget, log *logrus.Entry) *Rollups {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Rollups{
		backend:  backend,
		calendar: calendar,
		budget:   budget,
		pageSize: DefaultPageSize,
		now:      time.Now,
		log:      log.WithField("component", "rollups"),
	}
}

// Run computes and stores the aggregate for the period named by kind and
// key. When the aggregate is already stored it returns the stored record
// with OutcomeAlreadyComputed and does not scan.
func (r *Rollups) Run(ctx context.Context, namespace string, kind period.Kind, key string) (*PeriodAggregate, Outcome, error) {
	w, err := r.calendar.Resolve(kind, key, r.now().UTC())
	if err != nil {
		return nil, 0, err
	}
	key = period.Key(kind, w)

	existing, err := r.backend.GetAggregate(ctx, namespace, kind, key)
	if err == nil {
		return existing, OutcomeAlreadyComputed, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, 0, err
	}

	startTime := time.Now()
	totals, err := r.scan(ctx, namespace, w)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"namespace": namespace,
			"period":    string(kind) + "/" + key,
		}).WithError(err).Warn("Rollup scan failed, nothing persisted")
		return nil, 0, err
	}

	agg := &PeriodAggregate{
		Kind:         kind,
		Key:          key,
		WindowStart:  w.Start,
		WindowEnd:    w.End,
		SessionCount: totals.Sessions,
		UserCount:    totals.Users,
		CreatedAt:    r.now().UTC(),
	}
	if kind.Ranged() {
		agg.DailyBreakdown, err = r.Breakdown(ctx, namespace, w)
		if err != nil {
			return nil, 0, err
		}
	}

	err = r.backend.InsertAggregate(ctx, namespace, agg)
	if errors.Is(err, ErrAggregateExists) {
		stored, getErr := r.backend.GetAggregate(ctx, namespace, kind, key)
		if getErr != nil {
			return nil, 0, getErr
		}
		r.log.WithField("period", string(kind)+"/"+key).Info("Rollup lost the race to a concurrent run")
		return stored, OutcomeAlreadyComputed, nil
	}
	if err != nil {
		return nil, 0, err
	}

	r.log.WithFields(logrus.Fields{
		"namespace": namespace,
		"period":    string(kind) + "/" + key,
		"sessions":  agg.SessionCount,
		"users":     agg.UserCount,
		"duration":  time.Since(startTime).String(),
	}).Info("Rollup stored")
	return agg, OutcomeDone, nil
}

// scan counts the sessions started in w within the configured budget.
func (r *Rollups) scan(ctx context.Context, namespace string, w period.Window) (Totals, error) {
	scanCtx := ctx
	if r.budget.Timeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, r.budget.Timeout)
		defer cancel()
	}

	counter := NewCounter(r.budget.MaxItems)
	opts := ScanOptions{SubjectOnly: true, PageSize: r.pageSize}
	err := r.backend.ScanSessions(scanCtx, namespace, w.Start, w.End, opts, func(s *Session) error {
		return counter.Add(s.SubjectID)
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return Totals{}, fmt.Errorf("%w: time budget of %s exceeded", ErrIncomplete, r.budget.Timeout)
		}
		return Totals{}, err
	}
	return counter.Totals(), nil
}

// Breakdown collects the stored daily aggregates inside w, ascending by day.
// Days whose daily rollup has not run yet are missing from the result.
func (r *Rollups) Breakdown(ctx context.Context, namespace string, w period.Window) ([]DailyItem, error) {
	dailies, err := r.backend.ListAggregates(ctx, namespace, period.KindDaily, w.Start, w.End)
	if err != nil {
		return nil, err
	}

	items := make([]DailyItem, 0, len(dailies))
	for _, d := range dailies {
		items = append(items, DailyItem{
			Day:      d.Key,
			Sessions: d.SessionCount,
			Users:    d.UserCount,
		})
	}
	SortBreakdown(items)
	return items, nil
}

// SortBreakdown orders items by day. Items whose day does not parse go first.
func SortBreakdown(items []DailyItem) {
	slices.SortStableFunc(items, func(a, b DailyItem) int {
		return period.CompareDayKeys(a.Day, b.Day)
	})
}
