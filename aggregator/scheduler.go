package aggregator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arc-archive/arc-datastore/period"
)

// EligibleRequester queues the rollups that are due. Engine implements it.
type EligibleRequester interface {
	RequestEligible(ctx context.Context) ([]period.Request, error)
}

// Scheduler periodically queues every rollup that became eligible: yesterday
// each day, last week on the first day of a week and last month on the 1st.
type Scheduler struct {
	requester EligibleRequester
	interval  time.Duration
	now       func() time.Time
	stopChan  chan bool
	log       *logrus.Entry

	// Day of the last tick that queued everything it had to.
	lastDay string
}

func NewScheduler(requester EligibleRequester, interval time.Duration, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		requester: requester,
		interval:  interval,
		now:       time.Now,
		stopChan:  make(chan bool),
		log:       log.WithField("component", "scheduler"),
	}
}

// Start ticks once immediately, then every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.WithField("interval", s.interval.String()).Info("Starting rollup scheduler")
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Tick(ctx)
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-s.stopChan:
				ticker.Stop()
				s.log.Info("Rollup scheduler stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// Tick queues the rollups due today unless an earlier tick already did. A
// tick with failures is repeated on the next interval; queued rollups that
// were already computed are cheap no-ops.
func (s *Scheduler) Tick(ctx context.Context) int {
	today := s.now().UTC().Format(period.DayLayout)
	if s.lastDay == today {
		return 0
	}

	queued, err := s.requester.RequestEligible(ctx)
	if err != nil {
		s.log.WithField("day", today).WithError(err).Warn("Some rollups could not be queued")
	} else {
		s.lastDay = today
	}

	s.log.WithFields(logrus.Fields{
		"day":    today,
		"queued": len(queued),
	}).Info("Scheduled rollups")
	return len(queued)
}
