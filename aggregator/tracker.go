package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Tracker decides whether a hit extends the subject's live session or opens
// a new one.
//
// The lookup and the write are not atomic. Two concurrent hits for the same
// subject can both open a session; the duplicate is bounded and the next
// hit continues the most recent one, so no lock is taken. Hits must arrive
// in event-time order per subject: an out-of-order hit is not reordered and
// may open a spurious session.
type Tracker struct {
	backend Backend
	timeout time.Duration
	newID   func() string
	log     *logrus.Entry
}

func NewTracker(backend Backend, log *logrus.Entry) *Tracker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		backend: backend,
		timeout: SessionTimeout,
		newID:   func() string { return uuid.New().String() },
		log:     log.WithField("component", "tracker"),
	}
}

// Track records a hit at eventTime, already shifted into the subject's local
// clock, and reports whether it opened a new session. Exactly one write is
// issued per call.
func (t *Tracker) Track(ctx context.Context, namespace, subjectID string, eventTime time.Time) (bool, error) {
	if subjectID == "" {
		return false, fmt.Errorf("%w: subject id is required", ErrMissingParameter)
	}
	eventTime = eventTime.UTC()

	live, err := t.backend.LatestSession(ctx, namespace, subjectID, eventTime.Add(-t.timeout))
	switch {
	case err == nil:
		if err := t.backend.TouchSession(ctx, namespace, live.ID, eventTime); err != nil {
			return false, fmt.Errorf("failed to extend session %s: %w", live.ID, err)
		}
		t.log.WithFields(logrus.Fields{
			"namespace":  namespace,
			"session_id": live.ID,
		}).Debug("Session continued")
		return false, nil

	case errors.Is(err, ErrNotFound):
		session := &Session{
			ID:           t.newID(),
			SubjectID:    subjectID,
			StartedAt:    eventTime,
			LastActiveAt: eventTime,
		}
		if err := t.backend.InsertSession(ctx, namespace, session); err != nil {
			return false, fmt.Errorf("failed to open session: %w", err)
		}
		t.log.WithFields(logrus.Fields{
			"namespace":  namespace,
			"session_id": session.ID,
		}).Debug("Session opened")
		return true, nil

	default:
		return false, fmt.Errorf("failed to look up live session: %w", err)
	}
}
