package aggregator

import "fmt"

// Counter reduces a stream of sessions into Totals. Every session counts,
// a subject counts only the first time it is seen, so the result does not
// depend on input order.
type Counter struct {
	seen   map[string]struct{}
	totals Totals
	limit  int64
}

// NewCounter returns a counter that refuses more than limit sessions with
// ErrIncomplete. A limit of zero or less means unbounded.
func NewCounter(limit int64) *Counter {
	return &Counter{
		seen:  make(map[string]struct{}),
		limit: limit,
	}
}

func (c *Counter) Add(subjectID string) error {
	if c.limit > 0 && c.totals.Sessions >= c.limit {
		return fmt.Errorf("%w: item budget of %d sessions exceeded", ErrIncomplete, c.limit)
	}

	c.totals.Sessions++
	if _, ok := c.seen[subjectID]; !ok {
		c.seen[subjectID] = struct{}{}
		c.totals.Users++
	}
	return nil
}

func (c *Counter) Totals() Totals {
	return c.totals
}

// Count is a convenience for reducing an in-memory list of subject ids.
func Count(subjectIDs []string) Totals {
	c := NewCounter(0)
	for _, id := range subjectIDs {
		_ = c.Add(id)
	}
	return c.Totals()
}
