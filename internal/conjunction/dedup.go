package conjunction

import (
	"time"
)

// DefaultTCAWindow is how far apart two TCAs can sit and still describe the
// same encounter.
const DefaultTCAWindow = 6 * time.Hour

// Deduplicator decides which open event, if any, a new observation belongs
// to. It is pure matching logic with no storage of its own; callers run it
// under the store's per-key lock.
type Deduplicator struct {
	window time.Duration
}

// NewDeduplicator builds a deduplicator with the given TCA tolerance
// window. A non-positive window falls back to the default.
func NewDeduplicator(window time.Duration) *Deduplicator {
	if window <= 0 {
		window = DefaultTCAWindow
	}
	return &Deduplicator{window: window}
}

// Window returns the configured TCA tolerance.
func (d *Deduplicator) Window() time.Duration { return d.window }

// Match picks the open event the observation belongs to, or nil when a new
// event must be created. Identity must agree and the TCA must fall inside
// the tolerance window of the event's current TCA. When several events
// qualify the closest TCA wins; when none do, the answer is always nil —
// a duplicate event is recoverable, a wrong merge corrupts the audit trail.
func (d *Deduplicator) Match(open []*Event, primaryID int, secondary Identity, tca time.Time) *Event {
	var best *Event
	var bestDelta time.Duration
	for _, e := range open {
		if e.PrimaryID != primaryID || !e.Secondary.Matches(secondary) {
			continue
		}
		delta := tca.Sub(e.TCA)
		if delta < 0 {
			delta = -delta
		}
		if delta > d.window {
			continue
		}
		if best == nil || delta < bestDelta {
			best, bestDelta = e, delta
		}
	}
	return best
}
