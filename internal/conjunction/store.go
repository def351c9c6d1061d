package conjunction

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by a Store when a concurrent writer won the race
// for a dedup key. Callers retry the whole match-then-append sequence; the
// Service does this automatically.
var ErrConflict = errors.New("conjunction: concurrent write conflict")

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	PrimaryID  int
	ActiveOnly bool
	Tier       string
	Limit      int
}

// Store is the persistence interface for conjunction events.
//
// Locked runs fn while holding exclusive access to one dedup key. All
// event creation and update appends for that key happen inside fn, so two
// concurrent ingestions for the same pair can never both create an event
// for the same encounter. Implementations either hold a per-key lock
// (memstore) or detect the race and return ErrConflict for the caller to
// retry (pgstore).
type Store interface {
	Get(ctx context.Context, id string) (*Event, bool, error)
	List(ctx context.Context, f ListFilter) ([]*Event, error)

	// OpenForKey returns every event under one dedup key, update history
	// included, newest first.
	OpenForKey(ctx context.Context, key string) ([]*Event, error)

	// Create persists a new event together with its first update.
	Create(ctx context.Context, e *Event) error

	// Append adds one update to an existing event and mirrors its snapshot
	// into the event's current fields.
	Append(ctx context.Context, eventID string, u Update) error

	// Deactivate clears the active flag on the given events. History is
	// untouched.
	Deactivate(ctx context.Context, eventIDs []string) error

	// ActiveFutureEvents returns active events for a primary whose current
	// TCA is after now. Used to flag events a screening run no longer sees.
	ActiveFutureEvents(ctx context.Context, primaryID int, now time.Time) ([]*Event, error)

	Locked(ctx context.Context, key string, fn func(ctx context.Context) error) error
}
