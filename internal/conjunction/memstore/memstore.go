// Package memstore provides an in-memory implementation of conjunction.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/perigeelabs/perigee/internal/conjunction"
)

// Store holds conjunction events in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	events map[string]*conjunction.Event // event ID -> event
	byKey  map[string][]string           // dedup key -> event IDs, newest first

	keysMu sync.Mutex
	keys   map[string]*sync.Mutex // dedup key -> write lock
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		events: make(map[string]*conjunction.Event),
		byKey:  make(map[string][]string),
		keys:   make(map[string]*sync.Mutex),
	}
}

// Locked runs fn while holding the write lock for one dedup key. Writes for
// different keys proceed in parallel.
func (s *Store) Locked(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	s.keysMu.Lock()
	l, ok := s.keys[key]
	if !ok {
		l = &sync.Mutex{}
		s.keys[key] = l
	}
	s.keysMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(ctx)
}

// Get retrieves an event by ID. Returns a deep copy.
func (s *Store) Get(_ context.Context, id string) (*conjunction.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, false, nil
	}
	return clone(e), true, nil
}

// List returns events matching the filter, newest update first.
func (s *Store) List(_ context.Context, f conjunction.ListFilter) ([]*conjunction.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*conjunction.Event
	for _, e := range s.events {
		if f.PrimaryID != 0 && e.PrimaryID != f.PrimaryID {
			continue
		}
		if f.ActiveOnly && !e.Active {
			continue
		}
		if f.Tier != "" && string(e.Tier) != f.Tier {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// OpenForKey returns all events under one dedup key, newest first.
func (s *Store) OpenForKey(_ context.Context, key string) ([]*conjunction.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byKey[key]
	out := make([]*conjunction.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, clone(s.events[id]))
	}
	return out, nil
}

// Create stores a deep copy of a new event.
func (s *Store) Create(_ context.Context, e *conjunction.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := clone(e)
	s.events[e.ID] = cp
	key := e.Key()
	s.byKey[key] = append([]string{e.ID}, s.byKey[key]...)
	return nil
}

// Append adds one update to an event and mirrors it into the current fields.
func (s *Store) Append(_ context.Context, eventID string, u conjunction.Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return conjunction.ErrConflict
	}
	e.Updates = append(e.Updates, u)
	e.TCA = u.TCA
	e.MissKm = u.MissKm
	e.Index = u.Index
	e.Tier = u.Tier
	e.Confidence = u.Confidence
	e.Active = true
	e.UpdatedAt = u.ComputedAt
	return nil
}

// Deactivate clears the active flag on the given events.
func (s *Store) Deactivate(_ context.Context, eventIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		if e, ok := s.events[id]; ok {
			e.Active = false
		}
	}
	return nil
}

// ActiveFutureEvents returns active events for a primary with a current TCA
// after now.
func (s *Store) ActiveFutureEvents(_ context.Context, primaryID int, now time.Time) ([]*conjunction.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*conjunction.Event
	for _, e := range s.events {
		if e.PrimaryID == primaryID && e.Active && e.TCA.After(now) {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

func clone(e *conjunction.Event) *conjunction.Event {
	cp := *e
	cp.Updates = make([]conjunction.Update, len(e.Updates))
	copy(cp.Updates, e.Updates)
	return &cp
}
