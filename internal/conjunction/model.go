package conjunction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/perigeelabs/perigee/internal/risk"
)

// SourceKind says where an update came from.
type SourceKind string

const (
	// SourceScreening means the update was produced by a screening run.
	SourceScreening SourceKind = "screening"

	// SourceCDM means the update was ingested from a conjunction data message.
	SourceCDM SourceKind = "cdm"
)

// Identity names the secondary object of an encounter. Resolved is false
// while the match against the catalog is still provisional and the pairing
// rests on the name alone.
type Identity struct {
	NoradID  int    `json:"norad_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Resolved bool   `json:"resolved"`
}

// Key is the dedup key for this identity under the given primary. Events
// for the same (primary, secondary) pair share a key and are serialized
// through it in the store.
func (id Identity) Key(primaryID int) string {
	if id.Resolved {
		return fmt.Sprintf("%d/norad:%d", primaryID, id.NoradID)
	}
	return fmt.Sprintf("%d/name:%s", primaryID, strings.ToLower(strings.TrimSpace(id.Name)))
}

// Matches reports whether two identities name the same object. Resolved
// identities match on catalog number; a provisional identity matches only
// on (case-insensitive) name.
func (id Identity) Matches(other Identity) bool {
	if id.Resolved && other.Resolved {
		return id.NoradID == other.NoradID
	}
	a := strings.ToLower(strings.TrimSpace(id.Name))
	b := strings.ToLower(strings.TrimSpace(other.Name))
	return a != "" && a == b
}

// Update is one immutable snapshot in an event's audit history. Updates are
// append-only: they are never edited and never move to another event.
type Update struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"`
	TCA         time.Time       `json:"tca"`
	MissKm      float64         `json:"miss_km"`
	RelSpeedKmS float64         `json:"rel_speed_km_s"`
	Index       float64         `json:"index"`
	Tier        risk.Tier       `json:"tier"`
	Confidence  risk.Confidence `json:"confidence"`
	PoCLite     *float64        `json:"poc_lite,omitempty"`

	// Source identifies the raw input for audit replay: a screening run ID
	// or the full CDM text.
	SourceKind SourceKind `json:"source_kind"`
	SourceRef  string     `json:"source_ref"`
	SourceHash string     `json:"source_hash"`

	ComputedAt time.Time `json:"computed_at"`
}

// Event is one tracked conjunction between a primary satellite and a
// secondary object. Current fields always mirror the most recent update;
// the update history preserves every prior value. Events never close, they
// only accrue updates; Active flags whether the encounter was re-observed
// by the latest screening run.
type Event struct {
	ID        string   `json:"id"`
	PrimaryID int      `json:"primary_id"`
	Secondary Identity `json:"secondary"`

	TCA        time.Time       `json:"tca"`
	MissKm     float64         `json:"miss_km"`
	Index      float64         `json:"index"`
	Tier       risk.Tier       `json:"tier"`
	Confidence risk.Confidence `json:"confidence"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Updates []Update `json:"updates,omitempty"`
}

// Key returns the event's dedup key.
func (e *Event) Key() string {
	return e.Secondary.Key(e.PrimaryID)
}

// HasSource reports whether any update in the history already carries the
// given source hash.
func (e *Event) HasSource(hash string) bool {
	for i := range e.Updates {
		if e.Updates[i].SourceHash == hash {
			return true
		}
	}
	return false
}

// apply mirrors an update's snapshot into the event's current fields.
func (e *Event) apply(u Update) {
	e.TCA = u.TCA
	e.MissKm = u.MissKm
	e.Index = u.Index
	e.Tier = u.Tier
	e.Confidence = u.Confidence
	e.Active = true
	e.UpdatedAt = u.ComputedAt
}

// HashSource derives the idempotence hash for raw source content. Ingesting
// byte-identical content twice yields the same hash and is skipped.
func HashSource(kind SourceKind, raw string) string {
	sum := sha256.Sum256([]byte(string(kind) + "\x00" + raw))
	return hex.EncodeToString(sum[:])
}
