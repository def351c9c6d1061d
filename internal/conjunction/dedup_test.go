package conjunction

import (
	"testing"
	"time"
)

func openEvent(id string, primary int, secondary Identity, tca time.Time) *Event {
	return &Event{ID: id, PrimaryID: primary, Secondary: secondary, TCA: tca, Active: true}
}

func TestMatch_WithinWindow(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(6 * time.Hour)
	tca := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sec := Identity{NoradID: 48274, Resolved: true}
	open := []*Event{openEvent("e-1", 25544, sec, tca)}

	if got := d.Match(open, 25544, sec, tca.Add(5*time.Minute)); got == nil || got.ID != "e-1" {
		t.Errorf("Match = %v, want e-1", got)
	}
}

func TestMatch_OutsideWindowCreatesNew(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(6 * time.Hour)
	tca := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sec := Identity{NoradID: 48274, Resolved: true}
	open := []*Event{openEvent("e-1", 25544, sec, tca)}

	if got := d.Match(open, 25544, sec, tca.Add(7*time.Hour)); got != nil {
		t.Errorf("Match = %v, want nil for TCA outside the window", got.ID)
	}
}

func TestMatch_IdentityMustAgree(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(6 * time.Hour)
	tca := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	open := []*Event{openEvent("e-1", 25544, Identity{NoradID: 48274, Resolved: true}, tca)}

	if got := d.Match(open, 25544, Identity{NoradID: 99901, Resolved: true}, tca); got != nil {
		t.Errorf("matched across different catalog numbers: %v", got.ID)
	}
	if got := d.Match(open, 43013, Identity{NoradID: 48274, Resolved: true}, tca); got != nil {
		t.Errorf("matched across different primaries: %v", got.ID)
	}
}

func TestMatch_ClosestTCAWins(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(6 * time.Hour)
	tca := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sec := Identity{NoradID: 48274, Resolved: true}
	open := []*Event{
		openEvent("e-far", 25544, sec, tca.Add(-4*time.Hour)),
		openEvent("e-near", 25544, sec, tca.Add(30*time.Minute)),
	}

	if got := d.Match(open, 25544, sec, tca); got == nil || got.ID != "e-near" {
		t.Errorf("Match = %v, want the closest TCA", got)
	}
}

func TestMatch_ProvisionalIdentityByName(t *testing.T) {
	t.Parallel()

	d := NewDeduplicator(6 * time.Hour)
	tca := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	open := []*Event{openEvent("e-1", 25544, Identity{Name: "COSMOS 2251 DEB"}, tca)}

	if got := d.Match(open, 25544, Identity{Name: "cosmos 2251 deb"}, tca); got == nil {
		t.Error("case-insensitive name match failed for provisional identity")
	}
	if got := d.Match(open, 25544, Identity{Name: ""}, tca); got != nil {
		t.Error("empty name matched a provisional identity")
	}
}

func TestIdentity_Key(t *testing.T) {
	t.Parallel()

	resolved := Identity{NoradID: 48274, Name: "STARLINK-1234", Resolved: true}
	if got, want := resolved.Key(25544), "25544/norad:48274"; got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}

	provisional := Identity{Name: " Unknown Object "}
	if got, want := provisional.Key(25544), "25544/name:unknown object"; got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}

func TestHashSource_Stable(t *testing.T) {
	t.Parallel()

	a := HashSource(SourceCDM, "CCSDS_CDM_VERS = 1.0\n")
	b := HashSource(SourceCDM, "CCSDS_CDM_VERS = 1.0\n")
	c := HashSource(SourceScreening, "CCSDS_CDM_VERS = 1.0\n")
	if a != b {
		t.Error("identical content hashed differently")
	}
	if a == c {
		t.Error("different source kinds share a hash for the same content")
	}
}
