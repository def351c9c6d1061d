// Package propagate produces orbit states for tracked objects from two-line
// element sets, wrapping the SGP4 implementation in
// github.com/joshuaferrara/go-satellite. Propagation failures are per-object
// and never fatal to a screening batch.
package propagate

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/perigeelabs/perigee/internal/frames"
)

const (
	// DefaultHorizonDays bounds how far from its own epoch an element set may
	// be propagated before the request is rejected instead of silently
	// extrapolating degraded elements.
	DefaultHorizonDays = 14

	earthRadiusKm = 6371.0

	// Below this geocentric radius the object is in the dense atmosphere and
	// SGP4 output is no longer a physically meaningful orbit.
	decayRadiusKm = earthRadiusKm + 100.0
)

// Failure sentinels, matched with errors.Is.
var (
	ErrOutOfHorizon        = errors.New("epoch outside propagation horizon")
	ErrDecayed             = errors.New("object decayed")
	ErrNumericalDivergence = errors.New("propagation diverged")
	ErrMalformedElements   = errors.New("malformed element set")
)

// SourceType classifies where an element set came from, for confidence
// grading downstream.
type SourceType string

const (
	SourcePublic  SourceType = "public"
	SourcePrivate SourceType = "private"
	SourceDerived SourceType = "derived"
)

// ElementSet is a TLE-like orbital element set for one tracked object.
// Immutable once built; newer sets supersede rather than mutate older ones.
type ElementSet struct {
	NoradID     int
	Name        string
	Line1       string
	Line2       string
	Epoch       time.Time
	Source      string
	SourceType  SourceType
	Confidence  float64
	RetrievedAt time.Time
}

// AgeHours reports how stale the element set is at now.
func (e ElementSet) AgeHours(now time.Time) float64 {
	return now.Sub(e.Epoch).Hours()
}

// OrbitState is a propagated state vector with provenance carried over from
// the element set it was derived from.
type OrbitState struct {
	NoradID    int
	Epoch      time.Time
	State      frames.State
	Source     string
	SourceType SourceType
	Confidence float64
}

// AltitudeKm returns the approximate altitude above the mean Earth radius.
func AltitudeKm(s frames.State) float64 {
	return math.Max(0, s.Position.Norm()-earthRadiusKm)
}

// ParseElementSet validates two TLE lines and extracts the catalog number
// and epoch. The SGP4 fit itself is deferred to the propagator.
func ParseElementSet(name, line1, line2 string) (ElementSet, error) {
	line1 = strings.TrimRight(line1, "\r\n ")
	line2 = strings.TrimRight(line2, "\r\n ")
	if len(line1) < 69 || !strings.HasPrefix(line1, "1 ") {
		return ElementSet{}, fmt.Errorf("%w: line 1 must be 69 columns starting with \"1 \"", ErrMalformedElements)
	}
	if len(line2) < 69 || !strings.HasPrefix(line2, "2 ") {
		return ElementSet{}, fmt.Errorf("%w: line 2 must be 69 columns starting with \"2 \"", ErrMalformedElements)
	}

	norad, err := strconv.Atoi(strings.TrimSpace(line1[2:7]))
	if err != nil {
		return ElementSet{}, fmt.Errorf("%w: catalog number %q: %v", ErrMalformedElements, line1[2:7], err)
	}

	epoch, err := parseEpoch(line1[18:32])
	if err != nil {
		return ElementSet{}, fmt.Errorf("%w: epoch %q: %v", ErrMalformedElements, line1[18:32], err)
	}

	return ElementSet{
		NoradID: norad,
		Name:    strings.TrimSpace(name),
		Line1:   line1,
		Line2:   line2,
		Epoch:   epoch,
	}, nil
}

// parseEpoch decodes the TLE YYDDD.DDDDDDDD epoch field.
func parseEpoch(field string) (time.Time, error) {
	raw := strings.TrimSpace(field)
	if len(raw) < 5 {
		return time.Time{}, fmt.Errorf("epoch field too short")
	}
	yy, err := strconv.Atoi(raw[:2])
	if err != nil {
		return time.Time{}, err
	}
	doy, err := strconv.ParseFloat(raw[2:], 64)
	if err != nil {
		return time.Time{}, err
	}
	year := 2000 + yy
	if yy >= 57 { // TLE epoch convention: 57-99 are 1957-1999
		year = 1900 + yy
	}
	dayStart := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	return dayStart.Add(time.Duration((doy - 1) * 24 * float64(time.Hour))), nil
}

// Propagator produces orbit states within a bounded horizon of each element
// set's own epoch. It is stateless computation and safe for concurrent use.
type Propagator struct {
	horizon time.Duration
}

// New builds a propagator with the given horizon in days; values <= 0 fall
// back to DefaultHorizonDays.
func New(horizonDays int) *Propagator {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	return &Propagator{horizon: time.Duration(horizonDays) * 24 * time.Hour}
}

// Ephemeris is an element set fitted for repeated evaluation. Screening
// evaluates thousands of epochs per object; fitting once avoids re-parsing
// the TLE on every sample.
type Ephemeris struct {
	Set     ElementSet
	sat     satellite.Satellite
	horizon time.Duration
}

// Ephemeris fits an element set for evaluation.
func (p *Propagator) Ephemeris(set ElementSet) (*Ephemeris, error) {
	if set.Line1 == "" || set.Line2 == "" {
		return nil, fmt.Errorf("%w: empty TLE lines", ErrMalformedElements)
	}
	sat := satellite.TLEToSat(set.Line1, set.Line2, satellite.GravityWGS84)
	return &Ephemeris{Set: set, sat: sat, horizon: p.horizon}, nil
}

// Propagate is the one-shot form: fit and evaluate a single epoch.
func (p *Propagator) Propagate(set ElementSet, epoch time.Time) (OrbitState, error) {
	eph, err := p.Ephemeris(set)
	if err != nil {
		return OrbitState{}, err
	}
	st, err := eph.StateAt(epoch)
	if err != nil {
		return OrbitState{}, err
	}
	return OrbitState{
		NoradID:    set.NoradID,
		Epoch:      epoch,
		State:      st,
		Source:     set.Source,
		SourceType: set.SourceType,
		Confidence: set.Confidence,
	}, nil
}

// StateAt evaluates the ephemeris at t. The SGP4 model runs at whole-second
// resolution; the sub-second remainder is applied as a linear advance along
// the velocity vector, which is exact to well under a meter over one second.
func (e *Ephemeris) StateAt(t time.Time) (frames.State, error) {
	dt := t.Sub(e.Set.Epoch)
	if dt < -e.horizon || dt > e.horizon {
		return frames.State{}, fmt.Errorf("%w: epoch %s is %.1f days from elements epoch %s",
			ErrOutOfHorizon, t.UTC().Format(time.RFC3339), dt.Hours()/24, e.Set.Epoch.UTC().Format(time.RFC3339))
	}

	u := t.UTC()
	frac := float64(u.Nanosecond()) / 1e9
	pos, vel := satellite.Propagate(e.sat, u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute(), u.Second())

	p := frames.Vec3{X: pos.X, Y: pos.Y, Z: pos.Z}
	v := frames.Vec3{X: vel.X, Y: vel.Y, Z: vel.Z}

	if !finite(p) || !finite(v) || (p.Norm() == 0 && v.Norm() == 0) {
		return frames.State{}, fmt.Errorf("%w: object %d at %s", ErrNumericalDivergence, e.Set.NoradID, u.Format(time.RFC3339))
	}
	if p.Norm() < decayRadiusKm {
		return frames.State{}, fmt.Errorf("%w: object %d radius %.1f km at %s", ErrDecayed, e.Set.NoradID, p.Norm(), u.Format(time.RFC3339))
	}

	if frac > 0 {
		p = p.Add(v.Scale(frac))
	}
	return frames.State{Position: p, Velocity: v, Frame: "TEME"}, nil
}

func finite(v frames.Vec3) bool {
	for _, x := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
