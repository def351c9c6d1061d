// Package screening searches a bounded time horizon for close approaches
// between an operator asset and a catalog of tracked objects. The engine is
// stateless computation: per-object propagation and refinement run in
// parallel with no shared mutable state, and identical inputs always produce
// the identical ordered candidate list.
package screening

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/perigeelabs/perigee/internal/frames"
	"github.com/perigeelabs/perigee/internal/propagate"
)

// Params tune a screening run. Zero values fall back to the defaults.
type Params struct {
	HorizonDays      int     // search horizon from now, default 7, capped at 14
	VolumeKm         float64 // report encounters with refined miss <= volume, default 10
	StepSeconds      int     // coarse sampling step, default 120
	AltitudeWindowKm float64 // skip secondaries outside this altitude band, default 200
	PrefilterKm      float64 // skip refining brackets whose predicted miss exceeds this, default 20x volume
	ToleranceKm      float64 // refinement convergence tolerance on separation, default 1 m
	Parallelism      int     // concurrent catalog objects, default 8
}

func (p Params) withDefaults() Params {
	if p.HorizonDays <= 0 {
		p.HorizonDays = 7
	}
	if p.HorizonDays > propagate.DefaultHorizonDays {
		p.HorizonDays = propagate.DefaultHorizonDays
	}
	if p.VolumeKm <= 0 {
		p.VolumeKm = 10
	}
	if p.StepSeconds <= 0 {
		p.StepSeconds = 120
	}
	if p.AltitudeWindowKm <= 0 {
		p.AltitudeWindowKm = 200
	}
	if p.PrefilterKm <= 0 {
		p.PrefilterKm = p.VolumeKm * 20
	}
	if p.ToleranceKm <= 0 {
		p.ToleranceKm = 0.001
	}
	if p.Parallelism <= 0 {
		p.Parallelism = 8
	}
	return p
}

// Candidate is a refined close approach below the screening volume. It is
// ephemeral: produced here, consumed immediately by scoring and dedup, never
// persisted on its own.
type Candidate struct {
	PrimaryID     int
	SecondaryID   int
	SecondaryName string
	TCA           time.Time
	MissKm        float64
	RelSpeedKmS   float64

	// Relative state of the secondary w.r.t. the primary at TCA, canonical
	// frame.
	RelPosition frames.Vec3
	RelVelocity frames.Vec3

	// Primary canonical state at TCA, kept so callers can build the RTN
	// basis without re-propagating.
	PrimaryState frames.State
}

// Skipped records a catalog object excluded from a run, with the failure
// that excluded it. Failures are collected, never fatal to the run.
type Skipped struct {
	NoradID int
	Name    string
	Err     error
}

// Report is the outcome of one screening run.
type Report struct {
	Candidates []Candidate
	Skipped    []Skipped
	Screened   int // catalog objects sampled after prefilters
}

// Engine performs conjunction screening.
type Engine struct {
	prop   *propagate.Propagator
	logger log.Logger
}

// New builds a screening engine.
func New(prop *propagate.Propagator, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{prop: prop, logger: logger}
}

// perObject holds one catalog object's results so parallel workers never
// touch a shared slice; ordering is restored from the catalog index.
type perObject struct {
	candidates []Candidate
	skipped    *Skipped
	screened   bool
}

// Screen samples the separation between the primary and every catalog object
// across [now, now+horizon] and refines each bracketed minimum. Candidates
// are returned sorted by TCA then secondary id.
func (e *Engine) Screen(ctx context.Context, primary propagate.ElementSet, catalog []propagate.ElementSet, now time.Time, params Params) (*Report, error) {
	p := params.withDefaults()

	primaryEph, err := e.prop.Ephemeris(primary)
	if err != nil {
		return nil, err
	}

	start := now.UTC()
	end := start.Add(time.Duration(p.HorizonDays) * 24 * time.Hour)

	primaryState, err := canonicalAt(primaryEph, start)
	if err != nil {
		// A primary that cannot propagate fails the whole run; there is
		// nothing to screen against.
		return nil, err
	}
	primaryAlt := propagate.AltitudeKm(primaryState)

	results := make([]perObject, len(catalog))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Parallelism)
	for i := range catalog {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.screenOne(primaryEph, primary.NoradID, catalog[i], primaryAlt, start, end, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{}
	for _, r := range results {
		if r.skipped != nil {
			report.Skipped = append(report.Skipped, *r.skipped)
		}
		if r.screened {
			report.Screened++
		}
		report.Candidates = append(report.Candidates, r.candidates...)
	}

	sort.Slice(report.Candidates, func(i, j int) bool {
		a, b := report.Candidates[i], report.Candidates[j]
		if !a.TCA.Equal(b.TCA) {
			return a.TCA.Before(b.TCA)
		}
		return a.SecondaryID < b.SecondaryID
	})

	e.logger.Info(ctx, "screening run complete",
		"primary", primary.NoradID,
		"catalog", len(catalog),
		"screened", report.Screened,
		"skipped", len(report.Skipped),
		"candidates", len(report.Candidates),
	)
	return report, nil
}

func (e *Engine) screenOne(primaryEph *propagate.Ephemeris, primaryID int, secondary propagate.ElementSet, primaryAlt float64, start, end time.Time, p Params) perObject {
	skip := func(err error) perObject {
		return perObject{skipped: &Skipped{NoradID: secondary.NoradID, Name: secondary.Name, Err: err}}
	}

	eph, err := e.prop.Ephemeris(secondary)
	if err != nil {
		return skip(err)
	}

	secState, err := canonicalAt(eph, start)
	if err != nil {
		return skip(err)
	}
	if math.Abs(propagate.AltitudeKm(secState)-primaryAlt) > p.AltitudeWindowKm {
		// Different altitude band, cannot approach within the volume.
		return perObject{}
	}

	relState := func(t time.Time) (frames.Vec3, frames.Vec3, error) {
		ps, err := canonicalAt(primaryEph, t)
		if err != nil {
			return frames.Vec3{}, frames.Vec3{}, err
		}
		ss, err := canonicalAt(eph, t)
		if err != nil {
			return frames.Vec3{}, frames.Vec3{}, err
		}
		return ss.Position.Sub(ps.Position), ss.Velocity.Sub(ps.Velocity), nil
	}

	step := time.Duration(p.StepSeconds) * time.Second
	var out perObject
	out.screened = true

	refine := func(lo, hi time.Time) {
		cand, err := e.refine(primaryEph, eph, primaryID, secondary, lo, hi, p)
		if err != nil || cand == nil {
			return
		}
		// Adjacent brackets can converge onto the same minimum; keep the
		// deeper one.
		for i := range out.candidates {
			if absDuration(out.candidates[i].TCA.Sub(cand.TCA)) < step {
				if cand.MissKm < out.candidates[i].MissKm {
					out.candidates[i] = *cand
				}
				return
			}
		}
		out.candidates = append(out.candidates, *cand)
	}

	// Slide a 3-sample window (d0,d1,d2) over the horizon; a middle sample
	// at a local minimum brackets a close approach on [t0, t2]. The prefilter
	// gates on the predicted miss, not the raw sample: a fast encounter
	// sampled a minute off TCA can sit hundreds of km out while its true
	// miss is under the volume.
	var (
		d [3]float64
		m [3]float64
		t [3]time.Time
		n int
	)
	for cur := start; !cur.After(end); cur = cur.Add(step) {
		r, v, err := relState(cur)
		if err != nil {
			// Mid-sweep propagation failure excludes the object entirely; a
			// partial sweep would make results depend on where it failed.
			return skip(err)
		}
		di := r.Norm()
		mi := predictedMiss(r, v, float64(p.StepSeconds))
		if n < 3 {
			d[n], m[n], t[n] = di, mi, cur
			n++
			if n < 3 {
				continue
			}
		} else {
			d[0], d[1], d[2] = d[1], d[2], di
			m[0], m[1], m[2] = m[1], m[2], mi
			t[0], t[1], t[2] = t[1], t[2], cur
		}
		if (d[1] <= d[0] && d[1] <= d[2] && m[1] <= p.PrefilterKm) || d[1] <= p.VolumeKm {
			refine(t[0], t[2])
		}
	}
	// A sweep ending while still converging leaves the minimum unbracketed at
	// the horizon edge; refine the trailing interval if it projects under the
	// prefilter.
	if n == 3 && d[2] < d[1] && (m[2] <= p.PrefilterKm || d[2] <= p.VolumeKm) {
		refine(t[1], t[2])
	}
	return out
}

// predictedMiss projects the relative state linearly to its point of closest
// approach, with the projection time clamped to clampSeconds, and returns the
// separation there.
func predictedMiss(r, v frames.Vec3, clampSeconds float64) float64 {
	v2 := v.Dot(v)
	if v2 <= 1e-12 {
		return r.Norm()
	}
	dt := -r.Dot(v) / v2
	if dt > clampSeconds {
		dt = clampSeconds
	} else if dt < -clampSeconds {
		dt = -clampSeconds
	}
	return r.Add(v.Scale(dt)).Norm()
}

const invPhi = 0.6180339887498949 // (sqrt(5)-1)/2

// refine runs a golden-section minimization of the separation over the
// bracketed interval, converging under the distance tolerance, and keeps the
// result only if the refined miss is within the screening volume.
func (e *Engine) refine(primaryEph, secondaryEph *propagate.Ephemeris, primaryID int, secondary propagate.ElementSet, lo, hi time.Time, p Params) (*Candidate, error) {
	sep := func(t time.Time) (float64, error) {
		ps, err := canonicalAt(primaryEph, t)
		if err != nil {
			return 0, err
		}
		ss, err := canonicalAt(secondaryEph, t)
		if err != nil {
			return 0, err
		}
		return ss.Position.Sub(ps.Position).Norm(), nil
	}

	a, b := lo, hi
	c := timeLerp(a, b, 1-invPhi)
	d := timeLerp(a, b, invPhi)
	fc, err := sep(c)
	if err != nil {
		return nil, err
	}
	fd, err := sep(d)
	if err != nil {
		return nil, err
	}

	for i := 0; i < 80; i++ {
		if b.Sub(a) < 20*time.Millisecond || (math.Abs(fc-fd) < p.ToleranceKm && b.Sub(a) < time.Second) {
			break
		}
		if fc < fd {
			b, d, fd = d, c, fc
			c = timeLerp(a, b, 1-invPhi)
			if fc, err = sep(c); err != nil {
				return nil, err
			}
		} else {
			a, c, fc = c, d, fd
			d = timeLerp(a, b, invPhi)
			if fd, err = sep(d); err != nil {
				return nil, err
			}
		}
	}

	tca := c
	if fd < fc {
		tca = d
	}

	ps, err := canonicalAt(primaryEph, tca)
	if err != nil {
		return nil, err
	}
	ss, err := canonicalAt(secondaryEph, tca)
	if err != nil {
		return nil, err
	}
	relP := ss.Position.Sub(ps.Position)
	relV := ss.Velocity.Sub(ps.Velocity)
	miss := relP.Norm()
	if miss > p.VolumeKm {
		return nil, nil
	}

	return &Candidate{
		PrimaryID:     primaryID,
		SecondaryID:   secondary.NoradID,
		SecondaryName: secondary.Name,
		TCA:           tca,
		MissKm:        miss,
		RelSpeedKmS:   relV.Norm(),
		RelPosition:   relP,
		RelVelocity:   relV,
		PrimaryState:  ps,
	}, nil
}

func canonicalAt(eph *propagate.Ephemeris, t time.Time) (frames.State, error) {
	st, err := eph.StateAt(t)
	if err != nil {
		return frames.State{}, err
	}
	return frames.ToCanonical(st)
}

func timeLerp(a, b time.Time, f float64) time.Time {
	return a.Add(time.Duration(f * float64(b.Sub(a))))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// IsPropagationFailure reports whether a skipped-object error belongs to the
// per-object propagation failure taxonomy rather than bad input.
func IsPropagationFailure(err error) bool {
	return errors.Is(err, propagate.ErrDecayed) ||
		errors.Is(err, propagate.ErrNumericalDivergence) ||
		errors.Is(err, propagate.ErrOutOfHorizon)
}
