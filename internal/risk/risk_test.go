package risk

import (
	"math"
	"testing"

	"github.com/perigeelabs/perigee/internal/frames"
	"github.com/perigeelabs/perigee/internal/propagate"
)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(DefaultParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func baseInput(missKm float64) Input {
	return Input{
		MissKm:              missKm,
		RelSpeedKmS:         10,
		TimeToTCAHours:      10,
		RelPositionRTN:      frames.Vec3{X: missKm},
		RelVelocityRTN:      frames.Vec3{Y: 10},
		PrimarySource:       propagate.SourcePublic,
		SecondarySource:     propagate.SourcePublic,
		PrimaryConfidence:   0.8,
		SecondaryConfidence: 0.8,
		PrimaryAgeHours:     1,
		SecondaryAgeHours:   1,
		SecondaryResolved:   true,
	}
}

func TestScore_TierThresholds(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	if got := s.Score(baseInput(0.5)).Tier; got != TierHigh {
		t.Errorf("miss 0.5 km: tier = %s, want high", got)
	}
	if got := s.Score(baseInput(3)).Tier; got != TierWatch && got != TierHigh {
		t.Errorf("miss 3 km: tier = %s, want watch or high", got)
	}
	far := baseInput(9)
	far.TimeToTCAHours = 200
	if got := s.Score(far).Tier; got != TierLow {
		t.Errorf("miss 9 km, distant TCA: tier = %s, want low", got)
	}
}

func TestScore_TierTotalAndMonotone(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	rank := map[Tier]int{TierLow: 0, TierWatch: 1, TierHigh: 2}

	// Sweep miss distance downward; index rises monotonically, and the tier
	// must never decrease as the index increases.
	prevIndex := -1.0
	prevRank := -1
	for miss := 12.0; miss >= 0.05; miss -= 0.05 {
		in := baseInput(miss)
		// Keep the miss-override out of this sweep's way by holding the
		// geometry inputs fixed apart from distance.
		a := s.Score(in)
		if a.Index < 0 || a.Index > 1 {
			t.Fatalf("index %v out of [0,1] at miss %v", a.Index, miss)
		}
		r, ok := rank[a.Tier]
		if !ok {
			t.Fatalf("tier %q not in the enumeration at miss %v", a.Tier, miss)
		}
		if a.Index >= prevIndex && r < prevRank {
			t.Fatalf("tier decreased (%d -> %d) while index rose (%v -> %v)", prevRank, r, prevIndex, a.Index)
		}
		if a.Index >= prevIndex {
			prevIndex, prevRank = a.Index, r
		}
	}
}

func TestScore_HardMissOverride(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	// Even with every other term minimized, a sub-kilometre miss is high.
	in := baseInput(0.9)
	in.RelSpeedKmS = 0
	in.TimeToTCAHours = 1000
	if got := s.Score(in).Tier; got != TierHigh {
		t.Errorf("tier = %s, want high on hard miss override", got)
	}
}

func TestScore_ConfidenceDegradesWithAge(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	fresh := s.Score(baseInput(5))
	stale := baseInput(5)
	stale.PrimaryAgeHours = 200
	stale.SecondaryAgeHours = 200
	staleA := s.Score(stale)

	if confRank(staleA.Confidence) > confRank(fresh.Confidence) {
		t.Errorf("stale data graded %s, fresher than fresh data's %s", staleA.Confidence, fresh.Confidence)
	}
	if staleA.Confidence == ConfidenceA {
		t.Errorf("200 h old public elements graded A")
	}
}

func TestScore_PrivateSourceDoesNotDecay(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	in := baseInput(5)
	in.PrimarySource = propagate.SourcePrivate
	in.SecondarySource = propagate.SourcePrivate
	in.PrimaryAgeHours = 200
	in.SecondaryAgeHours = 200

	if got := s.Score(in).Confidence; got != ConfidenceA {
		t.Errorf("aged private sources graded %s, want A", got)
	}
}

func TestScore_UnresolvedSecondaryCapsConfidence(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	in := baseInput(5)
	in.SecondaryResolved = false
	if got := s.Score(in).Confidence; got != ConfidenceD {
		t.Errorf("unresolved secondary graded %s, want D", got)
	}
}

func TestScore_CovarianceRaisesConfidence(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	// Spec scenario: 20 m miss, identity covariance in km², 10 m hard body.
	hbr := 0.01
	with := baseInput(0.02)
	with.PrimaryConfidence = 0.75
	with.SecondaryConfidence = 0.75
	with.Covariance = &frames.Mat3{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	with.HardBodyRadiusKm = &hbr

	without := with
	without.Covariance = nil
	without.HardBodyRadiusKm = nil

	aWith := s.Score(with)
	aWithout := s.Score(without)

	if confRank(aWith.Confidence) <= confRank(aWithout.Confidence) {
		t.Errorf("covariance did not raise confidence: %s vs %s", aWith.Confidence, aWithout.Confidence)
	}

	if aWith.PoCLite == nil {
		t.Fatal("PoCLite missing with covariance and hard-body radius")
	}
	if p := *aWith.PoCLite; p <= 0 || p >= 1 || math.IsNaN(p) {
		t.Errorf("PoCLite = %v, want finite in (0,1)", p)
	}
	if aWithout.PoCLite != nil {
		t.Error("PoCLite present without covariance")
	}
}

func TestPoCLite_ConvergesWithAngularResolution(t *testing.T) {
	t.Parallel()

	hbr := 0.01
	in := baseInput(0.02)
	in.Covariance = &frames.Mat3{{1, 0.1, 0}, {0.1, 2, 0.05}, {0, 0.05, 0.5}}
	in.HardBodyRadiusKm = &hbr

	var values []float64
	for _, steps := range []int{8, 16, 32, 64, 128} {
		p := DefaultParams()
		p.PoCAngularSteps = steps
		s, err := New(p)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		a := s.Score(in)
		if a.PoCLite == nil {
			t.Fatalf("PoCLite missing at %d steps", steps)
		}
		values = append(values, *a.PoCLite)
	}

	// Successive doublings must shrink the change.
	for i := 2; i < len(values); i++ {
		prev := math.Abs(values[i-1] - values[i-2])
		cur := math.Abs(values[i] - values[i-1])
		if cur > prev+1e-15 {
			t.Errorf("convergence not monotone: |Δ| %.3e -> %.3e at doubling %d", prev, cur, i)
		}
	}
}

func TestScore_PureFunction(t *testing.T) {
	t.Parallel()
	s := newScorer(t)

	in := baseInput(2.5)
	first := s.Score(in)
	for i := 0; i < 10; i++ {
		if got := s.Score(in); got.Index != first.Index || got.Tier != first.Tier || got.Confidence != first.Confidence {
			t.Fatalf("Score not reproducible on call %d", i)
		}
	}
}

func TestParams_Validate(t *testing.T) {
	t.Parallel()

	bad := DefaultParams()
	bad.WatchIndex = 0.8 // above HighIndex
	if _, err := New(bad); err == nil {
		t.Error("overlapping tier thresholds accepted")
	}

	bad = DefaultParams()
	bad.WatchMissKm = 0.5 // below HighMissKm
	if _, err := New(bad); err == nil {
		t.Error("inverted miss thresholds accepted")
	}
}

func confRank(c Confidence) int {
	switch c {
	case ConfidenceA:
		return 3
	case ConfidenceB:
		return 2
	case ConfidenceC:
		return 1
	default:
		return 0
	}
}
