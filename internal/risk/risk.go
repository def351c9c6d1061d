// Package risk turns encounter geometry and data-quality inputs into a
// deterministic, explainable assessment: a bounded screening index, a
// qualitative tier, a confidence grade, and optionally a lite
// collision-probability estimate. Scoring is a pure function of its inputs
// so any tier or confidence change can be replayed and explained.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/perigeelabs/perigee/internal/frames"
	"github.com/perigeelabs/perigee/internal/propagate"
)

// Tier is the qualitative risk bucket.
type Tier string

const (
	TierLow   Tier = "low"
	TierWatch Tier = "watch"
	TierHigh  Tier = "high"
)

// Confidence is the data-quality grade attached to an assessment, A best.
type Confidence string

const (
	ConfidenceA Confidence = "A"
	ConfidenceB Confidence = "B"
	ConfidenceC Confidence = "C"
	ConfidenceD Confidence = "D"
)

// Params configure the scorer. Thresholds are configuration, not constants,
// but must stay total and non-overlapping over the index range.
type Params struct {
	ScreeningVolumeKm float64 // normalizes the miss-distance term, default 10
	TimeCriticalHours float64 // encounters closer than this raise urgency, default 72
	StalenessHours    float64 // element-set age beyond which confidence bottoms out, default 72

	WatchIndex  float64 // index at or above -> at least watch, default 0.4
	HighIndex   float64 // index at or above -> high, default 0.7
	WatchMissKm float64 // miss at or under -> at least watch, default 5
	HighMissKm  float64 // miss at or under -> high regardless of index, default 1

	// MahalanobisScale is the normalized-separation value (in combined sigma)
	// treated as negligible risk when covariance is available, default 5.
	MahalanobisScale float64

	// PoCAngularSteps is the angular resolution of the PoC-lite quadrature,
	// default 64.
	PoCAngularSteps int
}

// DefaultParams mirror the shipped configuration.
func DefaultParams() Params {
	return Params{
		ScreeningVolumeKm: 10,
		TimeCriticalHours: 72,
		StalenessHours:    72,
		WatchIndex:        0.4,
		HighIndex:         0.7,
		WatchMissKm:       5,
		HighMissKm:        1,
		MahalanobisScale:  5,
		PoCAngularSteps:   64,
	}
}

// Validate rejects threshold configurations that would make the tier mapping
// partial or overlapping.
func (p Params) Validate() error {
	var errs []error
	if p.ScreeningVolumeKm <= 0 {
		errs = append(errs, fmt.Errorf("screening volume must be positive, got %v", p.ScreeningVolumeKm))
	}
	if p.WatchIndex < 0 || p.HighIndex <= p.WatchIndex || p.HighIndex > 1 {
		errs = append(errs, fmt.Errorf("tier thresholds must satisfy 0 <= watch < high <= 1, got watch=%v high=%v", p.WatchIndex, p.HighIndex))
	}
	if p.HighMissKm < 0 || p.WatchMissKm < p.HighMissKm {
		errs = append(errs, fmt.Errorf("miss thresholds must satisfy 0 <= high <= watch, got high=%v watch=%v", p.HighMissKm, p.WatchMissKm))
	}
	if p.TimeCriticalHours <= 0 {
		errs = append(errs, fmt.Errorf("time-critical hours must be positive, got %v", p.TimeCriticalHours))
	}
	if p.StalenessHours <= 0 {
		errs = append(errs, fmt.Errorf("staleness hours must be positive, got %v", p.StalenessHours))
	}
	if p.PoCAngularSteps < 4 {
		errs = append(errs, fmt.Errorf("poc angular steps must be >= 4, got %d", p.PoCAngularSteps))
	}
	return errors.Join(errs...)
}

// Input is everything the scorer may consider. Every field is explicit; the
// scorer keeps no hidden state.
type Input struct {
	MissKm         float64
	RelSpeedKmS    float64
	TimeToTCAHours float64

	// Relative position and velocity of the secondary in RTN axes at TCA.
	// Required for the covariance-aware index term and PoC-lite.
	RelPositionRTN frames.Vec3
	RelVelocityRTN frames.Vec3

	// Covariance is the combined position covariance in RTN axes, km². Nil
	// when no real covariance is available.
	Covariance *frames.Mat3

	// HardBodyRadiusKm enables PoC-lite when both it and Covariance are set.
	HardBodyRadiusKm *float64

	PrimarySource       propagate.SourceType
	SecondarySource     propagate.SourceType
	PrimaryConfidence   float64
	SecondaryConfidence float64
	PrimaryAgeHours     float64
	SecondaryAgeHours   float64

	// SecondaryResolved is false while the secondary identity is still a
	// provisional catalog match.
	SecondaryResolved bool

	// StabilityStdKm is the standard deviation of recent miss-distance
	// estimates for the same event, when history exists.
	StabilityStdKm *float64
}

// Assessment is the derived risk output. It is always embedded in an event
// update, never stored on its own.
type Assessment struct {
	Index      float64
	Tier       Tier
	Confidence Confidence

	// PoCLite is the approximate collision probability, nil when covariance
	// or hard-body radius were unavailable. Never a certified Pc.
	PoCLite *float64
}

// Scorer computes risk assessments. Stateless and safe for concurrent use.
type Scorer struct {
	params Params
}

// New builds a scorer after validating the configuration.
func New(params Params) (*Scorer, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("risk params: %w", err)
	}
	return &Scorer{params: params}, nil
}

// Score derives the assessment for one encounter snapshot.
func (s *Scorer) Score(in Input) Assessment {
	p := s.params

	sep := clamp(1-in.MissKm/p.ScreeningVolumeKm, 0, 1)
	if in.Covariance != nil {
		// With real covariance, normalized separation in the encounter plane
		// replaces the raw miss term: a tight covariance around the actual
		// encounter raises the index even at identical miss distance.
		if m, ok := mahalanobis(in); ok {
			sep = math.Max(sep, clamp(1-m/p.MahalanobisScale, 0, 1))
		}
	}
	urgency := clamp((p.TimeCriticalHours-in.TimeToTCAHours)/p.TimeCriticalHours, 0, 1)
	speed := clamp(in.RelSpeedKmS/15, 0, 1)

	index := 0.60*sep + 0.25*urgency + 0.15*speed

	var tier Tier
	switch {
	case in.MissKm <= p.HighMissKm || index >= p.HighIndex:
		tier = TierHigh
	case in.MissKm <= p.WatchMissKm || index >= p.WatchIndex:
		tier = TierWatch
	default:
		tier = TierLow
	}

	assessment := Assessment{
		Index:      index,
		Tier:       tier,
		Confidence: s.confidence(in),
	}

	if in.Covariance != nil && in.HardBodyRadiusKm != nil {
		if poc, ok := s.pocLite(in); ok {
			assessment.PoCLite = &poc
		}
	}
	return assessment
}

// confidence grades data quality A-D from source type, data age against the
// staleness threshold, covariance presence, and identity resolution.
func (s *Scorer) confidence(in Input) Confidence {
	p := s.params

	pAdj := clamp(in.PrimaryConfidence*ageFactor(in.PrimarySource, in.PrimaryAgeHours, p.StalenessHours), 0, 1)
	sAdj := clamp(in.SecondaryConfidence*ageFactor(in.SecondarySource, in.SecondaryAgeHours, p.StalenessHours), 0, 1)

	score := math.Min(pAdj, sAdj)
	if in.StabilityStdKm != nil {
		score *= clamp(1-*in.StabilityStdKm/5, 0.3, 1)
	}
	if in.Covariance != nil {
		// A real combined covariance is a stronger statement about the data
		// than any element-set heuristic.
		score = clamp(score+0.25, 0, 1)
	}
	if !in.SecondaryResolved {
		// A provisional identity can never grade above C.
		score = math.Min(score, 0.39)
	}

	switch {
	case score >= 0.80:
		return ConfidenceA
	case score >= 0.60:
		return ConfidenceB
	case score >= 0.40:
		return ConfidenceC
	default:
		return ConfidenceD
	}
}

// ageFactor decays public and derived element sets linearly toward a 0.2
// floor over the staleness window; private/ephemeris-grade sources do not
// decay.
func ageFactor(source propagate.SourceType, ageHours, stalenessHours float64) float64 {
	if source == propagate.SourcePrivate {
		return 1
	}
	return clamp(1-ageHours/stalenessHours, 0.2, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
