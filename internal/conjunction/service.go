package conjunction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/perigeelabs/perigee/internal/cdm"
	"github.com/perigeelabs/perigee/internal/frames"
	"github.com/perigeelabs/perigee/internal/propagate"
	"github.com/perigeelabs/perigee/internal/risk"
	"github.com/perigeelabs/perigee/internal/screening"
)

// Outcome says what an ingestion did to the event set.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeDuplicate Outcome = "duplicate"
)

// conflictRetries bounds the retry loop around a dedup-key write race.
const conflictRetries = 3

// Notifier is told about event changes after they are durably recorded.
// Delivery is fire-and-forget from the service's point of view; retry and
// timeout policy belong to the implementation.
type Notifier interface {
	EventChanged(ctx context.Context, e *Event, u Update, created bool)
}

// RunReport summarizes one screening run.
type RunReport struct {
	RunID       string    `json:"run_id"`
	PrimaryID   int       `json:"primary_id"`
	Screened    int       `json:"screened"`
	Candidates  int       `json:"candidates"`
	Created     int       `json:"events_created"`
	Updated     int       `json:"events_updated"`
	Duplicates  int       `json:"duplicates_skipped"`
	Failures    int       `json:"propagation_failures"`
	Deactivated int       `json:"events_deactivated"`
	StartedAt   time.Time `json:"started_at"`
	Duration    float64   `json:"duration_seconds"`
}

// IngestResult is the outcome of ingesting a single observation.
type IngestResult struct {
	Event   *Event
	Update  *Update
	Outcome Outcome
}

// Service is the business boundary for conjunction tracking. It owns the
// match-then-append sequence: the engine and scorer are stateless, and all
// event mutation goes through the store under its per-key lock.
type Service struct {
	store    Store
	engine   *screening.Engine
	scorer   *risk.Scorer
	dedup    *Deduplicator
	notifier Notifier
	metrics  *Metrics
	logger   log.Logger
	now      func() time.Time
}

// NewService wires the conjunction service. notifier and metrics may be nil.
func NewService(store Store, engine *screening.Engine, scorer *risk.Scorer, dedup *Deduplicator, notifier Notifier, metrics *Metrics, logger log.Logger) *Service {
	return &Service{
		store:    store,
		engine:   engine,
		scorer:   scorer,
		dedup:    dedup,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Get retrieves an event with its full update history.
func (s *Service) Get(ctx context.Context, id string) (*Event, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns events matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Event, error) {
	return s.store.List(ctx, f)
}

// RunScreening screens the primary against the catalog, scores every
// candidate encounter, folds the results into the event set, and flags
// events the run no longer observes. One bad catalog object never aborts
// the run.
func (s *Service) RunScreening(ctx context.Context, primary propagate.ElementSet, catalog []propagate.ElementSet, params screening.Params) (*RunReport, error) {
	runID := ulid.Make().String()
	started := s.now()
	L := s.logger.With("run_id", runID, "primary", primary.NoradID)

	elems := make(map[int]propagate.ElementSet, len(catalog))
	for _, set := range catalog {
		elems[set.NoradID] = set
	}

	report, err := s.engine.Screen(ctx, primary, catalog, started, params)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ScreeningsTotal.WithLabelValues("failed").Inc()
		}
		return nil, fmt.Errorf("screen primary %d: %w", primary.NoradID, err)
	}

	rr := &RunReport{
		RunID:     runID,
		PrimaryID: primary.NoradID,
		Screened:  report.Screened,
		Failures:  len(report.Skipped),
		StartedAt: started,
	}

	seen := make(map[string]bool)
	for _, c := range report.Candidates {
		rr.Candidates++
		obs := s.candidateObservation(primary, elems[c.SecondaryID], c, runID)
		res, err := s.ingest(ctx, obs)
		if err != nil {
			// A storage failure on one candidate is reported but does not
			// discard the rest of the run.
			L.Error(ctx, err, "ingest candidate failed", "secondary", c.SecondaryID)
			continue
		}
		seen[res.Event.ID] = true
		switch res.Outcome {
		case OutcomeCreated:
			rr.Created++
		case OutcomeUpdated:
			rr.Updated++
		case OutcomeDuplicate:
			rr.Duplicates++
		}
	}

	deactivated, err := s.deactivateUnseen(ctx, primary.NoradID, seen)
	if err != nil {
		L.Error(ctx, err, "deactivate stale events failed")
	}
	rr.Deactivated = deactivated

	rr.Duration = s.now().Sub(started).Seconds()
	if s.metrics != nil {
		s.metrics.ScreeningsTotal.WithLabelValues("complete").Inc()
		s.metrics.ScreeningDuration.Observe(rr.Duration)
		s.metrics.ScreeningCandidates.Observe(float64(rr.Candidates))
		s.metrics.ScreeningSkipped.Add(float64(rr.Failures))
		s.metrics.EventsDeactivated.Add(float64(deactivated))
	}

	L.Info(ctx, "screening run complete",
		"screened", rr.Screened,
		"candidates", rr.Candidates,
		"created", rr.Created,
		"updated", rr.Updated,
		"failures", rr.Failures,
		"deactivated", rr.Deactivated,
		"duration", rr.Duration,
	)
	return rr, nil
}

// IngestCDM parses KVN text, scores the encounter, and folds it into the
// event set. Malformed text is rejected whole; nothing is partially
// ingested.
func (s *Service) IngestCDM(ctx context.Context, text string) (*IngestResult, error) {
	rec, err := cdm.Parse(text)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IngestsTotal.WithLabelValues(string(SourceCDM), "parse_error").Inc()
		}
		return nil, err
	}

	obs, err := s.cdmObservation(rec, text)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IngestsTotal.WithLabelValues(string(SourceCDM), "rejected").Inc()
		}
		return nil, err
	}

	return s.ingest(ctx, obs)
}

// observation is one scored-and-ready input to the dedup step. The risk
// input is kept unscored so a matched event's history can contribute the
// stability term before scoring.
type observation struct {
	primaryID  int
	secondary  Identity
	tca        time.Time
	missKm     float64
	relSpeed   float64
	input      risk.Input
	sourceKind SourceKind
	sourceRef  string
	sourceHash string
}

func (s *Service) candidateObservation(primary, secondary propagate.ElementSet, c screening.Candidate, runID string) observation {
	rtn := frames.RTN{
		Rotation:         frames.Basis(c.PrimaryState.Position, c.PrimaryState.Velocity),
		RelativePosition: c.RelPosition,
		RelativeVelocity: c.RelVelocity,
	}

	in := risk.Input{
		MissKm:              c.MissKm,
		RelSpeedKmS:         c.RelSpeedKmS,
		TimeToTCAHours:      c.TCA.Sub(s.now()).Hours(),
		RelPositionRTN:      rtn.Project(rtn.RelativePosition),
		RelVelocityRTN:      rtn.Project(rtn.RelativeVelocity),
		PrimarySource:       primary.SourceType,
		SecondarySource:     secondary.SourceType,
		PrimaryConfidence:   primary.Confidence,
		SecondaryConfidence: secondary.Confidence,
		PrimaryAgeHours:     primary.AgeHours(s.now()),
		SecondaryAgeHours:   secondary.AgeHours(s.now()),
		SecondaryResolved:   true,
	}

	ref := fmt.Sprintf("%s/%d", runID, c.SecondaryID)
	return observation{
		primaryID: primary.NoradID,
		secondary: Identity{NoradID: c.SecondaryID, Name: c.SecondaryName, Resolved: true},
		tca:       c.TCA,
		missKm:    c.MissKm,
		relSpeed:  c.RelSpeedKmS,
		input:     in,
		// The hash covers the geometry so a re-run that reproduces the same
		// encounter byte-for-byte is recognized as a re-submission.
		sourceKind: SourceScreening,
		sourceRef:  ref,
		sourceHash: HashSource(SourceScreening, fmt.Sprintf("%d/%d/%s/%.9f/%.9f", primary.NoradID, c.SecondaryID, c.TCA.UTC().Format(time.RFC3339Nano), c.MissKm, c.RelSpeedKmS)),
	}
}

// cdmBaseConfidence grades message quality: a message carrying a combined
// covariance says more about its orbit determination than one without.
const (
	cdmConfidenceWithCovariance = 0.85
	cdmConfidenceBare           = 0.70
)

func (s *Service) cdmObservation(rec *cdm.Record, text string) (observation, error) {
	rtn, err := frames.ToRTN(
		frames.State{Position: rec.Object1.Position, Velocity: rec.Object1.Velocity, Frame: rec.RefFrame},
		frames.State{Position: rec.Object2.Position, Velocity: rec.Object2.Velocity, Frame: rec.RefFrame},
	)
	if err != nil {
		return observation{}, fmt.Errorf("object states: %w", err)
	}

	relPos := rtn.Project(rtn.RelativePosition)
	relVel := rtn.Project(rtn.RelativeVelocity)

	relSpeed := relVel.Norm()
	if rec.RelSpeedKmS != nil {
		relSpeed = *rec.RelSpeedKmS
	}

	conf := cdmConfidenceBare
	if rec.Covariance != nil {
		conf = cdmConfidenceWithCovariance
	}

	var age float64
	if !rec.CreationDate.IsZero() {
		age = math.Max(0, s.now().Sub(rec.CreationDate).Hours())
	}

	// A zero catalog id is the placeholder originators use for objects not
	// yet in the catalog; the identity stays provisional and matches on the
	// name until a real id arrives.
	resolved := rec.Object2.NoradID > 0

	in := risk.Input{
		MissKm:              rec.MissKm,
		RelSpeedKmS:         relSpeed,
		TimeToTCAHours:      rec.TCA.Sub(s.now()).Hours(),
		RelPositionRTN:      relPos,
		RelVelocityRTN:      relVel,
		Covariance:          rec.Covariance,
		HardBodyRadiusKm:    rec.HardBodyRadiusKm,
		PrimarySource:       propagate.SourceDerived,
		SecondarySource:     propagate.SourceDerived,
		PrimaryConfidence:   conf,
		SecondaryConfidence: conf,
		PrimaryAgeHours:     age,
		SecondaryAgeHours:   age,
		SecondaryResolved:   resolved,
	}

	return observation{
		primaryID:  rec.Object1.NoradID,
		secondary:  Identity{NoradID: rec.Object2.NoradID, Name: rec.Object2.Name, Resolved: resolved},
		tca:        rec.TCA,
		missKm:     rec.MissKm,
		relSpeed:   relSpeed,
		input:      in,
		sourceKind: SourceCDM,
		sourceRef:  text,
		sourceHash: HashSource(SourceCDM, text),
	}, nil
}

// ingest runs the match-then-append sequence for one observation under the
// store's per-key lock, retrying on write conflicts.
func (s *Service) ingest(ctx context.Context, obs observation) (*IngestResult, error) {
	key := obs.secondary.Key(obs.primaryID)

	var res IngestResult
	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		lastErr = s.store.Locked(ctx, key, func(ctx context.Context) error {
			r, err := s.ingestLocked(ctx, key, obs)
			if err != nil {
				return err
			}
			res = *r
			return nil
		})
		if lastErr == nil {
			break
		}
		if !errors.Is(lastErr, ErrConflict) {
			return nil, lastErr
		}
		if s.metrics != nil {
			s.metrics.DedupConflicts.Inc()
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("ingest key %s: %w", key, lastErr)
	}

	if s.metrics != nil {
		s.metrics.IngestsTotal.WithLabelValues(string(obs.sourceKind), string(res.Outcome)).Inc()
	}
	if res.Outcome != OutcomeDuplicate {
		s.notify(ctx, res)
	}
	return &res, nil
}

func (s *Service) ingestLocked(ctx context.Context, key string, obs observation) (*IngestResult, error) {
	open, err := s.store.OpenForKey(ctx, key)
	if err != nil {
		return nil, err
	}

	match := s.dedup.Match(open, obs.primaryID, obs.secondary, obs.tca)

	if match != nil && match.HasSource(obs.sourceHash) {
		return &IngestResult{Event: match, Outcome: OutcomeDuplicate}, nil
	}

	in := obs.input
	if match != nil {
		if std, ok := missStability(match.Updates, obs.missKm); ok {
			in.StabilityStdKm = &std
		}
	}
	assessment := s.scorer.Score(in)

	u := Update{
		ID:          ulid.Make().String(),
		TCA:         obs.tca,
		MissKm:      obs.missKm,
		RelSpeedKmS: obs.relSpeed,
		Index:       assessment.Index,
		Tier:        assessment.Tier,
		Confidence:  assessment.Confidence,
		PoCLite:     assessment.PoCLite,
		SourceKind:  obs.sourceKind,
		SourceRef:   obs.sourceRef,
		SourceHash:  obs.sourceHash,
		ComputedAt:  s.now(),
	}

	if match != nil {
		u.EventID = match.ID
		if err := s.store.Append(ctx, match.ID, u); err != nil {
			return nil, err
		}
		match.Updates = append(match.Updates, u)
		match.apply(u)
		return &IngestResult{Event: match, Update: &u, Outcome: OutcomeUpdated}, nil
	}

	e := &Event{
		ID:        ulid.Make().String(),
		PrimaryID: obs.primaryID,
		Secondary: obs.secondary,
		CreatedAt: u.ComputedAt,
	}
	u.EventID = e.ID
	e.Updates = []Update{u}
	e.apply(u)
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	return &IngestResult{Event: e, Update: &u, Outcome: OutcomeCreated}, nil
}

func (s *Service) notify(ctx context.Context, res IngestResult) {
	if s.notifier == nil || res.Update == nil {
		return
	}
	created := res.Outcome == OutcomeCreated
	if !created && len(res.Event.Updates) >= 2 {
		prev := res.Event.Updates[len(res.Event.Updates)-2]
		// Only tier or confidence transitions are worth waking anyone for.
		if prev.Tier == res.Update.Tier && prev.Confidence == res.Update.Confidence {
			return
		}
	}
	// The update is already durable; delivery must not block or cancel with
	// the caller.
	go s.notifier.EventChanged(context.WithoutCancel(ctx), res.Event, *res.Update, created)
}

func (s *Service) deactivateUnseen(ctx context.Context, primaryID int, seen map[string]bool) (int, error) {
	open, err := s.store.ActiveFutureEvents(ctx, primaryID, s.now())
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, e := range open {
		if !seen[e.ID] {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.store.Deactivate(ctx, stale); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// missStability is the standard deviation of the event's recorded miss
// distances together with the incoming one. Needs at least two prior
// updates to say anything.
func missStability(updates []Update, nextMiss float64) (float64, bool) {
	if len(updates) < 2 {
		return 0, false
	}
	vals := make([]float64, 0, len(updates)+1)
	for i := range updates {
		vals = append(vals, updates[i].MissKm)
	}
	vals = append(vals, nextMiss)

	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))

	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(vals))), true
}
