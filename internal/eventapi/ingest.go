package eventapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perigeelabs/perigee/internal/cdm"
	"github.com/perigeelabs/perigee/internal/conjunction"
	"github.com/perigeelabs/perigee/internal/frames"
	"github.com/perigeelabs/perigee/internal/propagate"
)

// maxCDMBytes bounds a single KVN upload.
const maxCDMBytes = 1 << 20

// elementSetRequest is one TLE in a screening request.
type elementSetRequest struct {
	Name       string  `json:"name"`
	Line1      string  `json:"line1"`
	Line2      string  `json:"line2"`
	Source     string  `json:"source,omitempty"`
	SourceType string  `json:"source_type,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type screeningRequest struct {
	Primary     elementSetRequest   `json:"primary"`
	Catalog     []elementSetRequest `json:"catalog"`
	HorizonDays int                 `json:"horizon_days,omitempty"`
	VolumeKm    float64             `json:"volume_km,omitempty"`
}

func (r elementSetRequest) toElementSet() (propagate.ElementSet, error) {
	set, err := propagate.ParseElementSet(r.Name, r.Line1, r.Line2)
	if err != nil {
		return propagate.ElementSet{}, err
	}
	set.Source = r.Source
	set.SourceType = propagate.SourceType(r.SourceType)
	if set.SourceType == "" {
		set.SourceType = propagate.SourcePublic
	}
	set.Confidence = r.Confidence
	if set.Confidence == 0 {
		set.Confidence = 0.8
	}
	return set, nil
}

func (a *API) handleRunScreening(w http.ResponseWriter, r *http.Request) {
	var req screeningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	primary, err := req.Primary.toElementSet()
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "primary: "+err.Error())
		return
	}
	catalog := make([]propagate.ElementSet, 0, len(req.Catalog))
	for i, c := range req.Catalog {
		set, err := c.toElementSet()
		if err != nil {
			// A malformed catalog entry is skipped, not fatal; the report
			// carries the tally the same way propagation failures do.
			a.logger.Warn(r.Context(), "skipping malformed catalog entry", "index", i, "error", err)
			continue
		}
		catalog = append(catalog, set)
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.Int("perigee.screening.primary", primary.NoradID),
		attribute.Int("perigee.screening.catalog_size", len(catalog)),
	)

	params := a.defaults
	if req.HorizonDays > 0 {
		params.HorizonDays = req.HorizonDays
	}
	if req.VolumeKm > 0 {
		params.VolumeKm = req.VolumeKm
	}
	report, err := a.svc.RunScreening(r.Context(), primary, catalog, params)
	if err != nil {
		if isPropagationFailure(err) {
			a.writeError(w, http.StatusUnprocessableEntity, "primary cannot be screened: "+err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "screening run failed", "primary", primary.NoradID)
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	a.writeJSON(w, http.StatusOK, report)
}

func (a *API) handleIngestCDM(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCDMBytes))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := a.svc.IngestCDM(r.Context(), string(body))
	if err != nil {
		var parseErr *cdm.ParseError
		if errors.As(err, &parseErr) {
			problems := make([]string, 0, len(parseErr.Problems))
			for _, p := range parseErr.Problems {
				problems = append(problems, p.Error())
			}
			a.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":    "malformed message",
				"problems": problems,
			})
			return
		}
		var frameErr *frames.ErrUnsupportedFrame
		if errors.As(err, &frameErr) {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error(r.Context(), err, "cdm ingest failed")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("perigee.event.id", res.Event.ID),
		attribute.String("perigee.ingest.outcome", string(res.Outcome)),
	)

	status := http.StatusOK
	if res.Outcome == conjunction.OutcomeCreated {
		status = http.StatusCreated
	}
	a.writeJSON(w, status, map[string]any{
		"outcome":  res.Outcome,
		"event_id": res.Event.ID,
		"event":    res.Event,
	})
}

// isPropagationFailure reports whether err means the primary element set
// itself cannot be propagated, as opposed to an infrastructure fault.
func isPropagationFailure(err error) bool {
	return errors.Is(err, propagate.ErrMalformedElements) ||
		errors.Is(err, propagate.ErrDecayed) ||
		errors.Is(err, propagate.ErrOutOfHorizon) ||
		errors.Is(err, propagate.ErrNumericalDivergence)
}
