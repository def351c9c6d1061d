// Package eventapi exposes the conjunction service over HTTP.
package eventapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/perigeelabs/perigee/internal/conjunction"
	"github.com/perigeelabs/perigee/internal/llm/claude"
	"github.com/perigeelabs/perigee/internal/propagate"
	"github.com/perigeelabs/perigee/internal/screening"
)

// EventService defines the business operations eventapi needs.
type EventService interface {
	RunScreening(ctx context.Context, primary propagate.ElementSet, catalog []propagate.ElementSet, params screening.Params) (*conjunction.RunReport, error)
	IngestCDM(ctx context.Context, text string) (*conjunction.IngestResult, error)
	Get(ctx context.Context, id string) (*conjunction.Event, bool, error)
	List(ctx context.Context, f conjunction.ListFilter) ([]*conjunction.Event, error)
}

// Summarizer produces an operator summary for one event.
type Summarizer interface {
	Summarize(ctx context.Context, e *conjunction.Event) (*claude.Summary, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	svc        EventService
	summarizer Summarizer
	defaults   screening.Params
}

// New creates a new API handler. summarizer may be nil, in which case the
// summary endpoint reports unavailability. defaults seeds screening runs
// whose requests leave parameters unset.
func New(logger log.Logger, svc EventService, summarizer Summarizer, defaults screening.Params) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("event service is required"))
	}
	return &API{
		logger:     logger,
		svc:        svc,
		summarizer: summarizer,
		defaults:   defaults,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/screenings", a.handleRunScreening)
		r.Post("/cdms", a.handleIngestCDM)
		r.Get("/events", a.handleListEvents)
		r.Get("/events/{id}", a.handleGetEvent)
		r.Post("/events/{id}/summary", a.handleSummarizeEvent)
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}
