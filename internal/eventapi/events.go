package eventapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perigeelabs/perigee/internal/conjunction"
)

func (a *API) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("perigee.event.id", id))

	e, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get event", "id", id)
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("perigee.event.tier", string(e.Tier)))

	a.writeJSON(w, http.StatusOK, e)
}

func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f conjunction.ListFilter

	if raw := q.Get("primary"); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "primary must be a catalog number")
			return
		}
		f.PrimaryID = id
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		f.ActiveOnly = active
	}
	f.Tier = q.Get("tier")
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	events, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list events")
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []*conjunction.Event{}
	}

	a.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (a *API) handleSummarizeEvent(w http.ResponseWriter, r *http.Request) {
	if a.summarizer == nil {
		a.writeError(w, http.StatusServiceUnavailable, "summaries are not configured")
		return
	}

	id := chi.URLParam(r, "id")
	e, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get event", "id", id)
		a.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		a.writeError(w, http.StatusNotFound, "not found")
		return
	}

	summary, err := a.summarizer.Summarize(r.Context(), e)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to summarize event", "id", id)
		a.writeError(w, http.StatusBadGateway, "summary backend failed")
		return
	}

	a.writeJSON(w, http.StatusOK, summary)
}
