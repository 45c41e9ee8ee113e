package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/store"
	apperrors "github.com/postpace/postpace/internal/errors"
)

// ResetResponse reports how many endpoints were reset.
type ResetResponse struct {
	Endpoint string `json:"endpoint,omitempty"`
	Reset    int    `json:"reset"`
}

// ListLimits handles GET /v1/limits.
func (a *API) ListLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Governor.Stats())
}

// LimitsHealth handles GET /v1/limits/health.
func (a *API) LimitsHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Governor.Health())
}

// CheckLimit handles GET /v1/limits/check?endpoint=&count=. The check never
// consumes capacity.
func (a *API) CheckLimit(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		respondDomainError(w, r, core.NewValidationError("endpoint", "is required"))
		return
	}
	count, err := queryInt(r, "count", 1)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Governor.Check(endpoint, count))
}

// DailyUsage handles GET /v1/limits/usage?date=YYYY-MM-DD.
func (a *API) DailyUsage(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			respondDomainError(w, r, core.NewValidationError("date", "must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	usage, err := a.Governor.DailyUsage(r.Context(), day)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to load daily usage"))
		return
	}
	writeJSON(w, http.StatusOK, newList(usage))
}

// ListEvents handles GET /v1/limits/events?endpoint=&since=&limit=.
func (a *API) ListEvents(w http.ResponseWriter, r *http.Request) {
	if a.Events == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailableError("rate limit events are not persisted"))
		return
	}

	query := store.EventQuery{Endpoint: strings.TrimSpace(r.URL.Query().Get("endpoint"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.ParseDuration(raw)
		if err != nil {
			respondDomainError(w, r, core.NewValidationError("since", err.Error()))
			return
		}
		query.Since = time.Now().UTC().Add(-since)
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	query.Limit = limit

	events, err := a.Events.ListEvents(r.Context(), query)
	if err != nil {
		respondWithError(w, r, apperrors.WrapDatabaseError(r.Context(), err, "failed to list rate limit events"))
		return
	}
	writeJSON(w, http.StatusOK, newList(events))
}

// ResetLimits handles POST /v1/limits/reset?endpoint=. Without endpoint every
// configured endpoint is reset.
func (a *API) ResetLimits(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimSpace(r.URL.Query().Get("endpoint"))
	if endpoint == "" {
		writeJSON(w, http.StatusOK, ResetResponse{Reset: a.Governor.ResetAll(r.Context())})
		return
	}
	if !a.Governor.Reset(r.Context(), endpoint) {
		respondWithError(w, r, apperrors.WrapNotFound(r.Context(), nil, "endpoint is not configured"))
		return
	}
	writeJSON(w, http.StatusOK, ResetResponse{Endpoint: endpoint, Reset: 1})
}
