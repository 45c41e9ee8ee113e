package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/engine"
	"github.com/postpace/postpace/internal/core/store"
	apperrors "github.com/postpace/postpace/internal/errors"
)

const maxRequestBody = 1 << 20

// EventLister reads the rate limit audit trail.
type EventLister interface {
	ListEvents(ctx context.Context, query store.EventQuery) ([]core.RateLimitEvent, error)
}

// API serves the queue and limits endpoints.
type API struct {
	Queue    *engine.ActionQueue
	Governor *engine.Governor
	Events   EventLister
}

// Routes returns the /v1 router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/queue", func(r chi.Router) {
		r.Post("/", a.Enqueue)
		r.Get("/", a.ListQueue)
		r.Get("/stats", a.QueueStats)
		r.Get("/conflicts", a.QueueConflicts)
		r.Post("/cancel", a.CancelByTag)
		r.Get("/{id}", a.GetItem)
		r.Post("/{id}/cancel", a.CancelItem)
		r.Post("/{id}/reschedule", a.RescheduleItem)
	})

	r.Route("/limits", func(r chi.Router) {
		r.Get("/", a.ListLimits)
		r.Get("/health", a.LimitsHealth)
		r.Get("/check", a.CheckLimit)
		r.Get("/usage", a.DailyUsage)
		r.Get("/events", a.ListEvents)
		r.Post("/reset", a.ResetLimits)
	})

	return r
}

// ListResponse wraps collections so the body is always an object.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return apperrors.WrapInvalidInput(r.Context(), err, "malformed request body: "+err.Error())
	}
	return nil
}

func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	respondWithError(w, r, apperrors.FromDomain(r.Context(), err))
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, core.NewValidationError(key, "must be a non-negative integer")
	}
	return value, nil
}

// splitList accepts repeated and comma separated values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
