package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/postpace/postpace/internal/core"
	"github.com/postpace/postpace/internal/core/engine"
	apperrors "github.com/postpace/postpace/internal/errors"
)

const defaultConflictWindow = 5 * time.Minute

// EnqueueRequest is the body of POST /v1/queue.
type EnqueueRequest struct {
	ID             string            `json:"id,omitempty"`
	Action         string            `json:"action,omitempty"`
	Target         string            `json:"target,omitempty"`
	Content        string            `json:"content,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	DependsOn      []string          `json:"depends_on,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	AllowDuplicate bool              `json:"allow_duplicate,omitempty"`
}

// RescheduleRequest is the body of POST /v1/queue/{id}/reschedule.
type RescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

// CancelResponse reports cancellations.
type CancelResponse struct {
	ID        string `json:"id,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Cancelled int    `json:"cancelled"`
}

// ConflictsResponse lists items scheduled too close together.
type ConflictsResponse struct {
	Window time.Duration        `json:"window"`
	Groups [][]*core.QueueItem `json:"groups"`
}

// Enqueue handles POST /v1/queue.
func (a *API) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body EnqueueRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondDomainError(w, r, err)
		return
	}

	action, err := core.ParseAction(body.Action)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	priority, err := core.ParsePriority(body.Priority)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	req := engine.EnqueueRequest{
		ID:             body.ID,
		Action:         action,
		Target:         body.Target,
		Content:        body.Content,
		Priority:       priority,
		DependsOn:      body.DependsOn,
		Tags:           body.Tags,
		MaxRetries:     body.MaxRetries,
		Metadata:       body.Metadata,
		AllowDuplicate: body.AllowDuplicate,
	}
	if body.ScheduledAt != nil {
		req.ScheduledAt = *body.ScheduledAt
	}

	item, err := a.Queue.Enqueue(r.Context(), req)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListQueue handles GET /v1/queue.
func (a *API) ListQueue(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := core.QueueFilter{Tag: strings.TrimSpace(query.Get("tag"))}

	for _, raw := range splitList(query["status"]) {
		status, err := core.ParseStatus(raw)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := strings.TrimSpace(query.Get("action")); raw != "" {
		action, err := core.ParseAction(raw)
		if err != nil {
			respondDomainError(w, r, err)
			return
		}
		filter.Action = action
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	filter.Limit = limit

	items, err := a.Queue.List(r.Context(), filter)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(items))
}

// QueueStats handles GET /v1/queue/stats.
func (a *API) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Queue.Stats(r.Context())
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// QueueConflicts handles GET /v1/queue/conflicts.
func (a *API) QueueConflicts(w http.ResponseWriter, r *http.Request) {
	window := defaultConflictWindow
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			respondDomainError(w, r, core.NewValidationError("window", err.Error()))
			return
		}
		window = parsed
	}

	groups, err := a.Queue.ScheduleConflicts(r.Context(), window)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if groups == nil {
		groups = [][]*core.QueueItem{}
	}
	writeJSON(w, http.StatusOK, ConflictsResponse{Window: window, Groups: groups})
}

// GetItem handles GET /v1/queue/{id}.
func (a *API) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := a.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CancelItem handles POST /v1/queue/{id}/cancel.
func (a *API) CancelItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := a.Queue.Cancel(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if !ok {
		respondWithError(w, r, apperrors.WrapConflict(r.Context(), core.ErrInvalidTransition,
			"only pending or blocked items can be cancelled"))
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{ID: id, Cancelled: 1})
}

// CancelByTag handles POST /v1/queue/cancel?tag=.
func (a *API) CancelByTag(w http.ResponseWriter, r *http.Request) {
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	count, err := a.Queue.BulkCancel(r.Context(), tag)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Tag: tag, Cancelled: count})
}

// RescheduleItem handles POST /v1/queue/{id}/reschedule.
func (a *API) RescheduleItem(w http.ResponseWriter, r *http.Request) {
	var body RescheduleRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondDomainError(w, r, err)
		return
	}
	if body.ScheduledAt.IsZero() {
		respondDomainError(w, r, core.NewValidationError("scheduled_at", "is required"))
		return
	}

	id := chi.URLParam(r, "id")
	ok, err := a.Queue.Reschedule(r.Context(), id, body.ScheduledAt)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if !ok {
		respondWithError(w, r, apperrors.WrapConflict(r.Context(), core.ErrInvalidTransition,
			"only pending or blocked items can be rescheduled"))
		return
	}

	item, err := a.Queue.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
