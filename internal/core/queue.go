package core

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders queue items; lower values are dequeued first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Valid reports whether p is one of the declared priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts a priority name or its numeric value.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "urgent", "0":
		return PriorityUrgent, nil
	case "high", "1":
		return PriorityHigh, nil
	case "", "normal", "2":
		return PriorityNormal, nil
	case "low", "3":
		return PriorityLow, nil
	default:
		return 0, NewValidationError("priority", fmt.Sprintf("unknown priority %q", value))
	}
}

// ItemStatus is the queue item state machine.
type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusBlocked    ItemStatus = "blocked"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
	StatusCancelled  ItemStatus = "cancelled"
)

// AllStatuses lists every status in display order.
var AllStatuses = []ItemStatus{
	StatusPending,
	StatusBlocked,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// ActiveStatuses are the non-terminal statuses an item can wait in.
var ActiveStatuses = []ItemStatus{StatusPending, StatusBlocked}

// Terminal reports whether no further transition is possible.
func (s ItemStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus validates a status string.
func ParseStatus(value string) (ItemStatus, error) {
	status := ItemStatus(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range AllStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", NewValidationError("status", fmt.Sprintf("unknown status %q", value))
}

// Action is the kind of outbound platform action an item requests.
type Action string

const (
	ActionPost   Action = "post"
	ActionLike   Action = "like"
	ActionFollow Action = "follow"
	ActionDM     Action = "dm"
)

// ParseAction validates an action string; empty means post.
func ParseAction(value string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case "", ActionPost:
		return ActionPost, nil
	case ActionLike:
		return ActionLike, nil
	case ActionFollow:
		return ActionFollow, nil
	case ActionDM:
		return ActionDM, nil
	default:
		return "", NewValidationError("action", fmt.Sprintf("unknown action %q", value))
	}
}

// NeedsContent reports whether the action carries text.
func (a Action) NeedsContent() bool {
	return a == ActionPost || a == ActionDM
}

// NeedsTarget reports whether the action addresses a tweet or user.
func (a Action) NeedsTarget() bool {
	return a == ActionLike || a == ActionFollow || a == ActionDM
}

// Attempt records one failed dispatch of an item.
type Attempt struct {
	At    time.Time `json:"at"`
	Error string    `json:"error"`
}

// QueueItem is one scheduled outbound action.
type QueueItem struct {
	ID           string            `json:"id"`
	Action       Action            `json:"action"`
	Target       string            `json:"target,omitempty"`
	Content      string            `json:"content"`
	Priority     Priority          `json:"priority"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	DependsOn    []string          `json:"depends_on,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Status       ItemStatus        `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	History      []Attempt         `json:"history,omitempty"`
	Seq          int64             `json:"seq"`
}

// HasTag reports whether the item carries tag.
func (i *QueueItem) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (i *QueueItem) Clone() *QueueItem {
	if i == nil {
		return nil
	}
	out := *i
	out.DependsOn = append([]string(nil), i.DependsOn...)
	out.Tags = append([]string(nil), i.Tags...)
	out.History = append([]Attempt(nil), i.History...)
	if i.CompletedAt != nil {
		completed := *i.CompletedAt
		out.CompletedAt = &completed
	}
	if i.Metadata != nil {
		out.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// QueueFilter selects items from the store.
type QueueFilter struct {
	Statuses  []ItemStatus
	Tag       string
	Action    Action
	DueBefore *time.Time
	Limit     int
}

// QueueStats summarizes queue contents.
type QueueStats struct {
	Total      int                `json:"total"`
	Active     int                `json:"active"`
	ByStatus   map[ItemStatus]int `json:"by_status"`
	ByPriority map[string]int     `json:"by_priority"`
}
