package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/postpace/postpace/internal/core"
)

// RateLimitQuery selects persisted endpoint state for operator commands.
type RateLimitQuery struct {
	All      bool
	Endpoint string
	Prefix   string
}

func (q RateLimitQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Endpoint) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --endpoint, or --prefix")
}

func (q RateLimitQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if endpoint := strings.TrimSpace(q.Endpoint); endpoint != "" {
		return "WHERE endpoint = ?", []any{endpoint}, nil
	}
	prefix := strings.TrimSpace(q.Prefix)
	if prefix == "" {
		return "", nil, errors.New("prefix is required")
	}
	return "WHERE endpoint LIKE ?", []any{prefix + "%"}, nil
}

// ListRateLimits returns persisted endpoint snapshots matching q.
func (s *Store) ListRateLimits(ctx context.Context, q RateLimitQuery) ([]core.EndpointSnapshot, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}
	return s.listSnapshots(ctx, where, args)
}

// CountRateLimits counts persisted endpoint snapshots matching q.
func (s *Store) CountRateLimits(ctx context.Context, q RateLimitQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM endpoint_state
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rate limits: %w", err)
	}
	return count, nil
}

// ResetRateLimits deletes persisted endpoint snapshots matching q. Daily usage
// is kept: daily ceilings are not reset by operators.
func (s *Store) ResetRateLimits(ctx context.Context, q RateLimitQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM endpoint_state
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	return affected, nil
}

// EventQuery selects audit events.
type EventQuery struct {
	Endpoint string
	Since    time.Time
	Limit    int
}

// ListEvents returns audit events newest first.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]core.RateLimitEvent, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		clauses []string
		args    []any
	)
	if endpoint := strings.TrimSpace(q.Endpoint); endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, endpoint)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, toNanos(q.Since))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, endpoint, action, result, details, created_at
		FROM rate_limit_events
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limit events: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	events := []core.RateLimitEvent{}
	for rows.Next() {
		var (
			event     core.RateLimitEvent
			createdAt int64
		)
		if err := rows.Scan(&event.ID, &event.Endpoint, &event.Action, &event.Result, &event.Details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rate limit events: %w", err)
		}
		event.CreatedAt = fromNanos(createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rate limit events: %w", err)
	}
	return events, nil
}

// PurgeEvents deletes audit events older than cutoff.
func (s *Store) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	result, err := s.DB.ExecContext(ctx, `DELETE FROM rate_limit_events WHERE created_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge rate limit events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rate limit events: %w", err)
	}
	return affected, nil
}
