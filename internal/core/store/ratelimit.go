package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/postpace/postpace/internal/core"
)

// LoadEndpointSnapshots returns every persisted endpoint snapshot.
func (s *Store) LoadEndpointSnapshots(ctx context.Context) ([]core.EndpointSnapshot, error) {
	return s.listSnapshots(ctx, "", nil)
}

// SaveEndpointSnapshot upserts an endpoint snapshot. A stored snapshot with a
// higher version is left untouched.
func (s *Store) SaveEndpointSnapshot(ctx context.Context, snap core.EndpointSnapshot) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	endpoint := strings.TrimSpace(snap.Config.Endpoint)
	if endpoint == "" {
		return errors.New("endpoint is required")
	}

	configJSON, err := encodeJSON(snap.Config)
	if err != nil {
		return fmt.Errorf("encode endpoint config: %w", err)
	}
	timestamps := make([]int64, 0, len(snap.Timestamps))
	for _, ts := range snap.Timestamps {
		timestamps = append(timestamps, toNanos(ts))
	}
	timestampsJSON, err := encodeJSON(timestamps)
	if err != nil {
		return fmt.Errorf("encode window timestamps: %w", err)
	}
	breakerJSON, err := encodeJSON(snap.Breaker)
	if err != nil {
		return fmt.Errorf("encode breaker: %w", err)
	}

	var backoffUntil sql.NullInt64
	if !snap.Backoff.IsZero() {
		backoffUntil = sql.NullInt64{Int64: toNanos(snap.Backoff), Valid: true}
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO endpoint_state (endpoint, config, timestamps, breaker, backoff_until, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			config = excluded.config,
			timestamps = excluded.timestamps,
			breaker = excluded.breaker,
			backoff_until = excluded.backoff_until,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version >= endpoint_state.version
	`, endpoint, configJSON, timestampsJSON, breakerJSON, backoffUntil, snap.Version, toNanos(snap.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store endpoint state: %w", err)
	}
	return nil
}

// LoadDailyUsage returns bucket counts recorded for a UTC date (YYYY-MM-DD).
func (s *Store) LoadDailyUsage(ctx context.Context, date string) (map[string]int, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT bucket, used FROM daily_usage WHERE date = ?`, strings.TrimSpace(date))
	if err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	usage := make(map[string]int)
	for rows.Next() {
		var (
			bucket string
			used   int
		)
		if err := rows.Scan(&bucket, &used); err != nil {
			return nil, fmt.Errorf("scan daily usage: %w", err)
		}
		usage[bucket] = used
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load daily usage: %w", err)
	}
	return usage, nil
}

// SaveDailyUsage records a bucket count, keeping the larger of the stored and
// given values so concurrent writers never move the count backwards.
func (s *Store) SaveDailyUsage(ctx context.Context, date, bucket string, used int) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if strings.TrimSpace(date) == "" || strings.TrimSpace(bucket) == "" {
		return errors.New("date and bucket are required")
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO daily_usage (date, bucket, used, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(date, bucket) DO UPDATE SET
			used = MAX(daily_usage.used, excluded.used),
			updated_at = excluded.updated_at
	`, date, bucket, used, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("store daily usage: %w", err)
	}
	return nil
}

// RecordEvent appends an audit event.
func (s *Store) RecordEvent(ctx context.Context, event core.RateLimitEvent) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limit_events (endpoint, action, result, details, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.Endpoint, event.Action, event.Result, event.Details, toNanos(createdAt))
	if err != nil {
		return fmt.Errorf("record rate limit event: %w", err)
	}
	return nil
}

func (s *Store) listSnapshots(ctx context.Context, where string, args []any) ([]core.EndpointSnapshot, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT config, timestamps, breaker, backoff_until, version, updated_at
		FROM endpoint_state
		%s
		ORDER BY endpoint
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoint state: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	snaps := []core.EndpointSnapshot{}
	for rows.Next() {
		var (
			configJSON     string
			timestampsJSON string
			breakerJSON    string
			backoffUntil   sql.NullInt64
			version        int64
			updatedAt      int64
		)
		if err := rows.Scan(&configJSON, &timestampsJSON, &breakerJSON, &backoffUntil, &version, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan endpoint state: %w", err)
		}

		snap := core.EndpointSnapshot{Version: version, UpdatedAt: fromNanos(updatedAt)}
		if err := decodeJSON(configJSON, &snap.Config); err != nil {
			return nil, fmt.Errorf("decode endpoint config: %w", err)
		}
		var timestamps []int64
		if err := decodeJSON(timestampsJSON, &timestamps); err != nil {
			return nil, fmt.Errorf("decode window timestamps: %w", err)
		}
		for _, ts := range timestamps {
			snap.Timestamps = append(snap.Timestamps, fromNanos(ts))
		}
		if err := decodeJSON(breakerJSON, &snap.Breaker); err != nil {
			return nil, fmt.Errorf("decode breaker: %w", err)
		}
		if backoffUntil.Valid {
			snap.Backoff = fromNanos(backoffUntil.Int64)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list endpoint state: %w", err)
	}
	return snaps, nil
}
