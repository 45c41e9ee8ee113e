package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/postpace/postpace/internal/core"
)

const queueColumns = `id, seq, action, target, content, priority, scheduled_at, depends_on, tags,
	retry_count, max_retries, status, created_at, completed_at, error_message, metadata, history`

// InsertItem stores a new queue item.
func (s *Store) InsertItem(ctx context.Context, item *core.QueueItem) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if item == nil || strings.TrimSpace(item.ID) == "" {
		return errors.New("queue item id is required")
	}

	row, err := encodeItem(item)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO queue_items (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.args()...)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// GetItem returns the item with id, or nil when it does not exist.
func (s *Store) GetItem(ctx context.Context, id string) (*core.QueueItem, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM queue_items WHERE id = ?`, strings.TrimSpace(id))
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch queue item: %w", err)
	}
	return item, nil
}

// ListItems returns items matching filter in dequeue order.
func (s *Store) ListItems(ctx context.Context, filter core.QueueFilter) ([]*core.QueueItem, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	var (
		clauses []string
		args    []any
	)
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	if tag := strings.TrimSpace(filter.Tag); tag != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(queue_items.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	if filter.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.DueBefore != nil {
		clauses = append(clauses, "scheduled_at <= ?")
		args = append(args, toNanos(*filter.DueBefore))
	}

	query := `SELECT ` + queueColumns + ` FROM queue_items`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY priority, scheduled_at, created_at, seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	items := []*core.QueueItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return items, nil
}

// SwapItem overwrites the stored item only while its status is one of expected.
// The status predicate in the UPDATE makes every transition a compare-and-swap.
func (s *Store) SwapItem(ctx context.Context, item *core.QueueItem, expected ...core.ItemStatus) (bool, error) {
	if s == nil || s.DB == nil {
		return false, errors.New("store is not initialized")
	}
	if item == nil {
		return false, errors.New("queue item is required")
	}
	if len(expected) == 0 {
		return false, errors.New("expected status is required")
	}

	row, err := encodeItem(item)
	if err != nil {
		return false, err
	}

	args := []any{
		row.target, row.content, row.priority, row.scheduledAt, row.dependsOn, row.tags,
		row.retryCount, row.maxRetries, row.status, row.completedAt, row.errorMessage,
		row.metadata, row.history, row.id,
	}
	for _, status := range expected {
		args = append(args, string(status))
	}

	result, err := s.DB.ExecContext(ctx, `
		UPDATE queue_items SET
			target = ?, content = ?, priority = ?, scheduled_at = ?, depends_on = ?, tags = ?,
			retry_count = ?, max_retries = ?, status = ?, completed_at = ?, error_message = ?,
			metadata = ?, history = ?
		WHERE id = ? AND status IN (`+placeholders(len(expected))+`)
	`, args...)
	if err != nil {
		return false, fmt.Errorf("update queue item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update queue item: %w", err)
	}
	return affected == 1, nil
}

// MaxSeq returns the highest enqueue sequence number stored.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	var seq sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM queue_items`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read queue sequence: %w", err)
	}
	return seq.Int64, nil
}

// PurgeItems deletes terminal items that finished before cutoff.
func (s *Store) PurgeItems(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	result, err := s.DB.ExecContext(ctx, `
		DELETE FROM queue_items
		WHERE status IN (?, ?, ?) AND COALESCE(completed_at, created_at) < ?
	`, string(core.StatusCompleted), string(core.StatusFailed), string(core.StatusCancelled), toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge queue items: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge queue items: %w", err)
	}
	return affected, nil
}

type itemRow struct {
	id           string
	seq          int64
	action       string
	target       string
	content      string
	priority     int
	scheduledAt  int64
	dependsOn    string
	tags         string
	retryCount   int
	maxRetries   int
	status       string
	createdAt    int64
	completedAt  sql.NullInt64
	errorMessage string
	metadata     string
	history      string
}

func (r itemRow) args() []any {
	return []any{
		r.id, r.seq, r.action, r.target, r.content, r.priority, r.scheduledAt, r.dependsOn, r.tags,
		r.retryCount, r.maxRetries, r.status, r.createdAt, r.completedAt, r.errorMessage,
		r.metadata, r.history,
	}
}

func encodeItem(item *core.QueueItem) (itemRow, error) {
	row := itemRow{
		id:           item.ID,
		seq:          item.Seq,
		action:       string(item.Action),
		target:       item.Target,
		content:      item.Content,
		priority:     int(item.Priority),
		scheduledAt:  toNanos(item.ScheduledAt),
		createdAt:    toNanos(item.CreatedAt),
		retryCount:   item.RetryCount,
		maxRetries:   item.MaxRetries,
		status:       string(item.Status),
		errorMessage: item.ErrorMessage,
	}
	if item.CompletedAt != nil {
		row.completedAt = sql.NullInt64{Int64: toNanos(*item.CompletedAt), Valid: true}
	}

	var err error
	if row.dependsOn, err = encodeJSON(nonNil(item.DependsOn)); err != nil {
		return row, fmt.Errorf("encode depends_on: %w", err)
	}
	if row.tags, err = encodeJSON(nonNil(item.Tags)); err != nil {
		return row, fmt.Errorf("encode tags: %w", err)
	}
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	if row.metadata, err = encodeJSON(metadata); err != nil {
		return row, fmt.Errorf("encode metadata: %w", err)
	}
	history := item.History
	if history == nil {
		history = []core.Attempt{}
	}
	if row.history, err = encodeJSON(history); err != nil {
		return row, fmt.Errorf("encode history: %w", err)
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(scanner rowScanner) (*core.QueueItem, error) {
	var r itemRow
	if err := scanner.Scan(&r.id, &r.seq, &r.action, &r.target, &r.content, &r.priority,
		&r.scheduledAt, &r.dependsOn, &r.tags, &r.retryCount, &r.maxRetries, &r.status,
		&r.createdAt, &r.completedAt, &r.errorMessage, &r.metadata, &r.history); err != nil {
		return nil, err
	}

	item := &core.QueueItem{
		ID:           r.id,
		Seq:          r.seq,
		Action:       core.Action(r.action),
		Target:       r.target,
		Content:      r.content,
		Priority:     core.Priority(r.priority),
		ScheduledAt:  fromNanos(r.scheduledAt),
		CreatedAt:    fromNanos(r.createdAt),
		RetryCount:   r.retryCount,
		MaxRetries:   r.maxRetries,
		Status:       core.ItemStatus(r.status),
		ErrorMessage: r.errorMessage,
	}
	if r.completedAt.Valid {
		completed := fromNanos(r.completedAt.Int64)
		item.CompletedAt = &completed
	}
	if err := decodeJSON(r.dependsOn, &item.DependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if err := decodeJSON(r.tags, &item.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := decodeJSON(r.metadata, &item.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := decodeJSON(r.history, &item.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	// empty collections read back as nil, matching freshly built items
	if len(item.DependsOn) == 0 {
		item.DependsOn = nil
	}
	if len(item.Tags) == 0 {
		item.Tags = nil
	}
	if len(item.Metadata) == 0 {
		item.Metadata = nil
	}
	if len(item.History) == 0 {
		item.History = nil
	}
	return item, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(raw string, v any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
