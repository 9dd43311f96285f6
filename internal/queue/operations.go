package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/models"

	"github.com/google/uuid"
)

const selectColumns = `id, action, payload, timestamp, status, retries, last_error`

// Enqueue persists a new pending operation and returns its id.
func (s *Store) Enqueue(ctx context.Context, action string, payload models.Payload) (string, error) {
	if strings.TrimSpace(action) == "" {
		return "", errors.New("action is required")
	}
	if payload == nil {
		payload = models.Payload{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	id := uuid.NewString()
	now := s.clock()
	query := `INSERT INTO operation_queue (id, action, payload, timestamp, status, retries, updated_at)
              VALUES (?, ?, ?, ?, ?, 0, ?)`
	if _, err := s.db.ExecContext(ctx, query, id, action, string(raw), now.UnixMilli(), models.StatusPending, now); err != nil {
		return "", fmt.Errorf("failed to enqueue operation: %w", err)
	}

	s.logger.Debug().Str("id", id).Str("action", action).Msg("operation enqueued")
	return id, nil
}

// ListPending returns every operation still in the store in insertion order.
// Callers sort by timestamp; failed rows are included so callers can decide.
func (s *Store) ListPending(ctx context.Context) ([]models.QueuedOperation, error) {
	query := `SELECT ` + selectColumns + ` FROM operation_queue ORDER BY seq ASC`
	return s.list(ctx, query)
}

// ListFailed returns operations parked after exhausting retries, oldest first.
func (s *Store) ListFailed(ctx context.Context) ([]models.QueuedOperation, error) {
	query := `SELECT ` + selectColumns + ` FROM operation_queue WHERE status = ? ORDER BY timestamp ASC, seq ASC`
	return s.list(ctx, query, models.StatusFailed)
}

func (s *Store) Get(ctx context.Context, id string) (*models.QueuedOperation, error) {
	query := `SELECT ` + selectColumns + ` FROM operation_queue WHERE id = ?`
	op, err := scanOperation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]models.QueuedOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []models.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	return ops, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (*models.QueuedOperation, error) {
	var (
		op        models.QueuedOperation
		raw       string
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(&op.ID, &op.Action, &raw, &op.Timestamp, &status, &op.Retries, &lastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &op.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", op.ID, err)
	}
	op.Status = models.OperationStatus(status)
	if lastError.Valid {
		msg := lastError.String
		op.LastError = &msg
	}
	return &op, nil
}

// SetStatus moves an operation to status and returns its retry count after
// the update. Moving to pending records one more failed attempt; syncing and
// failed leave the counter as is.
func (s *Store) SetStatus(ctx context.Context, id string, status models.OperationStatus, errMsg string) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	var lastError any
	if errMsg != "" {
		lastError = errMsg
	}

	var query string
	switch status {
	case models.StatusPending:
		query = `UPDATE operation_queue SET status = ?, last_error = ?, retries = retries + 1, updated_at = ? WHERE id = ? RETURNING retries`
	case models.StatusSyncing:
		// keep the previous error for diagnostics while in flight
		query = `UPDATE operation_queue SET status = ?, last_error = COALESCE(?, last_error), updated_at = ? WHERE id = ? RETURNING retries`
	default:
		query = `UPDATE operation_queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ? RETURNING retries`
	}

	var retries int
	err := s.db.QueryRowContext(ctx, query, status, lastError, time.Now(), id).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update operation status: %w", err)
	}
	return retries, nil
}

// Remove deletes an operation permanently.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operation_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove operation: %w", err)
	}
	return nil
}

// Release returns syncing operations to pending without counting an attempt.
// Used when a replay never reached the point of executing them.
func (s *Store) Release(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		query := `UPDATE operation_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
		if _, err := s.db.ExecContext(ctx, query, models.StatusPending, time.Now(), id, models.StatusSyncing); err != nil {
			return fmt.Errorf("failed to release operation %s: %w", id, err)
		}
	}
	return nil
}

// RecoverSyncing resets operations left in syncing by a crashed process.
func (s *Store) RecoverSyncing(ctx context.Context) (int, error) {
	query := `UPDATE operation_queue SET status = ?, updated_at = ? WHERE status = ?`
	res, err := s.db.ExecContext(ctx, query, models.StatusPending, time.Now(), models.StatusSyncing)
	if err != nil {
		return 0, fmt.Errorf("failed to recover syncing operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered operations: %w", err)
	}
	return int(n), nil
}

// Requeue gives a failed operation one more replay attempt. The retry
// counter is left untouched.
func (s *Store) Requeue(ctx context.Context, id string) error {
	query := `UPDATE operation_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, query, models.StatusPending, time.Now(), id, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Discard deletes a failed operation the user gave up on.
func (s *Store) Discard(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operation_queue WHERE id = ? AND status = ?`, id, models.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to discard operation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Summary counts operations by status. Syncing rows count as pending.
func (s *Store) Summary(ctx context.Context) (models.QueueStatus, error) {
	query := `SELECT
                COALESCE(SUM(CASE WHEN status != ? THEN 1 ELSE 0 END), 0),
                COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
              FROM operation_queue`
	var st models.QueueStatus
	if err := s.db.QueryRowContext(ctx, query, models.StatusFailed, models.StatusFailed).Scan(&st.Pending, &st.Failed); err != nil {
		return models.QueueStatus{}, fmt.Errorf("failed to summarize queue: %w", err)
	}
	return st, nil
}
