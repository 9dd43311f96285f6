package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/models"
)

func (db *DB) CreateLogEntry(ctx context.Context, entry *models.LogEntry) error {
	query := `INSERT INTO log_entries (id, project_id, author, body, created_at, updated_at, version)
              VALUES (?, ?, ?, ?, ?, ?, 1)`
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	_, err := db.ExecContext(ctx, query, entry.ID, entry.ProjectID, entry.Author, entry.Body, entry.CreatedAt, now)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create log entry: %w", err)
	}
	entry.UpdatedAt = now
	entry.Version = 1
	return nil
}

func (db *DB) GetLogEntry(ctx context.Context, id string) (*models.LogEntry, error) {
	var entry models.LogEntry
	query := `SELECT id, project_id, author, body, created_at, updated_at, version FROM log_entries WHERE id = ?`
	err := db.QueryRowContext(ctx, query, id).Scan(
		&entry.ID, &entry.ProjectID, &entry.Author, &entry.Body, &entry.CreatedAt, &entry.UpdatedAt, &entry.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get log entry: %w", err)
	}
	return &entry, nil
}

// UpdateLogBody overwrites the body; last write wins.
func (db *DB) UpdateLogBody(ctx context.Context, id, body string) (int64, error) {
	query := `UPDATE log_entries SET body = ?, version = version + 1, updated_at = ? WHERE id = ? RETURNING version`
	var version int64
	err := db.QueryRowContext(ctx, query, body, time.Now(), id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update log entry: %w", err)
	}
	return version, nil
}

// UpdateLogBodyWithVersion only applies when the stored version matches.
func (db *DB) UpdateLogBodyWithVersion(ctx context.Context, id string, fromVersion int64, body string) (int64, error) {
	query := `UPDATE log_entries SET body = ?, version = version + 1, updated_at = ? WHERE id = ? AND version = ?`
	result, err := db.ExecContext(ctx, query, body, time.Now(), id, fromVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to update log entry: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := db.GetLogEntry(ctx, id); err != nil {
			return 0, err
		}
		return 0, ErrConcurrentModification
	}
	return fromVersion + 1, nil
}

func (db *DB) DeleteLogEntry(ctx context.Context, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM log_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete log entry: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) ListLogEntries(ctx context.Context, projectID string) ([]*models.LogEntry, error) {
	query := `SELECT id, project_id, author, body, created_at, updated_at, version
              FROM log_entries WHERE project_id = ? ORDER BY created_at ASC`
	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list log entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Author, &e.Body, &e.CreatedAt, &e.UpdatedAt, &e.Version); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
