package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/models"
)

func (db *DB) AddComment(ctx context.Context, c *models.Comment) error {
	query := `INSERT INTO comments (id, log_id, author, body, created_at) VALUES (?, ?, ?, ?, ?)`
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, query, c.ID, c.LogID, c.Author, c.Body, c.CreatedAt)
	switch {
	case isForeignKeyViolation(err):
		return fmt.Errorf("log entry %s: %w", c.LogID, ErrNotFound)
	case isUniqueViolation(err):
		return ErrAlreadyExists
	case err != nil:
		return fmt.Errorf("failed to add comment: %w", err)
	}
	return nil
}

func (db *DB) ListComments(ctx context.Context, logID string) ([]*models.Comment, error) {
	query := `SELECT id, log_id, author, body, created_at FROM comments WHERE log_id = ? ORDER BY created_at ASC`
	rows, err := db.QueryContext(ctx, query, logID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []*models.Comment
	for rows.Next() {
		var c models.Comment
		if err := rows.Scan(&c.ID, &c.LogID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, &c)
	}
	return comments, rows.Err()
}

func (db *DB) AddChecklistItem(ctx context.Context, item *models.ChecklistItem) error {
	query := `INSERT INTO checklist_items (id, log_id, label, done, updated_at) VALUES (?, ?, ?, ?, ?)`
	item.UpdatedAt = time.Now()
	_, err := db.ExecContext(ctx, query, item.ID, item.LogID, item.Label, item.Done, item.UpdatedAt)
	switch {
	case isForeignKeyViolation(err):
		return fmt.Errorf("log entry %s: %w", item.LogID, ErrNotFound)
	case isUniqueViolation(err):
		return ErrAlreadyExists
	case err != nil:
		return fmt.Errorf("failed to add checklist item: %w", err)
	}
	return nil
}

func (db *DB) GetChecklistItem(ctx context.Context, id string) (*models.ChecklistItem, error) {
	var item models.ChecklistItem
	query := `SELECT id, log_id, label, done, updated_at FROM checklist_items WHERE id = ?`
	err := db.QueryRowContext(ctx, query, id).Scan(&item.ID, &item.LogID, &item.Label, &item.Done, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checklist item: %w", err)
	}
	return &item, nil
}

// SetChecklistItemDone stores an explicit state so replays converge.
func (db *DB) SetChecklistItemDone(ctx context.Context, id string, done bool) error {
	query := `UPDATE checklist_items SET done = ?, updated_at = ? WHERE id = ?`
	result, err := db.ExecContext(ctx, query, done, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update checklist item: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleChecklistItem flips done and returns the new state.
func (db *DB) ToggleChecklistItem(ctx context.Context, id string) (bool, error) {
	query := `UPDATE checklist_items SET done = NOT done, updated_at = ? WHERE id = ? RETURNING done`
	var done bool
	err := db.QueryRowContext(ctx, query, time.Now(), id).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to toggle checklist item: %w", err)
	}
	return done, nil
}
