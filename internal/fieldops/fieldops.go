// Package fieldops is the field-log domain library reachable through the
// sync dispatcher. Each function is one complete unit of work.
package fieldops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldsync/internal/dispatch"
	"fieldsync/internal/models"

	"github.com/google/uuid"
)

const (
	ActionCreateLog           = "createLog"
	ActionUpdateLog           = "updateLog"
	ActionDeleteLog           = "deleteLog"
	ActionAddComment          = "addComment"
	ActionAddChecklistItem    = "addChecklistItem"
	ActionToggleChecklistItem = "toggleChecklistItem"
)

var ErrInvalidPayload = errors.New("invalid payload")

// Store is the persistence the operations need.
type Store interface {
	CreateLogEntry(ctx context.Context, entry *models.LogEntry) error
	UpdateLogBody(ctx context.Context, id, body string) (int64, error)
	UpdateLogBodyWithVersion(ctx context.Context, id string, fromVersion int64, body string) (int64, error)
	DeleteLogEntry(ctx context.Context, id string) error
	AddComment(ctx context.Context, c *models.Comment) error
	AddChecklistItem(ctx context.Context, item *models.ChecklistItem) error
	ToggleChecklistItem(ctx context.Context, id string) (bool, error)
	SetChecklistItemDone(ctx context.Context, id string, done bool) error
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register binds every operation to its action name.
func (s *Service) Register(d *dispatch.Dispatcher) {
	d.Register(ActionCreateLog, s.CreateLog)
	d.Register(ActionUpdateLog, s.UpdateLog)
	d.Register(ActionDeleteLog, s.DeleteLog)
	d.Register(ActionAddComment, s.AddComment)
	d.Register(ActionAddChecklistItem, s.AddChecklistItem)
	d.Register(ActionToggleChecklistItem, s.ToggleChecklistItem)
}

// Actions lists the names Register binds.
func Actions() []string {
	return []string{
		ActionCreateLog,
		ActionUpdateLog,
		ActionDeleteLog,
		ActionAddComment,
		ActionAddChecklistItem,
		ActionToggleChecklistItem,
	}
}

// CreateLog accepts a client-generated id so operations queued later in the
// same offline session can reference the entry.
func (s *Service) CreateLog(ctx context.Context, p models.Payload) (any, error) {
	projectID, err := required(p, "project_id")
	if err != nil {
		return nil, err
	}
	author, err := required(p, "author")
	if err != nil {
		return nil, err
	}
	body, err := required(p, "body")
	if err != nil {
		return nil, err
	}

	entry := &models.LogEntry{
		ID:        idOrNew(p),
		ProjectID: projectID,
		Author:    author,
		Body:      body,
		CreatedAt: p.GetTime("created_at"),
	}
	if err := s.store.CreateLogEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) UpdateLog(ctx context.Context, p models.Payload) (any, error) {
	id, err := required(p, "id")
	if err != nil {
		return nil, err
	}
	body, err := required(p, "body")
	if err != nil {
		return nil, err
	}

	var version int64
	if p.Has("version") {
		version, err = s.store.UpdateLogBodyWithVersion(ctx, id, p.GetInt64("version"), body)
	} else {
		version, err = s.store.UpdateLogBody(ctx, id, body)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "version": version}, nil
}

func (s *Service) DeleteLog(ctx context.Context, p models.Payload) (any, error) {
	id, err := required(p, "id")
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteLogEntry(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"id": id}, nil
}

func (s *Service) AddComment(ctx context.Context, p models.Payload) (any, error) {
	logID, err := required(p, "log_id")
	if err != nil {
		return nil, err
	}
	author, err := required(p, "author")
	if err != nil {
		return nil, err
	}
	body, err := required(p, "body")
	if err != nil {
		return nil, err
	}

	c := &models.Comment{ID: idOrNew(p), LogID: logID, Author: author, Body: body, CreatedAt: p.GetTime("created_at")}
	if err := s.store.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) AddChecklistItem(ctx context.Context, p models.Payload) (any, error) {
	logID, err := required(p, "log_id")
	if err != nil {
		return nil, err
	}
	label, err := required(p, "label")
	if err != nil {
		return nil, err
	}

	item := &models.ChecklistItem{ID: idOrNew(p), LogID: logID, Label: label}
	if done, ok := p.GetBool("done"); ok {
		item.Done = done
	}
	if err := s.store.AddChecklistItem(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// ToggleChecklistItem sets "done" when the payload carries it, otherwise it
// flips the stored state.
func (s *Service) ToggleChecklistItem(ctx context.Context, p models.Payload) (any, error) {
	id, err := required(p, "id")
	if err != nil {
		return nil, err
	}

	if done, ok := p.GetBool("done"); ok {
		if err := s.store.SetChecklistItemDone(ctx, id, done); err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "done": done}, nil
	}

	done, err := s.store.ToggleChecklistItem(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "done": done}, nil
}

func required(p models.Payload, key string) (string, error) {
	v := strings.TrimSpace(p.GetString(key))
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidPayload, key)
	}
	return v, nil
}

func idOrNew(p models.Payload) string {
	if id := strings.TrimSpace(p.GetString("id")); id != "" {
		return id
	}
	return uuid.NewString()
}
