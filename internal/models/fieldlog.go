package models

import "time"

// LogEntry is a field log written by a crew member.
type LogEntry struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

type Comment struct {
	ID        string    `json:"id"`
	LogID     string    `json:"log_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type ChecklistItem struct {
	ID        string    `json:"id"`
	LogID     string    `json:"log_id"`
	Label     string    `json:"label"`
	Done      bool      `json:"done"`
	UpdatedAt time.Time `json:"updated_at"`
}
