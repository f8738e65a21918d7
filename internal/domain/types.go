package domain

import "time"

// WorkerID names a worker endpoint on the bus. Stable for the process lifetime.
type WorkerID string

const (
	WorkerDatabase  WorkerID = "database"
	WorkerWebsocket WorkerID = "websocket"
	WorkerProcessor WorkerID = "processor"
	WorkerTimer     WorkerID = "timer"
)

type Note struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Notification struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Read      bool       `json:"read"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ExportRecord is the durable trace of one export job run.
type ExportRecord struct {
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	State     string    `json:"state"`
	Path      string    `json:"path,omitempty"`
	Message   string    `json:"message,omitempty"`
	Notes     int       `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
}
