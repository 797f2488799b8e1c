package models

import "time"

// Document is one uploaded PDF. It is written once when the ingestion request
// is accepted and never changes afterwards.
type Document struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID    string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Source    string    `json:"source"`
	ObjectKey string    `gorm:"not null" json:"object_key"`
	PDFURL    string    `json:"pdf_url,omitempty"`
	TaskID    string    `gorm:"type:varchar(64);index" json:"task_id"`
	IndexName string    `gorm:"not null" json:"index_name"`
	CreatedAt time.Time `json:"created_at"`
}

func (Document) TableName() string { return "documents" }

// Task is the user-visible mirror of a runtime job.
type Task struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	UserID     string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	TaskType   string    `gorm:"not null" json:"task_type"`
	TaskName   string    `json:"task_name"`
	TaskStatus string    `gorm:"not null" json:"task_status"`
	TaskError  string    `json:"task_error,omitempty"`
	JobID      string    `gorm:"index;not null" json:"job_id"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

const TaskTypeIngest = "ingest"

// Task status values, kept identical to the job runtime statuses.
const (
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
