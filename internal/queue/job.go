package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of a job: queued -> active -> completed|failed.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	// ErrConflict is returned by Schedule when a job with the same id is
	// already queued or active.
	ErrConflict = errors.New("queue: job already scheduled")

	ErrJobNotFound    = errors.New("queue: job not found")
	ErrUnknownJobType = errors.New("queue: unknown job type")
	ErrAlreadyStarted = errors.New("queue: runtime already started")
	ErrInvalidJobType = errors.New("queue: invalid job type")

	// ErrLeaseLost means the job is no longer active under the caller's lease.
	ErrLeaseLost = errors.New("queue: job lease lost")
)

const interruptedMessage = "interrupted: worker lease expired before the job finished"

type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	LeaseUntil *time.Time      `json:"lease_until,omitempty"`
}

// Lease names the runtime holding an active job and when its claim lapses
// unless renewed.
type Lease struct {
	Owner string
	Until time.Time
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		c.LeaseUntil = &t
	}
	return &c
}

// Handler executes one job. A non-nil error marks the job failed; the error
// text is kept on the job record.
type Handler func(ctx context.Context, job *Job) error

// IDFunc derives the job id from the encoded payload. Two payloads that
// describe the same unit of work must map to the same id.
type IDFunc func(payload []byte) (string, error)

// JobType describes a named kind of job.
type JobType struct {
	Name        string
	Concurrency int
	ID          IDFunc
	// Handler may be nil for processes that only schedule this type.
	Handler Handler
}
