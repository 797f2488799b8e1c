package queue

import (
	"context"
	"time"
)

// Store persists job records. Implementations must make Create and Claim
// atomic with respect to concurrent callers, including other processes
// sharing the same backend.
type Store interface {
	// Create inserts a queued job. If a record with the same id exists and
	// is queued or active it returns ErrConflict; a completed or failed
	// record is replaced.
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim moves the oldest queued job of the given type to active under
	// lease. It returns nil when nothing is queued or when limit jobs of the
	// type are already active across every process using the store.
	Claim(ctx context.Context, jobType string, limit int, lease Lease) (*Job, error)
	// Renew extends the lease of an active job held by lease.Owner.
	Renew(ctx context.Context, id string, lease Lease) error
	// Finish moves an active job held by owner to a terminal status.
	Finish(ctx context.Context, id, owner string, status Status, errMsg string) (*Job, error)
	// FailExpired fails active jobs of the type whose lease lapsed before now.
	FailExpired(ctx context.Context, jobType string, now time.Time, errMsg string) ([]*Job, error)
	List(ctx context.Context, jobType string, status Status) ([]*Job, error)
	// PruneFinished deletes terminal jobs that finished before the cutoff.
	PruneFinished(ctx context.Context, before time.Time) (int64, error)
}
