package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps jobs in process memory. It satisfies the same contract
// as MongoStore and is shared between Runtime instances to simulate a
// restart in tests.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memJob
	seq  uint64
}

type memJob struct {
	job *Job
	seq uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memJob)}
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.ID]; ok && !existing.job.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrConflict, job.ID, existing.job.Status)
	}
	s.seq++
	s.jobs[job.ID] = &memJob{job: job.clone(), seq: s.seq}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return m.job.clone(), nil
}

func (s *MemoryStore) Claim(_ context.Context, jobType string, limit int, lease Lease) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		next   *memJob
		active int
	)
	for _, m := range s.jobs {
		if m.job.Type != jobType {
			continue
		}
		switch m.job.Status {
		case StatusActive:
			active++
		case StatusQueued:
			if next == nil || m.seq < next.seq {
				next = m
			}
		}
	}
	if next == nil || active >= limit {
		return nil, nil
	}

	now := time.Now().UTC()
	until := lease.Until.UTC()
	next.job.Status = StatusActive
	next.job.StartedAt = &now
	next.job.Owner = lease.Owner
	next.job.LeaseUntil = &until
	return next.job.clone(), nil
}

func (s *MemoryStore) Renew(_ context.Context, id string, lease Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.held(id, lease.Owner)
	if err != nil {
		return err
	}
	until := lease.Until.UTC()
	m.job.LeaseUntil = &until
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, id, owner string, status Status, errMsg string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.held(id, owner)
	if err != nil {
		return nil, err
	}
	finish(m.job, status, errMsg)
	return m.job.clone(), nil
}

func (s *MemoryStore) FailExpired(_ context.Context, jobType string, now time.Time, errMsg string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*memJob
	for _, m := range s.jobs {
		if m.job.Type != jobType || m.job.Status != StatusActive {
			continue
		}
		if m.job.LeaseUntil == nil || m.job.LeaseUntil.Before(now) {
			expired = append(expired, m)
		}
	}
	sort.Slice(expired, func(i, k int) bool { return expired[i].seq < expired[k].seq })

	out := make([]*Job, 0, len(expired))
	for _, m := range expired {
		finish(m.job, StatusFailed, errMsg)
		out = append(out, m.job.clone())
	}
	return out, nil
}

// held returns the active job with id if owner holds its lease.
func (s *MemoryStore) held(id, owner string) (*memJob, error) {
	m, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if m.job.Status != StatusActive || m.job.Owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return m, nil
}

func finish(job *Job, status Status, errMsg string) {
	now := time.Now().UTC()
	job.Status = status
	job.Error = errMsg
	job.FinishedAt = &now
	job.Owner = ""
	job.LeaseUntil = nil
}

func (s *MemoryStore) List(_ context.Context, jobType string, status Status) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*memJob
	for _, m := range s.jobs {
		if m.job.Type == jobType && m.job.Status == status {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].seq < matched[k].seq })

	out := make([]*Job, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.job.clone())
	}
	return out, nil
}

func (s *MemoryStore) PruneFinished(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, m := range s.jobs {
		if m.job.Status.Terminal() && m.job.FinishedAt != nil && m.job.FinishedAt.Before(before) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
