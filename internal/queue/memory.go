package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/org/accessgate/pkg/models"
)

// MemoryQueue is an in-process Queue for the memory storage driver and tests.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	return &cp
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *models.Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[job.ID]; ok {
		return false, nil
	}
	cp := copyJob(job)
	cp.Status = models.JobQueued
	if cp.RunAt.IsZero() {
		cp.RunAt = q.now()
	}
	if cp.MaxAttempts <= 0 {
		cp.MaxAttempts = DefaultMaxAttempts
	}
	q.jobs[job.ID] = cp
	return true, nil
}

func (q *MemoryQueue) Claim(_ context.Context, consumer string, lease time.Duration) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	activePairs := make(map[string]bool)
	var ready []*models.Job
	for _, j := range q.jobs {
		switch {
		case j.Status == models.JobActive && j.PairKey != "":
			activePairs[j.PairKey] = true
		case j.Status == models.JobQueued && !j.RunAt.After(now):
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(a, b int) bool {
		if !ready[a].RunAt.Equal(ready[b].RunAt) {
			return ready[a].RunAt.Before(ready[b].RunAt)
		}
		return ready[a].CreatedAt.Before(ready[b].CreatedAt)
	})
	for _, j := range ready {
		if j.PairKey != "" && activePairs[j.PairKey] {
			continue
		}
		expires := now.Add(lease)
		j.Status = models.JobActive
		j.Attempts++
		j.LockedBy = consumer
		j.LeaseExpiresAt = &expires
		j.UpdatedAt = now
		return copyJob(j), nil
	}
	return nil, nil
}

func (q *MemoryQueue) transition(id, consumer string, fn func(j *models.Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != models.JobActive || j.LockedBy != consumer {
		return ErrLeaseLost
	}
	fn(j)
	j.LockedBy = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id, consumer string) error {
	return q.transition(id, consumer, func(j *models.Job) { j.Status = models.JobCompleted })
}

func (q *MemoryQueue) Retry(_ context.Context, id, consumer string, runAt time.Time, lastErr string) error {
	return q.transition(id, consumer, func(j *models.Job) {
		j.Status = models.JobQueued
		j.RunAt = runAt
		j.LastError = lastErr
	})
}

func (q *MemoryQueue) Fail(_ context.Context, id, consumer, lastErr string) error {
	return q.transition(id, consumer, func(j *models.Job) {
		j.Status = models.JobFailed
		j.LastError = lastErr
	})
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for _, j := range q.jobs {
		if j.Status != models.JobActive || j.LeaseExpiresAt == nil || j.LeaseExpiresAt.After(now) {
			continue
		}
		j.Status = models.JobQueued
		j.RunAt = now
		j.LockedBy = ""
		j.LeaseExpiresAt = nil
		j.LastError = "lease expired"
		j.UpdatedAt = now
		moved++
	}
	return moved, nil
}

func (q *MemoryQueue) CountPending(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == models.JobQueued || j.Status == models.JobActive {
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(j), nil
}

// Jobs returns a snapshot of every job, oldest first.
func (q *MemoryQueue) Jobs() []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}
