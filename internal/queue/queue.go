// Package queue is the durable provisioning job queue. Jobs are claimed
// under a lease; a job whose lease expires is redelivered. No two active
// jobs share a pair key.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/org/accessgate/pkg/models"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a consumer settles a job it no longer
	// holds, because its lease expired and the job was redelivered.
	ErrLeaseLost = errors.New("job lease lost")
)

// DefaultMaxAttempts bounds how many times a job is delivered before it is
// abandoned.
const DefaultMaxAttempts = 3

// Queue is implemented by PostgresQueue and MemoryQueue with identical
// semantics.
type Queue interface {
	// Enqueue stores job as queued. It reports false, without error, when a
	// job with the same id already exists.
	Enqueue(ctx context.Context, job *models.Job) (bool, error)
	// Claim leases the oldest ready job whose pair key is not active.
	// It returns nil when nothing is ready.
	Claim(ctx context.Context, consumer string, lease time.Duration) (*models.Job, error)
	// Complete, Retry and Fail settle a job held by consumer. They return
	// ErrLeaseLost when the job is no longer active under that consumer.
	Complete(ctx context.Context, id, consumer string) error
	// Retry puts an active job back in the queue to run at runAt.
	Retry(ctx context.Context, id, consumer string, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id, consumer, lastErr string) error
	// RequeueExpired redelivers active jobs whose lease expired before now.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	// CountPending counts queued and active jobs.
	CountPending(ctx context.Context) (int, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

// NewJobID returns a unique, time-ordered id for a job on subject. The
// suffix keeps a retry from colliding with a prior attempt still settling.
func NewJobID(kind models.JobKind, subject string) string {
	return fmt.Sprintf("%s:%s:%s", kind, subject, ksuid.New().String())
}

// NewJob builds a queued job ready for Enqueue.
func NewJob(kind models.JobKind, pairKey string, payload []byte, maxAttempts int) *models.Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	subject := pairKey
	if subject == "" {
		subject = "-"
	}
	now := time.Now().UTC()
	return &models.Job{
		ID:          NewJobID(kind, subject),
		Kind:        kind,
		PairKey:     pairKey,
		Payload:     payload,
		Status:      models.JobQueued,
		MaxAttempts: maxAttempts,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// RetryableError marks a handler failure that should be retried with backoff.
type RetryableError struct {
	Err         error
	RateLimited bool
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the worker pool schedules a retry.
func Retryable(err error, rateLimited bool) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, RateLimited: rateLimited}
}

// AsRetryable reports whether err is retryable and whether it was rate limited.
func AsRetryable(err error) (retryable, rateLimited bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return true, re.RateLimited
	}
	return false, false
}
