package queue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/accessgate/pkg/models"
)

func TestBackoffMonotonic(t *testing.T) {
	b := DefaultBackoff
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		for _, rl := range []bool{false, true} {
			d := b.Delay(attempt, rl)
			assert.Greater(t, d, time.Duration(0))
			if !rl {
				assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
				prev = d
			}
			assert.GreaterOrEqual(t, b.Delay(attempt, true), b.Delay(attempt, false))
		}
	}
	assert.Equal(t, 30*time.Second, b.Delay(1, false))
	assert.Equal(t, 2*time.Minute, b.Delay(1, true))
	assert.Equal(t, 2*time.Minute, b.Delay(2, false))
	assert.Equal(t, time.Hour, b.Delay(5, false))
	assert.Equal(t, time.Hour, b.Delay(50, true))
	assert.Equal(t, 30*time.Second, b.Delay(0, false))
}

func TestNewBackoffValidation(t *testing.T) {
	b, err := NewBackoff(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBackoff.Steps, b.Steps)

	_, err = NewBackoff([]time.Duration{time.Minute, time.Second})
	assert.Error(t, err)
	_, err = NewBackoff([]time.Duration{0})
	assert.Error(t, err)

	b, err = NewBackoff([]time.Duration{time.Second, time.Second, 4 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, b.Delay(9, false))
}

func TestRetryableWrapping(t *testing.T) {
	base := errors.New("upstream 502")
	err := Retryable(base, true)
	ok, rl := AsRetryable(err)
	assert.True(t, ok)
	assert.True(t, rl)
	assert.ErrorIs(t, err, base)

	ok, _ = AsRetryable(base)
	assert.False(t, ok)
	assert.Nil(t, Retryable(nil, false))
}

func TestNewJobID(t *testing.T) {
	a := NewJobID(models.JobGrant, "access-1")
	b := NewJobID(models.JobGrant, "access-1")
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "grant:access-1:"))
}

func TestMemoryQueueEnqueueIdempotent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	job := NewJob(models.JobGrant, "a1", []byte(`{}`), 3)

	created, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = q.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, created)

	n, err := q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryQueuePairExclusion(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	first := NewJob(models.JobGrant, "a1", nil, 3)
	second := NewJob(models.JobRevoke, "a1", nil, 3)
	second.CreatedAt = first.CreatedAt.Add(time.Millisecond)
	other := NewJob(models.JobGrant, "a2", nil, 3)
	other.CreatedAt = first.CreatedAt.Add(2 * time.Millisecond)
	for _, j := range []*models.Job{first, second, other} {
		_, err := q.Enqueue(ctx, j)
		require.NoError(t, err)
	}

	got, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)

	got2, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got2)
	assert.Equal(t, other.ID, got2.ID, "same-pair job must wait")

	none, err := q.Claim(ctx, "w3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, q.Complete(ctx, first.ID, "w1"))
	got3, err := q.Claim(ctx, "w3", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got3)
	assert.Equal(t, second.ID, got3.ID)
}

func TestMemoryQueueRetryDelaysClaim(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	job := NewJob(models.JobGrant, "a1", nil, 3)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	got, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.Retry(ctx, got.ID, "w1", time.Now().Add(time.Hour), "timeout"))

	none, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, stored.Status)
	assert.Equal(t, "timeout", stored.LastError)
	assert.Equal(t, 1, stored.Attempts)
}

func TestMemoryQueueRequeueExpired(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, NewJob(models.JobGrant, "a1", nil, 3))
	require.NoError(t, err)

	got, err := q.Claim(ctx, "crashed-worker", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	moved, err := q.RequeueExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, moved)

	moved, err = q.RequeueExpired(ctx, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	again, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, got.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)
}

func TestMemoryQueueFailAndUnknown(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	job := NewJob(models.JobBulkAutoGrant, "", nil, 0)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, "w1", "boom"))
	n, err := q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.ErrorIs(t, q.Complete(ctx, "nope", "w1"), ErrNotFound)
	_, err = q.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQueueRedeliveredJobRejectsStaleConsumer(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	job := NewJob(models.JobGrant, "a1", nil, 3)
	_, err := q.Enqueue(ctx, job)
	require.NoError(t, err)

	_, err = q.Claim(ctx, "slow-worker", time.Second)
	require.NoError(t, err)
	moved, err := q.RequeueExpired(ctx, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, moved)
	again, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)

	assert.ErrorIs(t, q.Complete(ctx, job.ID, "slow-worker"), ErrLeaseLost)
	assert.ErrorIs(t, q.Fail(ctx, job.ID, "slow-worker", "late"), ErrLeaseLost)
	assert.ErrorIs(t, q.Retry(ctx, job.ID, "slow-worker", time.Now(), "late"), ErrLeaseLost)

	stored, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobActive, stored.Status)
	assert.Equal(t, "w2", stored.LockedBy)

	require.NoError(t, q.Complete(ctx, job.ID, "w2"))
	assert.ErrorIs(t, q.Complete(ctx, job.ID, "w2"), ErrLeaseLost)
}
