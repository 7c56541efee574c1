package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/accessgate/internal/queue"
	"github.com/org/accessgate/pkg/models"
)

type fakeHandler struct {
	mu        sync.Mutex
	results   []error
	calls     int
	exhausted []error
}

func (f *fakeHandler) Handle(context.Context, *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakeHandler) HandleExhausted(_ context.Context, _ *models.Job, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exhausted = append(f.exhausted, cause)
}

func newTestPool(q queue.Queue) *Pool {
	return NewPool(q, Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		Backoff:      queue.Backoff{Steps: []time.Duration{time.Millisecond}},
	}, zerolog.Nop())
}

// drain runs the pool synchronously until no job is ready, waiting out
// short backoff delays.
func drain(t *testing.T, p *Pool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := p.q.CountPending(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
		if _, err := p.RunOnce(context.Background(), "test"); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

func enqueue(t *testing.T, q queue.Queue, maxAttempts int) *models.Job {
	t.Helper()
	job := queue.NewJob(models.JobGrant, "access-1", []byte(`{}`), maxAttempts)
	_, err := q.Enqueue(context.Background(), job)
	require.NoError(t, err)
	return job
}

func TestPoolCompletesJob(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	h := &fakeHandler{}
	p.Register(models.JobGrant, h)
	job := enqueue(t, q, 3)

	drain(t, p)

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 1, h.calls)
	assert.Empty(t, h.exhausted)
}

func TestPoolRetriesThenExhausts(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	timeout := errors.New("timeout")
	h := &fakeHandler{results: []error{
		queue.Retryable(timeout, false),
		queue.Retryable(timeout, false),
		queue.Retryable(timeout, false),
		queue.Retryable(timeout, false),
		queue.Retryable(timeout, false),
	}}
	p.Register(models.JobGrant, h)
	job := enqueue(t, q, 3)

	drain(t, p)

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, 3, h.calls, "abandoned after exactly max attempts")
	require.Len(t, h.exhausted, 1)
	assert.ErrorIs(t, h.exhausted[0], timeout)
}

func TestPoolNonRetryableFailsImmediately(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	h := &fakeHandler{results: []error{errors.New("bad payload")}}
	p.Register(models.JobGrant, h)
	job := enqueue(t, q, 3)

	drain(t, p)

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 1, h.calls)
	assert.Len(t, h.exhausted, 1)
}

func TestPoolRetryScheduleUsesBackoff(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := NewPool(q, Config{Backoff: queue.Backoff{Steps: []time.Duration{time.Minute, time.Hour}}}, zerolog.Nop())
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }
	p.Register(models.JobGrant, &fakeHandler{results: []error{queue.Retryable(errors.New("429"), true)}})
	job := enqueue(t, q, 3)

	processed, err := p.RunOnce(context.Background(), "w")
	require.NoError(t, err)
	require.True(t, processed)

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
	assert.True(t, got.RunAt.Equal(fixed.Add(time.Hour)), "rate limited skips ahead: %s", got.RunAt)
}

func TestPoolUnknownKindFails(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	job := enqueue(t, q, 3)

	processed, err := p.RunOnce(context.Background(), "w")
	require.NoError(t, err)
	assert.True(t, processed)
	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
}

type countingHandler struct {
	done atomic.Int32
}

func (c *countingHandler) Handle(context.Context, *models.Job) error {
	c.done.Add(1)
	return nil
}

func (c *countingHandler) HandleExhausted(context.Context, *models.Job, error) {}

func TestPoolRunProcessesConcurrently(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	h := &countingHandler{}
	p.Register(models.JobRevoke, h)
	for i := 0; i < 10; i++ {
		job := queue.NewJob(models.JobRevoke, "", nil, 3)
		_, err := q.Enqueue(context.Background(), job)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	p.Wake()

	assert.Eventually(t, func() bool { return h.done.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestReapOnceRedeliversStalledJob(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	job := enqueue(t, q, 3)
	_, err := q.Claim(context.Background(), "crashed", time.Millisecond)
	require.NoError(t, err)

	p.now = func() time.Time { return time.Now().Add(time.Second) }
	p.ReapOnce(context.Background())

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobQueued, got.Status)
}

// leaseStealer loses its lease mid-job: the job is redelivered to another
// consumer before Handle returns.
type leaseStealer struct {
	fakeHandler
	q queue.Queue
}

func (s *leaseStealer) Handle(ctx context.Context, job *models.Job) error {
	if _, err := s.q.RequeueExpired(ctx, time.Now().Add(time.Hour)); err != nil {
		return err
	}
	if _, err := s.q.Claim(ctx, "other", time.Minute); err != nil {
		return err
	}
	return s.fakeHandler.Handle(ctx, job)
}

func TestPoolLostLeaseLeavesJobToNewHolder(t *testing.T) {
	q := queue.NewMemoryQueue()
	p := newTestPool(q)
	h := &leaseStealer{fakeHandler: fakeHandler{results: []error{errors.New("bad payload")}}, q: q}
	p.Register(models.JobGrant, h)
	job := enqueue(t, q, 3)

	processed, err := p.RunOnce(context.Background(), "slow")
	require.NoError(t, err)
	require.True(t, processed)

	got, err := q.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobActive, got.Status)
	assert.Equal(t, "other", got.LockedBy)
	assert.Empty(t, h.exhausted)
}
