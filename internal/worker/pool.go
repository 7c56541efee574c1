// Package worker runs provisioning jobs from the queue with bounded
// concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/org/accessgate/internal/metrics"
	"github.com/org/accessgate/internal/queue"
	"github.com/org/accessgate/pkg/models"
)

// Handler processes one job kind.
//
// Handle returns nil when the job is done (including terminal business
// failures it already persisted), an error wrapped with queue.Retryable to
// be retried with backoff, or any other error to fail the job immediately.
// HandleExhausted runs once when a job is abandoned.
type Handler interface {
	Handle(ctx context.Context, job *models.Job) error
	HandleExhausted(ctx context.Context, job *models.Job, cause error)
}

// Config tunes the pool.
type Config struct {
	Workers      int
	Lease        time.Duration // must exceed JobTimeout
	JobTimeout   time.Duration
	PollInterval time.Duration
	ReapInterval time.Duration
	Backoff      queue.Backoff
}

const (
	DefaultWorkers      = 5
	DefaultJobTimeout   = 2 * time.Minute
	DefaultPollInterval = 2 * time.Second
	DefaultReapInterval = 30 * time.Second
)

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.Lease <= c.JobTimeout {
		c.Lease = c.JobTimeout + 30*time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if len(c.Backoff.Steps) == 0 {
		c.Backoff = queue.DefaultBackoff
	}
}

// Pool claims jobs and dispatches them to the registered handlers.
type Pool struct {
	q        queue.Queue
	cfg      Config
	handlers map[models.JobKind]Handler
	wake     chan struct{}
	id       string
	logger   zerolog.Logger
	now      func() time.Time
}

func NewPool(q queue.Queue, cfg Config, logger zerolog.Logger) *Pool {
	cfg.setDefaults()
	return &Pool{
		q:        q,
		cfg:      cfg,
		handlers: make(map[models.JobKind]Handler),
		wake:     make(chan struct{}, cfg.Workers),
		id:       uuid.NewString()[:8],
		logger:   logger.With().Str("component", "worker_pool").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds h to kind. Call before Run.
func (p *Pool) Register(kind models.JobKind, h Handler) {
	p.handlers[kind] = h
}

// Wake nudges an idle worker to poll immediately.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled or a worker fails fatally.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info().Int("workers", p.cfg.Workers).Dur("lease", p.cfg.Lease).Msg("worker pool started")
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		consumer := fmt.Sprintf("%s-%d", p.id, i)
		g.Go(func() error { return p.work(ctx, consumer) })
	}
	g.Go(func() error { return p.reap(ctx) })
	err := g.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, consumer string) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		processed, err := p.RunOnce(ctx, consumer)
		if err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Str("worker", consumer).Msg("claiming job")
		}
		if ctx.Err() != nil {
			return nil
		}
		if processed {
			continue
		}
		timer.Reset(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-timer.C:
		}
	}
}

func (p *Pool) reap(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		p.ReapOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ReapOnce redelivers jobs whose lease expired and refreshes the pending gauge.
func (p *Pool) ReapOnce(ctx context.Context) {
	moved, err := p.q.RequeueExpired(ctx, p.now())
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("requeueing stalled jobs")
		}
		return
	}
	if moved > 0 {
		p.logger.Warn().Int("jobs", moved).Msg("redelivering stalled jobs")
		p.Wake()
	}
	if n, err := p.q.CountPending(ctx); err == nil {
		metrics.JobsPending.Set(float64(n))
	}
}

// RunOnce claims and processes at most one job. It reports whether a job was
// processed.
func (p *Pool) RunOnce(ctx context.Context, consumer string) (bool, error) {
	job, err := p.q.Claim(ctx, consumer, p.cfg.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, job *models.Job) {
	log := p.logger.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Int("attempt", job.Attempts).Logger()
	// Queue bookkeeping must land even if shutdown starts mid-job.
	bg := context.WithoutCancel(ctx)

	h, ok := p.handlers[job.Kind]
	if !ok {
		log.Error().Msg("no handler registered")
		p.finish(log, job, "failed", p.q.Fail(bg, job.ID, job.LockedBy, "no handler for job kind"))
		return
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	err := h.Handle(jobCtx, job)
	cancel()
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil {
		// Shutting down: leave the job active so the lease expires and it
		// is redelivered.
		log.Warn().Err(err).Msg("job interrupted by shutdown")
		return
	}

	if err == nil {
		log.Debug().Msg("job completed")
		p.finish(log, job, "completed", p.q.Complete(bg, job.ID, job.LockedBy))
		return
	}

	retryable, rateLimited := queue.AsRetryable(err)
	if retryable && job.Attempts < job.MaxAttempts {
		delay := p.cfg.Backoff.Delay(job.Attempts, rateLimited)
		log.Warn().Err(err).Dur("delay", delay).Bool("rate_limited", rateLimited).Msg("job failed, retrying")
		p.finish(log, job, "retried", p.q.Retry(bg, job.ID, job.LockedBy, p.now().Add(delay), err.Error()))
		return
	}

	outcome := "failed"
	if retryable {
		outcome = "exhausted"
		log.Error().Err(err).Int("max_attempts", job.MaxAttempts).Msg("job retries exhausted")
	} else {
		log.Error().Err(err).Msg("job failed")
	}
	if ferr := p.q.Fail(bg, job.ID, job.LockedBy, err.Error()); ferr != nil {
		p.finish(log, job, outcome, ferr)
		return
	}
	h.HandleExhausted(bg, job, err)
	p.finish(log, job, outcome, nil)
}

func (p *Pool) finish(log zerolog.Logger, job *models.Job, outcome string, err error) {
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrNotFound):
			log.Warn().Msg("job vanished from queue")
		case errors.Is(err, queue.ErrLeaseLost):
			log.Warn().Str("outcome", outcome).Msg("lease lost, job was redelivered to another worker")
			outcome = "lease_lost"
		default:
			log.Error().Err(err).Str("outcome", outcome).Msg("recording job outcome")
		}
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), outcome).Inc()
}
