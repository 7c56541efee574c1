package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/org/accessgate/internal/audit"
	"github.com/org/accessgate/internal/notify"
	"github.com/org/accessgate/internal/queue"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

// DefaultBulkDelay spaces grant enqueues issued by one bulk auto-grant job.
const DefaultBulkDelay = 200 * time.Millisecond

// BulkHandler processes bulk auto-grant jobs: one grant job per purchaser
// still missing access to the strategy.
type BulkHandler struct {
	svc      *Service
	store    storage.StorageBackend
	notifier notify.Notifier
	audit    *audit.Logger
	delay    time.Duration
	logger   zerolog.Logger
}

func NewBulkHandler(svc *Service, delay time.Duration, logger zerolog.Logger) *BulkHandler {
	if delay <= 0 {
		delay = DefaultBulkDelay
	}
	return &BulkHandler{
		svc:      svc,
		store:    svc.store,
		notifier: svc.notifier,
		audit:    svc.audit,
		delay:    delay,
		logger:   logger.With().Str("component", "bulk_auto_grant").Logger(),
	}
}

// BulkSummary counts what one bulk run did. ResumeAfter is set when the run
// stopped early to hand the remaining users to a continuation job.
type BulkSummary struct {
	Missing     int
	Enqueued    int
	Skipped     int
	Failed      int
	ResumeAfter string
}

// Handle implements worker.Handler. Interrupted runs are safe to repeat:
// users already holding an in-flight job are skipped. A run that nears the
// job timeout enqueues a continuation for the users it did not reach.
func (b *BulkHandler) Handle(ctx context.Context, job *models.Job) error {
	var payload models.BulkAutoGrantPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding bulk payload: %w", err)
	}
	summary, err := b.run(ctx, payload)
	if err != nil {
		return err
	}
	details := map[string]any{
		"job_id":   job.ID,
		"missing":  summary.Missing,
		"enqueued": summary.Enqueued,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
	}
	if summary.ResumeAfter == "" {
		b.audit.Record(ctx, "bulk_auto_grant.completed", audit.EntityStrategy, payload.StrategyID, details)
		return nil
	}

	next, err := b.svc.enqueueBulk(context.WithoutCancel(ctx), models.BulkAutoGrantPayload{
		StrategyID:  payload.StrategyID,
		AfterUserID: summary.ResumeAfter,
	})
	if err != nil {
		return queue.Retryable(fmt.Errorf("enqueueing bulk continuation: %w", err), false)
	}
	details["resume_after"] = summary.ResumeAfter
	details["next_job_id"] = next.ID
	b.audit.Record(ctx, "bulk_auto_grant.continued", audit.EntityStrategy, payload.StrategyID, details)
	return nil
}

// Run enqueues grants for every purchaser of strategyID without access.
func (b *BulkHandler) Run(ctx context.Context, strategyID string) (*BulkSummary, error) {
	return b.run(ctx, models.BulkAutoGrantPayload{StrategyID: strategyID})
}

func (b *BulkHandler) run(ctx context.Context, p models.BulkAutoGrantPayload) (*BulkSummary, error) {
	strategyID := p.StrategyID
	log := b.logger.With().Str("strategy_id", strategyID).Logger()
	strategy, err := b.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, err)
	}
	if !strategy.IsActive {
		log.Info().Msg("strategy inactive, nothing to grant")
		return &BulkSummary{}, nil
	}

	all, err := b.store.ListMissingAccess(ctx, strategyID)
	if err != nil {
		return nil, queue.Retryable(fmt.Errorf("listing missing access: %w", err), false)
	}
	// The cursor is a byte-order compare, independent of database collation.
	missing := all[:0]
	for _, m := range all {
		if m.UserID > p.AfterUserID {
			missing = append(missing, m)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].UserID < missing[j].UserID })
	summary := &BulkSummary{Missing: len(missing)}
	log.Info().Int("missing", len(missing)).Str("after_user_id", p.AfterUserID).Msg("bulk auto-grant started")

	limiter := rate.NewLimiter(rate.Every(b.delay), 1)
	last := ""
	for _, m := range missing {
		if summary.Enqueued > 0 && b.nearDeadline(ctx) {
			summary.ResumeAfter = last
			log.Info().Int("enqueued", summary.Enqueued).Str("resume_after", last).Msg("bulk auto-grant handing off before timeout")
			return summary, nil
		}
		last = m.UserID
		if m.Access != nil && m.Access.Status == models.AccessPending && m.Access.JobID != nil {
			summary.Skipped++
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return summary, queue.Retryable(fmt.Errorf("bulk auto-grant interrupted after %d enqueues: %w", summary.Enqueued, err), false)
		}

		access := m.Access
		if access == nil {
			access, err = b.svc.ensureAccess(ctx, m.UserID, strategyID)
			if err != nil {
				log.Warn().Err(err).Str("user_id", m.UserID).Msg("creating access row")
				summary.Failed++
				continue
			}
		}
		res, err := b.svc.enqueueGrant(ctx, access, false)
		if err != nil {
			log.Warn().Err(err).Str("user_id", m.UserID).Msg("enqueueing grant")
			summary.Failed++
			continue
		}
		if res.Job == nil {
			summary.Skipped++
			continue
		}
		summary.Enqueued++
	}

	log.Info().
		Int("enqueued", summary.Enqueued).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Msg("bulk auto-grant finished")
	return summary, nil
}

// nearDeadline reports whether too little of the job timeout is left for
// another paced enqueue.
func (b *BulkHandler) nearDeadline(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	return ok && time.Until(deadline) < 2*b.delay
}

func (b *BulkHandler) HandleExhausted(ctx context.Context, job *models.Job, cause error) {
	var payload models.BulkAutoGrantPayload
	_ = json.Unmarshal(job.Payload, &payload)
	b.audit.Record(ctx, "bulk_auto_grant.failed", audit.EntityStrategy, payload.StrategyID, map[string]any{
		"job_id": job.ID,
		"reason": cause.Error(),
	})
	err := b.notifier.SendAdminAlert(ctx, notify.AlertProvisioningFailed,
		"Bulk auto-grant failed", map[string]any{
			"strategy_id": payload.StrategyID,
			"job_id":      job.ID,
			"reason":      cause.Error(),
		})
	if err != nil {
		b.logger.Warn().Err(err).Msg("notification failed: bulk alert")
	}
}
