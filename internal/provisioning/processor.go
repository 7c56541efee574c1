// Package provisioning turns grant and revoke jobs into upstream calls,
// StrategyAccess transitions and manual tasks, and exposes the operations
// other services use to request provisioning.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/accessgate/internal/audit"
	"github.com/org/accessgate/internal/metrics"
	"github.com/org/accessgate/internal/notify"
	"github.com/org/accessgate/internal/provider"
	"github.com/org/accessgate/internal/queue"
	"github.com/org/accessgate/internal/state"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

// CredentialMarker records credential usage after upstream calls.
type CredentialMarker interface {
	MarkValidated(ctx context.Context, id string) error
	MarkUsed(ctx context.Context, id string) error
}

// Processor handles grant and revoke jobs. It is the only place provider
// results become StrategyAccess changes.
type Processor struct {
	store    storage.StorageBackend
	state    *state.Machine
	provider provider.Provider
	creds    CredentialMarker
	notifier notify.Notifier
	audit    *audit.Logger
	logger   zerolog.Logger
	now      func() time.Time
}

func NewProcessor(
	store storage.StorageBackend,
	machine *state.Machine,
	prov provider.Provider,
	creds CredentialMarker,
	notifier notify.Notifier,
	auditor *audit.Logger,
	logger zerolog.Logger,
) *Processor {
	return &Processor{
		store:    store,
		state:    machine,
		provider: prov,
		creds:    creds,
		notifier: notifier,
		audit:    auditor,
		logger:   logger.With().Str("component", "processor").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// jobContext is everything a grant or revoke attempt reads up front.
type jobContext struct {
	job      *models.Job
	access   *models.StrategyAccess
	user     *models.User
	strategy *models.Strategy
	log      zerolog.Logger
}

func decodePayload(job *models.Job) (models.ProvisioningPayload, error) {
	var p models.ProvisioningPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, fmt.Errorf("decoding job payload: %w", err)
	}
	if p.StrategyAccessID == "" {
		return p, errors.New("job payload has no strategy_access_id")
	}
	return p, nil
}

// load reads the access row and its collaborators. A nil jobContext with a
// nil error means the job has nothing left to do.
func (p *Processor) load(ctx context.Context, job *models.Job, done models.AccessStatus) (*jobContext, error) {
	payload, err := decodePayload(job)
	if err != nil {
		return nil, err
	}
	log := p.logger.With().Str("job_id", job.ID).Str("access_id", payload.StrategyAccessID).Logger()

	access, err := p.store.GetAccess(ctx, payload.StrategyAccessID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("strategy access %s: %w", payload.StrategyAccessID, err)
	}
	if err != nil {
		return nil, queue.Retryable(fmt.Errorf("loading access: %w", err), false)
	}
	if access.Status == done {
		log.Debug().Str("status", string(access.Status)).Msg("already in target state")
		if access.HasJob(job.ID) {
			p.releaseJob(ctx, access, job.ID, log)
		}
		return nil, nil
	}
	if !access.HasJob(job.ID) {
		log.Info().Msg("job superseded by a later request")
		return nil, nil
	}

	user, err := p.store.GetUser(ctx, access.UserID)
	if err != nil {
		return nil, wrapLoad("user", err)
	}
	strategy, err := p.store.GetStrategy(ctx, access.StrategyID)
	if err != nil {
		return nil, wrapLoad("strategy", err)
	}
	return &jobContext{job: job, access: access, user: user, strategy: strategy, log: log}, nil
}

// releaseJob detaches a job that found the access already in its target
// state, so the row does not keep pointing at a finished job.
func (p *Processor) releaseJob(ctx context.Context, access *models.StrategyAccess, jobID string, log zerolog.Logger) {
	err := p.store.UpdateAccess(ctx, access.ID, jobID, models.AccessUpdate{
		Status:        access.Status,
		FailureReason: access.FailureReason,
		GrantedAt:     access.GrantedAt,
		RevokedAt:     access.RevokedAt,
		ClearJob:      true,
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		log.Warn().Err(err).Msg("releasing job from access")
	}
}

func wrapLoad(what string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading %s: %w", what, err)
	}
	return queue.Retryable(fmt.Errorf("loading %s: %w", what, err), false)
}

// Handle implements worker.Handler for grant and revoke jobs.
func (p *Processor) Handle(ctx context.Context, job *models.Job) error {
	switch job.Kind {
	case models.JobGrant:
		return p.grant(ctx, job)
	case models.JobRevoke:
		return p.revoke(ctx, job)
	default:
		return fmt.Errorf("processor cannot handle job kind %q", job.Kind)
	}
}

func (p *Processor) grant(ctx context.Context, job *models.Job) error {
	jc, err := p.load(ctx, job, models.AccessGranted)
	if err != nil || jc == nil {
		return err
	}

	mode, err := p.state.EffectiveMode(ctx)
	if err != nil {
		return queue.Retryable(err, false)
	}
	switch mode {
	case models.ModeDisabled:
		jc.log.Info().Msg("provisioning disabled, deferring to manual task")
		return p.requestManual(ctx, jc, models.TaskGrant, "provisioning is disabled; grant deferred")
	case models.ModeManual:
		return p.requestManual(ctx, jc, models.TaskGrant, "provisioning is in manual mode")
	}

	if jc.user.TradingViewUsername == "" {
		return p.failInvalid(ctx, jc, "no TradingView username on file")
	}

	v := p.provider.ValidateUsername(ctx, jc.user.TradingViewUsername)
	if !v.Success {
		return p.handleFailure(ctx, jc, models.TaskGrant, v)
	}
	p.markCredential(ctx, jc, v.CredentialID, true)

	username := v.Username
	if username == "" {
		username = jc.user.TradingViewUsername
	}
	res := p.provider.GrantAccess(ctx, provider.GrantRequest{
		Username: username,
		PineID:   jc.strategy.PineID,
		Duration: jc.strategy.AccessDuration,
	})
	if !res.Success {
		return p.handleFailure(ctx, jc, models.TaskGrant, res)
	}
	p.markCredential(ctx, jc, res.CredentialID, false)

	now := p.now()
	err = p.store.UpdateAccess(ctx, jc.access.ID, job.ID, models.AccessUpdate{
		Status:    models.AccessGranted,
		GrantedAt: &now,
		ClearJob:  true,
	})
	if errors.Is(err, storage.ErrConflict) {
		jc.log.Warn().Msg("access changed while granting; later request wins")
		return nil
	}
	if err != nil {
		return queue.Retryable(fmt.Errorf("recording grant: %w", err), false)
	}

	jc.log.Info().Str("username", username).Msg("access granted")
	p.closeTasks(ctx, jc)
	p.audit.Record(ctx, "access.granted", audit.EntityAccess, jc.access.ID, map[string]any{
		"user_id":     jc.user.ID,
		"strategy_id": jc.strategy.ID,
		"username":    username,
		"job_id":      job.ID,
	})
	p.send(jc.log, "access granted", func() error {
		return p.notifier.SendAccessGranted(ctx, jc.user, jc.strategy)
	})
	return nil
}

func (p *Processor) revoke(ctx context.Context, job *models.Job) error {
	jc, err := p.load(ctx, job, models.AccessRevoked)
	if err != nil || jc == nil {
		return err
	}

	mode, err := p.state.EffectiveMode(ctx)
	if err != nil {
		return queue.Retryable(err, false)
	}
	if mode != models.ModeAuto {
		return p.requestManual(ctx, jc, models.TaskRevoke, fmt.Sprintf("provisioning mode is %s", mode))
	}
	if jc.user.TradingViewUsername == "" {
		return p.requestManual(ctx, jc, models.TaskRevoke, "no TradingView username on file")
	}

	res := p.provider.RevokeAccess(ctx, provider.RevokeRequest{
		Username: jc.user.TradingViewUsername,
		PineID:   jc.strategy.PineID,
	})
	if !res.Success {
		return p.handleFailure(ctx, jc, models.TaskRevoke, res)
	}
	p.markCredential(ctx, jc, res.CredentialID, false)

	now := p.now()
	err = p.store.UpdateAccess(ctx, jc.access.ID, job.ID, models.AccessUpdate{
		Status:    models.AccessRevoked,
		RevokedAt: &now,
		ClearJob:  true,
	})
	if errors.Is(err, storage.ErrConflict) {
		jc.log.Warn().Msg("access changed while revoking; later request wins")
		return nil
	}
	if err != nil {
		return queue.Retryable(fmt.Errorf("recording revoke: %w", err), false)
	}
	jc.log.Info().Msg("access revoked")
	p.closeTasks(ctx, jc)
	p.audit.Record(ctx, "access.revoked", audit.EntityAccess, jc.access.ID, map[string]any{
		"user_id":     jc.user.ID,
		"strategy_id": jc.strategy.ID,
		"job_id":      job.ID,
	})
	return nil
}

// handleFailure maps a failed provider result onto the job outcome.
func (p *Processor) handleFailure(ctx context.Context, jc *jobContext, typ models.TaskType, res provider.Result) error {
	switch {
	case res.Kind == provider.KindInvalid && typ == models.TaskGrant:
		return p.failInvalid(ctx, jc, res.Message)
	case res.RequiresManualAction:
		return p.requestManual(ctx, jc, typ, res.Message)
	case res.Retryable():
		jc.log.Warn().Str("kind", string(res.Kind)).Str("message", res.Message).Msg("provider call failed")
		return queue.Retryable(errors.New(res.Message), res.Kind == provider.KindRateLimited)
	default:
		return queue.Retryable(fmt.Errorf("provider returned %s: %s", res.Kind, res.Message), false)
	}
}

// failInvalid records a terminal INVALID failure. No retry and no manual
// task: only the user can fix their username.
func (p *Processor) failInvalid(ctx context.Context, jc *jobContext, detail string) error {
	reason := models.FailureInvalidUsername
	err := p.store.UpdateAccess(ctx, jc.access.ID, jc.job.ID, models.AccessUpdate{
		Status:        models.AccessFailed,
		FailureReason: &reason,
		ClearJob:      true,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return queue.Retryable(fmt.Errorf("recording invalid username: %w", err), false)
	}
	jc.log.Info().Str("detail", detail).Msg("grant failed: invalid username")
	p.closeTasks(ctx, jc)
	p.audit.Record(ctx, "access.failed", audit.EntityAccess, jc.access.ID, map[string]any{
		"reason":   reason,
		"detail":   detail,
		"username": jc.user.TradingViewUsername,
		"job_id":   jc.job.ID,
	})
	p.send(jc.log, "access failed", func() error {
		return p.notifier.SendAccessFailed(ctx, jc.user, jc.strategy, fmt.Sprintf(
			"We could not find the TradingView username %q. Check your username in your profile and request a retry.",
			jc.user.TradingViewUsername))
	})
	return nil
}

// requestManual creates or refreshes the pending manual task for the access.
// The access status is left unchanged until an admin resolves the task.
func (p *Processor) requestManual(ctx context.Context, jc *jobContext, typ models.TaskType, note string) error {
	task, err := p.upsertTask(ctx, jc, typ, note)
	if err != nil {
		return queue.Retryable(err, false)
	}
	jc.log.Info().Str("task_id", task.ID).Str("type", string(typ)).Msg("manual task pending")
	return nil
}

func (p *Processor) upsertTask(ctx context.Context, jc *jobContext, typ models.TaskType, note string) (*models.ManualTask, error) {
	accessID := jc.access.ID
	task, created, err := p.store.UpsertPendingManualTask(ctx, &models.ManualTask{
		ID:               uuid.NewString(),
		Type:             typ,
		Username:         jc.user.TradingViewUsername,
		ScriptID:         jc.strategy.PineID,
		StrategyAccessID: &accessID,
		Notes:            note,
	})
	if err != nil {
		return nil, fmt.Errorf("creating manual task: %w", err)
	}
	if created {
		metrics.ManualTasksCreated.WithLabelValues(string(typ)).Inc()
		p.audit.Record(ctx, "manual_task.created", audit.EntityTask, task.ID, map[string]any{
			"type":      string(typ),
			"access_id": accessID,
			"note":      note,
		})
		p.send(jc.log, "manual task alert", func() error {
			return p.notifier.SendAdminAlert(ctx, notify.AlertManualTask,
				fmt.Sprintf("Manual %s required for %s", typ, jc.strategy.Name),
				map[string]any{
					"task_id":   task.ID,
					"username":  task.Username,
					"script_id": task.ScriptID,
					"note":      note,
				})
		})
	}
	return task, nil
}

// closeTasks fails any manual task still pending for the access once a job
// has recorded a final outcome for it.
func (p *Processor) closeTasks(ctx context.Context, jc *jobContext) {
	n, err := p.store.CloseManualTasks(ctx, jc.access.ID, audit.SystemActor,
		"superseded by job "+jc.job.ID, p.now())
	if err != nil {
		jc.log.Warn().Err(err).Msg("closing stale manual tasks")
		return
	}
	if n > 0 {
		jc.log.Info().Int("tasks", n).Msg("closed stale manual tasks")
		p.audit.Record(ctx, "manual_task.superseded", audit.EntityAccess, jc.access.ID, map[string]any{
			"job_id": jc.job.ID,
			"tasks":  n,
		})
	}
}

// HandleExhausted runs once when a job is abandoned: the grant becomes FAILED
// and a human takes over through a manual task.
func (p *Processor) HandleExhausted(ctx context.Context, job *models.Job, cause error) {
	done := models.AccessGranted
	typ := models.TaskGrant
	if job.Kind == models.JobRevoke {
		done, typ = models.AccessRevoked, models.TaskRevoke
	}
	jc, err := p.load(ctx, job, done)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", job.ID).Msg("abandoned job cannot be resolved")
		return
	}
	if jc == nil {
		return
	}

	reason := cause.Error()
	if typ == models.TaskGrant {
		err := p.store.UpdateAccess(ctx, jc.access.ID, job.ID, models.AccessUpdate{
			Status:        models.AccessFailed,
			FailureReason: &reason,
			ClearJob:      true,
		})
		if errors.Is(err, storage.ErrConflict) {
			return
		}
		if err != nil {
			jc.log.Error().Err(err).Msg("recording failed grant")
		}
	}

	task, err := p.upsertTask(ctx, jc, typ, fmt.Sprintf("automatic %s failed after %d attempts: %s", typ, job.Attempts, reason))
	if err != nil {
		jc.log.Error().Err(err).Msg("creating manual task for abandoned job")
	}
	details := map[string]any{
		"job_id":   job.ID,
		"attempts": job.Attempts,
		"reason":   reason,
	}
	if task != nil {
		details["task_id"] = task.ID
	}
	p.audit.Record(ctx, "access."+string(typ)+"_exhausted", audit.EntityAccess, jc.access.ID, details)

	if typ == models.TaskGrant {
		p.send(jc.log, "access failed", func() error {
			return p.notifier.SendAccessFailed(ctx, jc.user, jc.strategy,
				"We could not grant your access automatically. Our team has been notified and will complete it shortly.")
		})
	}
	p.send(jc.log, "admin alert", func() error {
		return p.notifier.SendAdminAlert(ctx, notify.AlertProvisioningFailed,
			fmt.Sprintf("Automatic %s failed for %s", typ, jc.strategy.Name), details)
	})
}

func (p *Processor) markCredential(ctx context.Context, jc *jobContext, id string, validated bool) {
	if id == "" || p.creds == nil {
		return
	}
	var err error
	if validated {
		err = p.creds.MarkValidated(ctx, id)
	} else {
		err = p.creds.MarkUsed(ctx, id)
	}
	if err != nil {
		jc.log.Warn().Err(err).Str("credential_id", id).Msg("recording credential usage")
	}
}

func (p *Processor) send(log zerolog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Msg("notification failed: " + what)
	}
}
