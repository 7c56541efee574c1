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
	"github.com/org/accessgate/internal/notify"
	"github.com/org/accessgate/internal/queue"
	"github.com/org/accessgate/internal/state"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

var (
	// ErrInvalidRequest is returned when arguments do not match stored records.
	ErrInvalidRequest = errors.New("invalid provisioning request")
	// ErrNotRetryable is returned by RetryProvisioning for GRANTED or REVOKED access.
	ErrNotRetryable = errors.New("access is not in a retryable state")
)

// Waker is notified after a job is enqueued so an idle worker picks it up.
type Waker interface {
	Wake()
}

// Service is the provisioning surface used by the admin API and by other
// services (purchase completion, strategy activation).
type Service struct {
	store       storage.StorageBackend
	q           queue.Queue
	state       *state.Machine
	notifier    notify.Notifier
	audit       *audit.Logger
	waker       Waker
	maxAttempts int
	logger      zerolog.Logger
	now         func() time.Time
}

func NewService(
	store storage.StorageBackend,
	q queue.Queue,
	machine *state.Machine,
	notifier notify.Notifier,
	auditor *audit.Logger,
	maxAttempts int,
	logger zerolog.Logger,
) *Service {
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	return &Service{
		store:       store,
		q:           q,
		state:       machine,
		notifier:    notifier,
		audit:       auditor,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "provisioning").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetWaker registers the worker pool to nudge after enqueues.
func (s *Service) SetWaker(w Waker) {
	s.waker = w
}

// EnqueueResult describes what an enqueue call did. Job is nil when the
// access was already in the requested state.
type EnqueueResult struct {
	Access *models.StrategyAccess
	Job    *models.Job
}

// GrantAccess ensures an access row exists for the pair and enqueues a grant.
// It is the admin grant entry point.
func (s *Service) GrantAccess(ctx context.Context, userID, strategyID string) (*EnqueueResult, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	if _, err := s.store.GetStrategy(ctx, strategyID); err != nil {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, err)
	}
	access, err := s.ensureAccess(ctx, userID, strategyID)
	if err != nil {
		return nil, err
	}
	return s.enqueueGrant(ctx, access, false)
}

// EnqueueGrant enqueues a grant job for an existing access row. Calling it
// for GRANTED access is a no-op.
func (s *Service) EnqueueGrant(ctx context.Context, accessID, userID, strategyID string) (*EnqueueResult, error) {
	access, err := s.store.GetAccess(ctx, accessID)
	if err != nil {
		return nil, fmt.Errorf("strategy access %s: %w", accessID, err)
	}
	if access.UserID != userID || access.StrategyID != strategyID {
		return nil, fmt.Errorf("%w: access %s does not belong to user %s and strategy %s",
			ErrInvalidRequest, accessID, userID, strategyID)
	}
	return s.enqueueGrant(ctx, access, false)
}

// RetryProvisioning re-pends FAILED (or stuck PENDING) access and enqueues a
// fresh grant job.
func (s *Service) RetryProvisioning(ctx context.Context, accessID string) (*EnqueueResult, error) {
	access, err := s.store.GetAccess(ctx, accessID)
	if err != nil {
		return nil, fmt.Errorf("strategy access %s: %w", accessID, err)
	}
	if access.Status != models.AccessFailed && access.Status != models.AccessPending {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, access.Status)
	}
	return s.enqueueGrant(ctx, access, true)
}

// EnqueueRevoke enqueues a revoke job. Revoking REVOKED access is a no-op.
func (s *Service) EnqueueRevoke(ctx context.Context, accessID string) (*EnqueueResult, error) {
	access, err := s.store.GetAccess(ctx, accessID)
	if err != nil {
		return nil, fmt.Errorf("strategy access %s: %w", accessID, err)
	}
	if access.Status == models.AccessRevoked && access.JobID == nil {
		return &EnqueueResult{Access: access}, nil
	}
	return s.enqueue(ctx, models.JobRevoke, access, false)
}

// enqueueGrant is a no-op for GRANTED access unless a later job, such as a
// queued revoke, is still attached; the new grant then supersedes it.
func (s *Service) enqueueGrant(ctx context.Context, access *models.StrategyAccess, force bool) (*EnqueueResult, error) {
	if access.Status == models.AccessGranted && access.JobID == nil {
		return &EnqueueResult{Access: access}, nil
	}
	repend := force || access.Status == models.AccessFailed || access.Status == models.AccessRevoked
	return s.enqueue(ctx, models.JobGrant, access, repend)
}

// enqueue points the access row at a new job, then stores the job. The row
// is updated first so the previous job, if still queued, sees it has been
// superseded.
func (s *Service) enqueue(ctx context.Context, kind models.JobKind, access *models.StrategyAccess, repend bool) (*EnqueueResult, error) {
	payload, err := json.Marshal(models.ProvisioningPayload{
		StrategyAccessID: access.ID,
		UserID:           access.UserID,
		StrategyID:       access.StrategyID,
	})
	if err != nil {
		return nil, err
	}
	job := queue.NewJob(kind, access.ID, payload, s.maxAttempts)

	updated, err := s.store.AttachJob(ctx, access.ID, job.ID, repend)
	if err != nil {
		return nil, fmt.Errorf("attaching job to access: %w", err)
	}
	if _, err := s.q.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing %s job: %w", kind, err)
	}
	if s.waker != nil {
		s.waker.Wake()
	}

	s.logger.Info().Str("job_id", job.ID).Str("access_id", access.ID).Str("kind", string(kind)).Msg("job enqueued")
	s.audit.Record(ctx, "job.enqueued", audit.EntityAccess, access.ID, map[string]any{
		"job_id":      job.ID,
		"kind":        string(kind),
		"user_id":     access.UserID,
		"strategy_id": access.StrategyID,
		"repended":    repend,
	})
	return &EnqueueResult{Access: updated, Job: job}, nil
}

func (s *Service) ensureAccess(ctx context.Context, userID, strategyID string) (*models.StrategyAccess, error) {
	access, err := s.store.GetAccessByPair(ctx, userID, strategyID)
	if err == nil {
		return access, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	access = &models.StrategyAccess{
		ID:         uuid.NewString(),
		UserID:     userID,
		StrategyID: strategyID,
		Status:     models.AccessPending,
	}
	err = s.store.CreateAccess(ctx, access)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return s.store.GetAccessByPair(ctx, userID, strategyID)
	}
	if err != nil {
		return nil, fmt.Errorf("creating access: %w", err)
	}
	s.audit.Record(ctx, "access.created", audit.EntityAccess, access.ID, map[string]any{
		"user_id":     userID,
		"strategy_id": strategyID,
	})
	return access, nil
}

// GetAccess returns the access record.
func (s *Service) GetAccess(ctx context.Context, accessID string) (*models.StrategyAccess, error) {
	return s.store.GetAccess(ctx, accessID)
}

// EnqueueBulkAutoGrant enqueues one bulk job that grants strategyID to every
// purchaser still missing access. Only one bulk job per strategy runs at a time.
func (s *Service) EnqueueBulkAutoGrant(ctx context.Context, strategyID string) (*models.Job, error) {
	strategy, err := s.store.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", strategyID, err)
	}
	if !strategy.IsActive {
		return nil, fmt.Errorf("%w: strategy %s is not active", ErrInvalidRequest, strategyID)
	}
	job, err := s.enqueueBulk(ctx, models.BulkAutoGrantPayload{StrategyID: strategyID})
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "bulk_auto_grant.enqueued", audit.EntityStrategy, strategyID, map[string]any{"job_id": job.ID})
	return job, nil
}

func (s *Service) enqueueBulk(ctx context.Context, p models.BulkAutoGrantPayload) (*models.Job, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	job := queue.NewJob(models.JobBulkAutoGrant, "bulk:"+p.StrategyID, payload, s.maxAttempts)
	if _, err := s.q.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing bulk auto-grant: %w", err)
	}
	if s.waker != nil {
		s.waker.Wake()
	}
	return job, nil
}

// StateView is the provisioning state reported to callers.
type StateView struct {
	State               models.HealthState
	Mode                models.Mode
	EffectiveMode       models.Mode
	DegradedAt          *time.Time
	Reason              *string
	IncidentID          *string
	ConsecutiveFailures int
	PendingJobsCount    int
	UpdatedAt           time.Time
	UpdatedBy           string
}

// State reads the provisioning state and the pending job count.
func (s *Service) State(ctx context.Context) (*StateView, error) {
	st, err := s.state.Current(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.q.CountPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting pending jobs: %w", err)
	}
	return &StateView{
		State:               st.State,
		Mode:                st.Mode,
		EffectiveMode:       st.EffectiveMode(),
		DegradedAt:          st.DegradedAt,
		Reason:              st.Reason,
		IncidentID:          st.IncidentID,
		ConsecutiveFailures: st.ConsecutiveFailures,
		PendingJobsCount:    pending,
		UpdatedAt:           st.UpdatedAt,
		UpdatedBy:           st.UpdatedBy,
	}, nil
}

// ListManualTasks lists manual tasks newest first; an empty status lists all.
func (s *Service) ListManualTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.ManualTask, error) {
	return s.store.ListManualTasks(ctx, status, limit)
}

// CompleteManualTask records that an admin performed the task. The linked
// access moves to GRANTED or REVOKED without calling the provider.
func (s *Service) CompleteManualTask(ctx context.Context, taskID, notes string) (*models.ManualTask, error) {
	return s.resolveTask(ctx, taskID, models.TaskCompleted, notes)
}

// FailManualTask records that an admin could not perform the task. A linked
// grant moves to FAILED.
func (s *Service) FailManualTask(ctx context.Context, taskID, notes string) (*models.ManualTask, error) {
	return s.resolveTask(ctx, taskID, models.TaskFailed, notes)
}

func (s *Service) resolveTask(ctx context.Context, taskID string, status models.TaskStatus, notes string) (*models.ManualTask, error) {
	if err := s.checkTaskCurrent(ctx, taskID); err != nil {
		return nil, err
	}
	now := s.now()
	actor := audit.Actor(ctx)
	if err := s.store.ResolveManualTask(ctx, taskID, status, actor, notes, now); err != nil {
		return nil, fmt.Errorf("manual task %s: %w", taskID, err)
	}
	task, err := s.store.GetManualTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "manual_task."+string(status), audit.EntityTask, task.ID, map[string]any{
		"type":  string(task.Type),
		"notes": notes,
	})
	if task.StrategyAccessID == nil {
		return task, nil
	}

	upd, ok := accessUpdateFor(task.Type, status, notes, now)
	if !ok {
		return task, nil
	}
	access, err := s.store.GetAccess(ctx, *task.StrategyAccessID)
	if err != nil {
		return task, fmt.Errorf("loading linked access: %w", err)
	}
	if err := s.store.UpdateAccess(ctx, access.ID, "", upd); err != nil {
		return task, fmt.Errorf("updating linked access: %w", err)
	}
	s.audit.Record(ctx, "access."+string(task.Type)+"_manual", audit.EntityAccess, access.ID, map[string]any{
		"task_id": task.ID,
		"status":  string(upd.Status),
	})
	s.notifyResolution(ctx, access, upd)
	return task, nil
}

// checkTaskCurrent refuses a task whose access has since been handed to a
// queued job of the opposite kind.
func (s *Service) checkTaskCurrent(ctx context.Context, taskID string) error {
	task, err := s.store.GetManualTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("manual task %s: %w", taskID, err)
	}
	if task.Status != models.TaskPending || task.StrategyAccessID == nil {
		return nil
	}
	access, err := s.store.GetAccess(ctx, *task.StrategyAccessID)
	if err != nil || access.JobID == nil {
		return nil
	}
	job, err := s.q.Get(ctx, *access.JobID)
	if err != nil {
		return nil
	}
	pending := job.Status == models.JobQueued || job.Status == models.JobActive
	if pending && job.Kind != models.JobKind(task.Type) {
		return fmt.Errorf("manual task %s: %w: access has a later %s job %s",
			taskID, storage.ErrConflict, job.Kind, job.ID)
	}
	return nil
}

func accessUpdateFor(typ models.TaskType, status models.TaskStatus, notes string, now time.Time) (models.AccessUpdate, bool) {
	switch {
	case typ == models.TaskGrant && status == models.TaskCompleted:
		return models.AccessUpdate{Status: models.AccessGranted, GrantedAt: &now, ClearJob: true}, true
	case typ == models.TaskRevoke && status == models.TaskCompleted:
		return models.AccessUpdate{Status: models.AccessRevoked, RevokedAt: &now, ClearJob: true}, true
	case typ == models.TaskGrant && status == models.TaskFailed:
		reason := "manual provisioning failed"
		if notes != "" {
			reason = notes
		}
		return models.AccessUpdate{Status: models.AccessFailed, FailureReason: &reason, ClearJob: true}, true
	}
	// A failed manual revoke leaves the access as it was.
	return models.AccessUpdate{}, false
}

func (s *Service) notifyResolution(ctx context.Context, access *models.StrategyAccess, upd models.AccessUpdate) {
	if upd.Status != models.AccessGranted && upd.Status != models.AccessFailed {
		return
	}
	user, err := s.store.GetUser(ctx, access.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Str("access_id", access.ID).Msg("loading user for notification")
		return
	}
	strategy, err := s.store.GetStrategy(ctx, access.StrategyID)
	if err != nil {
		s.logger.Warn().Err(err).Str("access_id", access.ID).Msg("loading strategy for notification")
		return
	}
	if upd.Status == models.AccessGranted {
		err = s.notifier.SendAccessGranted(ctx, user, strategy)
	} else {
		err = s.notifier.SendAccessFailed(ctx, user, strategy, *upd.FailureReason+". Contact support if you need help.")
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("access_id", access.ID).Msg("notification failed")
	}
}
