package provisioning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/accessgate/internal/audit"
	"github.com/org/accessgate/internal/notify"
	"github.com/org/accessgate/internal/provider"
	"github.com/org/accessgate/internal/queue"
	"github.com/org/accessgate/internal/state"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/internal/worker"
	"github.com/org/accessgate/pkg/models"
)

type fakeProvider struct {
	mu          sync.Mutex
	validate    []provider.Result
	grant       []provider.Result
	validations int
	grants      int
	revokes     int
}

func okResult() provider.Result { return provider.Result{Success: true, Kind: provider.KindOK} }

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) IsConfigured(context.Context) bool { return true }

func (f *fakeProvider) ValidateUsername(_ context.Context, username string) provider.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations++
	r := next(&f.validate)
	if r.Success && r.Username == "" {
		r.Username = username
	}
	return r
}

func (f *fakeProvider) GrantAccess(context.Context, provider.GrantRequest) provider.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants++
	return next(&f.grant)
}

func (f *fakeProvider) RevokeAccess(context.Context, provider.RevokeRequest) provider.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokes++
	return okResult()
}

func (f *fakeProvider) counts() (validations, grants, revokes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validations, f.grants, f.revokes
}

// next pops the first scripted result. The last one repeats; none means ok.
func next(results *[]provider.Result) provider.Result {
	if len(*results) == 0 {
		return okResult()
	}
	r := (*results)[0]
	if len(*results) > 1 {
		*results = (*results)[1:]
	}
	return r
}

type sent struct {
	kind   string
	userID string
	reason string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sent
}

func (n *recordingNotifier) SendAccessGranted(_ context.Context, user *models.User, _ *models.Strategy) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sent{kind: "granted", userID: user.ID})
	return nil
}

func (n *recordingNotifier) SendAccessFailed(_ context.Context, user *models.User, _ *models.Strategy, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sent{kind: "failed", userID: user.ID, reason: reason})
	return nil
}

func (n *recordingNotifier) SendAdminAlert(_ context.Context, alertType, _ string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sent{kind: "admin:" + alertType})
	return nil
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.kind == kind {
			c++
		}
	}
	return c
}

var _ notify.Notifier = (*recordingNotifier)(nil)

type fixture struct {
	store    *storage.MemoryBackend
	q        *queue.MemoryQueue
	machine  *state.Machine
	prov     *fakeProvider
	notifier *recordingNotifier
	svc      *Service
	pool     *worker.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, worker.Config{
		Workers: 1,
		Backoff: queue.Backoff{Steps: []time.Duration{time.Millisecond}},
	}, time.Millisecond)
}

func newFixtureWith(t *testing.T, cfg worker.Config, bulkDelay time.Duration) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	store := storage.NewMemoryBackend()
	q := queue.NewMemoryQueue()
	auditor := audit.NewLogger(store, logger)
	machine := state.NewMachine(store, auditor, logger)
	prov := &fakeProvider{}
	notifier := &recordingNotifier{}

	proc := NewProcessor(store, machine, prov, nil, notifier, auditor, logger)
	svc := NewService(store, q, machine, notifier, auditor, 3, logger)
	pool := worker.NewPool(q, cfg, logger)
	pool.Register(models.JobGrant, proc)
	pool.Register(models.JobRevoke, proc)
	pool.Register(models.JobBulkAutoGrant, NewBulkHandler(svc, bulkDelay, logger))
	svc.SetWaker(pool)

	store.AddStrategy(models.Strategy{ID: "s1", Name: "Trend Rider", PineID: "PUB;abc", IsActive: true})
	store.AddUser(models.User{ID: "u1", Email: "u1@example.com", TradingViewUsername: "trader_one"})

	return &fixture{store: store, q: q, machine: machine, prov: prov, notifier: notifier, svc: svc, pool: pool}
}

// drain processes jobs until the queue is empty, waiting out short backoffs.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, err := f.q.CountPending(ctx)
		require.NoError(t, err)
		if n == 0 {
			return
		}
		_, err = f.pool.RunOnce(ctx, "test")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("queue did not drain")
}

func (f *fixture) access(t *testing.T, id string) *models.StrategyAccess {
	t.Helper()
	a, err := f.store.GetAccess(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) pendingTasks(t *testing.T) []*models.ManualTask {
	t.Helper()
	tasks, err := f.svc.ListManualTasks(context.Background(), models.TaskPending, 0)
	require.NoError(t, err)
	return tasks
}

func TestGrantInAutoMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, res.Job)
	assert.Equal(t, models.AccessPending, res.Access.Status)
	f.drain(t)

	a := f.access(t, res.Access.ID)
	assert.Equal(t, models.AccessGranted, a.Status)
	assert.NotNil(t, a.GrantedAt)
	assert.Nil(t, a.JobID)
	assert.Equal(t, 1, f.notifier.count("granted"))
	assert.Empty(t, f.pendingTasks(t))

	job, err := f.q.Get(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job.Status)
}

func TestGrantIsIdempotentOnceGranted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)

	again, err := f.svc.EnqueueGrant(ctx, res.Access.ID, "u1", "s1")
	require.NoError(t, err)
	assert.Nil(t, again.Job)
	_, grants, _ := f.prov.counts()
	assert.Equal(t, 1, grants)
}

func TestEnqueueGrantRejectsMismatchedIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)

	_, err = f.svc.EnqueueGrant(ctx, res.Access.ID, "someone-else", "s1")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.EnqueueGrant(ctx, "missing", "u1", "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInvalidUsernameFailsWithoutTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prov.validate = []provider.Result{{Kind: provider.KindInvalid, Message: "user not found"}}

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)

	a := f.access(t, res.Access.ID)
	assert.Equal(t, models.AccessFailed, a.Status)
	require.NotNil(t, a.FailureReason)
	assert.Equal(t, models.FailureInvalidUsername, *a.FailureReason)
	assert.Empty(t, f.pendingTasks(t))
	assert.Equal(t, 1, f.notifier.count("failed"))
	validations, grants, _ := f.prov.counts()
	assert.Equal(t, 1, validations)
	assert.Zero(t, grants)
}

func TestMissingUsernameIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.store.AddUser(models.User{ID: "u2", Email: "u2@example.com"})

	res, err := f.svc.GrantAccess(context.Background(), "u2", "s1")
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, models.AccessFailed, f.access(t, res.Access.ID).Status)
	validations, _, _ := f.prov.counts()
	assert.Zero(t, validations)
}

func TestTransientFailuresExhaustIntoManualTask(t *testing.T) {
	f := newFixture(t)
	f.prov.validate = []provider.Result{{
		Kind:     provider.KindTransient,
		Message:  "request timed out",
		Metadata: map[string]any{"timeout": true},
	}}

	res, err := f.svc.GrantAccess(context.Background(), "u1", "s1")
	require.NoError(t, err)
	f.drain(t)

	validations, _, _ := f.prov.counts()
	assert.Equal(t, 3, validations)

	a := f.access(t, res.Access.ID)
	assert.Equal(t, models.AccessFailed, a.Status)
	require.NotNil(t, a.FailureReason)
	assert.Contains(t, *a.FailureReason, "timed out")

	tasks := f.pendingTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskGrant, tasks[0].Type)
	assert.Equal(t, "trader_one", tasks[0].Username)
	assert.Equal(t, "PUB;abc", tasks[0].ScriptID)
	assert.Equal(t, 1, f.notifier.count("admin:"+notify.AlertProvisioningFailed))
	assert.Equal(t, 1, f.notifier.count("failed"))

	job, err := f.q.Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
}

func TestRateLimitedIsRetried(t *testing.T) {
	f := newFixture(t)
	f.prov.grant = []provider.Result{{Kind: provider.KindRateLimited, Message: "slow down"}, okResult()}

	res, err := f.svc.GrantAccess(context.Background(), "u1", "s1")
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, models.AccessGranted, f.access(t, res.Access.ID).Status)
	_, grants, _ := f.prov.counts()
	assert.Equal(t, 2, grants)
}

func TestDisabledModeCreatesTaskWithoutProviderCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.machine.SetMode(ctx, models.ModeDisabled)
	require.NoError(t, err)

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, models.AccessPending, f.access(t, res.Access.ID).Status)
	tasks := f.pendingTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskGrant, tasks[0].Type)

	validations, grants, revokes := f.prov.counts()
	assert.Zero(t, validations+grants+revokes)
}

func TestDegradedStateRoutesToManual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.machine.Degrade(ctx, "health check failed", "")
	require.NoError(t, err)

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)

	// A second request for the same access refreshes the pending task.
	_, err = f.svc.RetryProvisioning(ctx, res.Access.ID)
	require.NoError(t, err)
	f.drain(t)

	assert.Len(t, f.pendingTasks(t), 1)
	validations, _, _ := f.prov.counts()
	assert.Zero(t, validations)
	assert.Equal(t, 1, f.notifier.count("admin:"+notify.AlertManualTask))
}

func TestCompleteManualTaskGrantsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.machine.SetMode(ctx, models.ModeManual)
	require.NoError(t, err)

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)
	tasks := f.pendingTasks(t)
	require.Len(t, tasks, 1)

	adminCtx := audit.WithActor(ctx, "ops")
	task, err := f.svc.CompleteManualTask(adminCtx, tasks[0].ID, "granted in UI")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	require.NotNil(t, task.CompletedBy)
	assert.Equal(t, "ops", *task.CompletedBy)

	a := f.access(t, res.Access.ID)
	assert.Equal(t, models.AccessGranted, a.Status)
	assert.Nil(t, a.JobID)
	assert.Equal(t, 1, f.notifier.count("granted"))

	_, err = f.svc.CompleteManualTask(adminCtx, tasks[0].ID, "")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestFailManualTaskFailsAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.machine.SetMode(ctx, models.ModeDisabled)
	require.NoError(t, err)

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)
	tasks := f.pendingTasks(t)
	require.Len(t, tasks, 1)

	_, err = f.svc.FailManualTask(ctx, tasks[0].ID, "script no longer published")
	require.NoError(t, err)

	a := f.access(t, res.Access.ID)
	assert.Equal(t, models.AccessFailed, a.Status)
	require.NotNil(t, a.FailureReason)
	assert.Equal(t, "script no longer published", *a.FailureReason)
}

func TestLaterRevokeSupersedesQueuedGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	_, err = f.svc.EnqueueRevoke(ctx, res.Access.ID)
	require.NoError(t, err)
	f.drain(t)

	a := f.access(t, res.Access.ID)
	assert.Equal(t, models.AccessRevoked, a.Status)
	assert.NotNil(t, a.RevokedAt)
	validations, grants, revokes := f.prov.counts()
	assert.Zero(t, validations)
	assert.Zero(t, grants)
	assert.Equal(t, 1, revokes)

	again, err := f.svc.EnqueueRevoke(ctx, res.Access.ID)
	require.NoError(t, err)
	assert.Nil(t, again.Job)
}

func TestLaterGrantSupersedesQueuedRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, models.AccessGranted, f.access(t, res.Access.ID).Status)

	_, err = f.svc.EnqueueRevoke(ctx, res.Access.ID)
	require.NoError(t, err)
	regrant, err := f.svc.EnqueueGrant(ctx, res.Access.ID, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, regrant.Job)
	f.drain(t)

	a := f.access(t, res.Access.ID)
	assert.Equal(t, models.AccessGranted, a.Status)
	assert.Nil(t, a.JobID)
	_, _, revokes := f.prov.counts()
	assert.Zero(t, revokes)

	again, err := f.svc.EnqueueGrant(ctx, res.Access.ID, "u1", "s1")
	require.NoError(t, err)
	assert.Nil(t, again.Job)
}

func TestRevokeClosesStaleGrantTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.machine.SetMode(ctx, models.ModeManual)
	require.NoError(t, err)
	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)
	tasks := f.pendingTasks(t)
	require.Len(t, tasks, 1)

	_, err = f.machine.SetMode(ctx, models.ModeAuto)
	require.NoError(t, err)
	_, err = f.svc.EnqueueRevoke(ctx, res.Access.ID)
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, models.AccessRevoked, f.access(t, res.Access.ID).Status)
	assert.Empty(t, f.pendingTasks(t))

	_, err = f.svc.CompleteManualTask(ctx, tasks[0].ID, "granted in UI")
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.Equal(t, models.AccessRevoked, f.access(t, res.Access.ID).Status)
	assert.Zero(t, f.notifier.count("granted"))
}

func TestQueuedRevokeBlocksStaleGrantTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.machine.SetMode(ctx, models.ModeManual)
	require.NoError(t, err)
	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)
	tasks := f.pendingTasks(t)
	require.Len(t, tasks, 1)

	_, err = f.svc.EnqueueRevoke(ctx, res.Access.ID)
	require.NoError(t, err)

	_, err = f.svc.CompleteManualTask(ctx, tasks[0].ID, "")
	assert.ErrorIs(t, err, storage.ErrConflict)
	a := f.access(t, res.Access.ID)
	assert.Equal(t, models.AccessPending, a.Status)
	assert.NotNil(t, a.JobID)
	assert.Len(t, f.pendingTasks(t), 1)
}

func TestRevokeOutsideAutoCreatesRevokeTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)

	_, err = f.machine.SetMode(ctx, models.ModeManual)
	require.NoError(t, err)
	_, err = f.svc.EnqueueRevoke(ctx, res.Access.ID)
	require.NoError(t, err)
	f.drain(t)

	tasks := f.pendingTasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskRevoke, tasks[0].Type)
	assert.Equal(t, models.AccessGranted, f.access(t, res.Access.ID).Status)

	_, err = f.svc.CompleteManualTask(ctx, tasks[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.AccessRevoked, f.access(t, res.Access.ID).Status)
}

func TestRetryAfterInvalidUsername(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.prov.validate = []provider.Result{{Kind: provider.KindInvalid, Message: "user not found"}, okResult()}

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, models.AccessFailed, f.access(t, res.Access.ID).Status)

	retry, err := f.svc.RetryProvisioning(ctx, res.Access.ID)
	require.NoError(t, err)
	require.NotNil(t, retry.Job)
	assert.Equal(t, models.AccessPending, retry.Access.Status)
	assert.Nil(t, retry.Access.FailureReason)
	f.drain(t)

	assert.Equal(t, models.AccessGranted, f.access(t, res.Access.ID).Status)

	_, err = f.svc.RetryProvisioning(ctx, res.Access.ID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func TestBulkAutoGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"u2", "u3", "u4"} {
		f.store.AddUser(models.User{ID: id, Email: id + "@example.com", TradingViewUsername: "tv_" + id})
		f.store.AddPurchase(id, "s1", storage.PurchaseCompleted)
	}
	f.store.AddPurchase("u1", "s1", storage.PurchaseCompleted)
	f.store.AddUser(models.User{ID: "u5", Email: "u5@example.com", TradingViewUsername: "tv_u5"})
	f.store.AddPurchase("u5", "s1", "refunded")

	res, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	f.drain(t)
	require.Equal(t, models.AccessGranted, f.access(t, res.Access.ID).Status)

	job, err := f.svc.EnqueueBulkAutoGrant(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "bulk:s1", job.PairKey)
	f.drain(t)

	_, grants, _ := f.prov.counts()
	assert.Equal(t, 4, grants)
	for _, id := range []string{"u2", "u3", "u4"} {
		a, err := f.store.GetAccessByPair(ctx, id, "s1")
		require.NoError(t, err)
		assert.Equal(t, models.AccessGranted, a.Status, id)
	}
	_, err = f.store.GetAccessByPair(ctx, "u5", "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBulkContinuesPastJobTimeout(t *testing.T) {
	f := newFixtureWith(t, worker.Config{
		Workers:    1,
		JobTimeout: 80 * time.Millisecond,
		Backoff:    queue.Backoff{Steps: []time.Duration{time.Millisecond}},
	}, 10*time.Millisecond)
	ctx := context.Background()
	var users []string
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("buyer-%02d", i)
		users = append(users, id)
		f.store.AddUser(models.User{ID: id, Email: id + "@example.com", TradingViewUsername: "tv_" + id})
		f.store.AddPurchase(id, "s1", storage.PurchaseCompleted)
	}

	_, err := f.svc.EnqueueBulkAutoGrant(ctx, "s1")
	require.NoError(t, err)
	f.drain(t)

	for _, id := range users {
		a, err := f.store.GetAccessByPair(ctx, id, "s1")
		require.NoError(t, err, id)
		assert.Equal(t, models.AccessGranted, a.Status, id)
	}
	_, grants, _ := f.prov.counts()
	assert.Equal(t, len(users), grants)

	bulkJobs := 0
	for _, j := range f.q.Jobs() {
		if j.Kind != models.JobBulkAutoGrant {
			continue
		}
		bulkJobs++
		assert.Equal(t, models.JobCompleted, j.Status, j.ID)
		assert.Equal(t, 1, j.Attempts, j.ID)
	}
	assert.Greater(t, bulkJobs, 1, "run should hand off to a continuation")
}

func TestBulkResumesAfterCursor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"u2", "u3", "u4"} {
		f.store.AddUser(models.User{ID: id, Email: id + "@example.com", TradingViewUsername: "tv_" + id})
		f.store.AddPurchase(id, "s1", storage.PurchaseCompleted)
	}

	b := NewBulkHandler(f.svc, time.Millisecond, zerolog.Nop())
	summary, err := b.run(ctx, models.BulkAutoGrantPayload{StrategyID: "s1", AfterUserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Missing)
	assert.Equal(t, 2, summary.Enqueued)
	assert.Empty(t, summary.ResumeAfter)

	_, err = f.store.GetAccessByPair(ctx, "u2", "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBulkSkipsInFlightAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.AddPurchase("u1", "s1", storage.PurchaseCompleted)
	_, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)

	b := NewBulkHandler(f.svc, time.Millisecond, zerolog.Nop())
	summary, err := b.Run(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Missing)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Enqueued)
}

func TestBulkRejectsInactiveStrategy(t *testing.T) {
	f := newFixture(t)
	f.store.AddStrategy(models.Strategy{ID: "s2", Name: "Retired", PineID: "PUB;old"})

	_, err := f.svc.EnqueueBulkAutoGrant(context.Background(), "s2")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStateView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.GrantAccess(ctx, "u1", "s1")
	require.NoError(t, err)
	_, err = f.machine.Degrade(ctx, "upstream down", "inc-1")
	require.NoError(t, err)

	view, err := f.svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateDegraded, view.State)
	assert.Equal(t, models.ModeManual, view.Mode)
	assert.Equal(t, models.ModeManual, view.EffectiveMode)
	assert.Equal(t, 1, view.PendingJobsCount)
	require.NotNil(t, view.IncidentID)
	assert.Equal(t, "inc-1", *view.IncidentID)
}
