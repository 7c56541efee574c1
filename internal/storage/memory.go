package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/org/accessgate/pkg/models"
)

// MemoryBackend is an in-process StorageBackend. It backs the "memory"
// storage driver and the package tests; nothing survives a restart.
type MemoryBackend struct {
	mu          sync.Mutex
	users       map[string]*models.User
	strategies  map[string]*models.Strategy
	purchases   []purchase
	access      map[string]*models.StrategyAccess
	credentials []*models.SealedCredential
	state       models.ProvisioningState
	tasks       map[string]*models.ManualTask
	taskOrder   []string
	audit       []*models.AuditEntry
	locks       map[string]bool
}

type purchase struct {
	userID     string
	strategyID string
	status     string
}

// NewMemoryBackend returns an empty backend in HEALTHY/AUTO.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		users:      make(map[string]*models.User),
		strategies: make(map[string]*models.Strategy),
		access:     make(map[string]*models.StrategyAccess),
		state: models.ProvisioningState{
			State:     models.StateHealthy,
			Mode:      models.ModeAuto,
			UpdatedAt: time.Now().UTC(),
			UpdatedBy: "system",
		},
		tasks: make(map[string]*models.ManualTask),
		locks: make(map[string]bool),
	}
}

// AddUser seeds a user record.
func (m *MemoryBackend) AddUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = &u
}

// AddStrategy seeds a strategy record.
func (m *MemoryBackend) AddStrategy(s models.Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[s.ID] = &s
}

// AddPurchase seeds a purchase of strategyID by userID.
func (m *MemoryBackend) AddPurchase(userID, strategyID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purchases = append(m.purchases, purchase{userID: userID, strategyID: strategyID, status: status})
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() {}

func (m *MemoryBackend) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryBackend) GetStrategy(_ context.Context, id string) (*models.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryBackend) ListMissingAccess(_ context.Context, strategyID string) ([]MissingAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []MissingAccess
	for _, p := range m.purchases {
		if p.strategyID != strategyID || p.status != PurchaseCompleted || seen[p.userID] {
			continue
		}
		seen[p.userID] = true
		a := m.accessByPairLocked(p.userID, strategyID)
		if a != nil && a.Status == models.AccessGranted {
			continue
		}
		ma := MissingAccess{UserID: p.userID}
		if a != nil {
			ma.Access = copyAccess(a)
		}
		out = append(out, ma)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryBackend) accessByPairLocked(userID, strategyID string) *models.StrategyAccess {
	for _, a := range m.access {
		if a.UserID == userID && a.StrategyID == strategyID {
			return a
		}
	}
	return nil
}

func copyAccess(a *models.StrategyAccess) *models.StrategyAccess {
	cp := *a
	cp.FailureReason = copyPtr(a.FailureReason)
	cp.GrantedAt = copyPtr(a.GrantedAt)
	cp.RevokedAt = copyPtr(a.RevokedAt)
	cp.JobID = copyPtr(a.JobID)
	return &cp
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (m *MemoryBackend) CreateAccess(_ context.Context, a *models.StrategyAccess) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.access[a.ID]; ok {
		return ErrAlreadyExists
	}
	if m.accessByPairLocked(a.UserID, a.StrategyID) != nil {
		return ErrAlreadyExists
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	m.access[a.ID] = copyAccess(a)
	return nil
}

func (m *MemoryBackend) GetAccess(_ context.Context, id string) (*models.StrategyAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.access[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAccess(a), nil
}

func (m *MemoryBackend) GetAccessByPair(_ context.Context, userID, strategyID string) (*models.StrategyAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accessByPairLocked(userID, strategyID)
	if a == nil {
		return nil, ErrNotFound
	}
	return copyAccess(a), nil
}

func (m *MemoryBackend) AttachJob(_ context.Context, accessID, jobID string, repend bool) (*models.StrategyAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.access[accessID]
	if !ok {
		return nil, ErrNotFound
	}
	a.JobID = &jobID
	if repend {
		a.Status = models.AccessPending
		a.FailureReason = nil
		a.GrantedAt = nil
		a.RevokedAt = nil
	}
	a.UpdatedAt = time.Now().UTC()
	return copyAccess(a), nil
}

func (m *MemoryBackend) UpdateAccess(_ context.Context, accessID, expectedJobID string, upd models.AccessUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.access[accessID]
	if !ok {
		return ErrNotFound
	}
	if expectedJobID != "" && !a.HasJob(expectedJobID) {
		return ErrConflict
	}
	a.Status = upd.Status
	a.FailureReason = copyPtr(upd.FailureReason)
	a.GrantedAt = copyPtr(upd.GrantedAt)
	a.RevokedAt = copyPtr(upd.RevokedAt)
	if upd.ClearJob {
		a.JobID = nil
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func copyCredential(c *models.SealedCredential) *models.SealedCredential {
	cp := *c
	cp.SealedSessionID = append([]byte(nil), c.SealedSessionID...)
	cp.SealedSignature = append([]byte(nil), c.SealedSignature...)
	cp.ValidatedAt = copyPtr(c.ValidatedAt)
	cp.LastUsedAt = copyPtr(c.LastUsedAt)
	return &cp
}

func (m *MemoryBackend) ActivateCredential(_ context.Context, c *models.SealedCredential, retention int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.credentials {
		if existing.ID == c.ID {
			return ErrAlreadyExists
		}
		existing.IsActive = false
	}
	c.IsActive = true
	// newest first
	m.credentials = append([]*models.SealedCredential{copyCredential(c)}, m.credentials...)
	if retention > 0 && len(m.credentials) > retention {
		m.credentials = m.credentials[:retention]
	}
	return nil
}

func (m *MemoryBackend) GetActiveCredential(context.Context) (*models.SealedCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if c.IsActive {
			return copyCredential(c), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) MarkCredentialValidated(_ context.Context, id string, at time.Time) error {
	return m.touchCredential(id, func(c *models.SealedCredential) { c.ValidatedAt = &at })
}

func (m *MemoryBackend) MarkCredentialUsed(_ context.Context, id string, at time.Time) error {
	return m.touchCredential(id, func(c *models.SealedCredential) { c.LastUsedAt = &at })
}

func (m *MemoryBackend) touchCredential(id string, fn func(*models.SealedCredential)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if c.ID == id {
			fn(c)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryBackend) ListCredentials(_ context.Context, limit int) ([]*models.SealedCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SealedCredential
	for _, c := range m.credentials {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, copyCredential(c))
	}
	return out, nil
}

func (m *MemoryBackend) GetProvisioningState(context.Context) (*models.ProvisioningState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state
	st.DegradedAt = copyPtr(m.state.DegradedAt)
	st.Reason = copyPtr(m.state.Reason)
	st.IncidentID = copyPtr(m.state.IncidentID)
	return &st, nil
}

func (m *MemoryBackend) UpdateProvisioningState(_ context.Context, st *models.ProvisioningState, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Version != expectedVersion {
		return ErrConflict
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	st.Version = expectedVersion + 1
	next := *st
	next.DegradedAt = copyPtr(st.DegradedAt)
	next.Reason = copyPtr(st.Reason)
	next.IncidentID = copyPtr(st.IncidentID)
	m.state = next
	return nil
}

func copyTask(t *models.ManualTask) *models.ManualTask {
	cp := *t
	cp.StrategyAccessID = copyPtr(t.StrategyAccessID)
	cp.CompletedAt = copyPtr(t.CompletedAt)
	cp.CompletedBy = copyPtr(t.CompletedBy)
	return &cp
}

func (m *MemoryBackend) UpsertPendingManualTask(_ context.Context, t *models.ManualTask) (*models.ManualTask, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if t.StrategyAccessID != nil {
		for _, existing := range m.tasks {
			if existing.Status == models.TaskPending && existing.Type == t.Type &&
				existing.StrategyAccessID != nil && *existing.StrategyAccessID == *t.StrategyAccessID {
				existing.Username = t.Username
				existing.ScriptID = t.ScriptID
				existing.Notes = t.Notes
				existing.UpdatedAt = now
				return copyTask(existing), false, nil
			}
		}
	}
	if _, ok := m.tasks[t.ID]; ok {
		return nil, false, ErrAlreadyExists
	}
	t.Status = models.TaskPending
	t.CreatedAt, t.UpdatedAt = now, now
	m.tasks[t.ID] = copyTask(t)
	m.taskOrder = append(m.taskOrder, t.ID)
	return copyTask(t), true, nil
}

func (m *MemoryBackend) GetManualTask(_ context.Context, id string) (*models.ManualTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *MemoryBackend) ResolveManualTask(_ context.Context, id string, status models.TaskStatus, by, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.TaskPending {
		return ErrConflict
	}
	t.Status = status
	t.CompletedBy = &by
	t.CompletedAt = &at
	t.UpdatedAt = at
	if notes != "" {
		t.Notes = notes
	}
	return nil
}

func (m *MemoryBackend) CloseManualTasks(_ context.Context, accessID, by, notes string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status != models.TaskPending || t.StrategyAccessID == nil || *t.StrategyAccessID != accessID {
			continue
		}
		t.Status = models.TaskFailed
		t.CompletedBy = &by
		t.CompletedAt = &at
		t.UpdatedAt = at
		t.Notes = notes
		n++
	}
	return n, nil
}

func (m *MemoryBackend) ListManualTasks(_ context.Context, status models.TaskStatus, limit int) ([]*models.ManualTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ManualTask
	for i := len(m.taskOrder) - 1; i >= 0; i-- {
		t := m.tasks[m.taskOrder[i]]
		if status != "" && t.Status != status {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, copyTask(t))
	}
	return out, nil
}

func (m *MemoryBackend) WriteAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(_ context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.EntityType != "" && e.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (m *MemoryBackend) TryLock(_ context.Context, name string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[name] {
		return nil, false, nil
	}
	m.locks[name] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, name)
		m.mu.Unlock()
	}, true, nil
}
