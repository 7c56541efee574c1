package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/accessgate/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// ErrConflict is returned when a conditional write lost against a concurrent writer.
var ErrConflict = errors.New("conflict")

// StorageBackend defines the persistence interface for the provisioning service.
type StorageBackend interface {
	// Collaborator records (read-only for the provisioning core)
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetStrategy(ctx context.Context, id string) (*models.Strategy, error)
	ListMissingAccess(ctx context.Context, strategyID string) ([]MissingAccess, error)

	// Strategy access
	CreateAccess(ctx context.Context, access *models.StrategyAccess) error
	GetAccess(ctx context.Context, id string) (*models.StrategyAccess, error)
	GetAccessByPair(ctx context.Context, userID, strategyID string) (*models.StrategyAccess, error)
	AttachJob(ctx context.Context, accessID, jobID string, repend bool) (*models.StrategyAccess, error)
	UpdateAccess(ctx context.Context, accessID, expectedJobID string, upd models.AccessUpdate) error

	// Credentials
	ActivateCredential(ctx context.Context, cred *models.SealedCredential, retention int) error
	GetActiveCredential(ctx context.Context) (*models.SealedCredential, error)
	MarkCredentialValidated(ctx context.Context, id string, at time.Time) error
	MarkCredentialUsed(ctx context.Context, id string, at time.Time) error
	ListCredentials(ctx context.Context, limit int) ([]*models.SealedCredential, error)

	// Provisioning state singleton
	GetProvisioningState(ctx context.Context) (*models.ProvisioningState, error)
	UpdateProvisioningState(ctx context.Context, st *models.ProvisioningState, expectedVersion int64) error

	// Manual tasks
	UpsertPendingManualTask(ctx context.Context, task *models.ManualTask) (*models.ManualTask, bool, error)
	GetManualTask(ctx context.Context, id string) (*models.ManualTask, error)
	ResolveManualTask(ctx context.Context, id string, status models.TaskStatus, by, notes string, at time.Time) error
	// CloseManualTasks marks every pending task of the access failed and
	// returns how many it closed.
	CloseManualTasks(ctx context.Context, accessID, by, notes string, at time.Time) (int, error)
	ListManualTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.ManualTask, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// TryLock acquires a named cross-process lock without blocking.
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}

// MissingAccess is a user holding a completed purchase of a strategy without
// granted access. Access is nil when no access row exists yet.
type MissingAccess struct {
	UserID string
	Access *models.StrategyAccess
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Action     string
	Since      *time.Time
	Limit      int
	Offset     int
}
