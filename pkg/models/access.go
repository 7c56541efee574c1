package models

import "time"

// AccessStatus is the provisioning status of a (user, strategy) pair.
type AccessStatus string

const (
	AccessPending AccessStatus = "PENDING"
	AccessGranted AccessStatus = "GRANTED"
	AccessFailed  AccessStatus = "FAILED"
	AccessRevoked AccessStatus = "REVOKED"
)

// FailureInvalidUsername is the failure reason recorded when the upstream
// reports that the target username does not exist.
const FailureInvalidUsername = "INVALID"

// StrategyAccess is one row per (user, strategy) pair.
type StrategyAccess struct {
	ID            string
	UserID        string
	StrategyID    string
	Status        AccessStatus
	FailureReason *string
	GrantedAt     *time.Time
	RevokedAt     *time.Time
	JobID         *string // latest requested job for this pair
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasJob reports whether jobID is the latest job requested for this access.
func (a *StrategyAccess) HasJob(jobID string) bool {
	return a.JobID != nil && *a.JobID == jobID
}

// AccessUpdate describes a status transition applied by the processor or an
// admin action. Nil pointer fields are written as NULL.
type AccessUpdate struct {
	Status        AccessStatus
	FailureReason *string
	GrantedAt     *time.Time
	RevokedAt     *time.Time
	ClearJob      bool
}

// User is the subset of the user record the provisioning core reads.
type User struct {
	ID                  string
	Email               string
	TradingViewUsername string
}

// Strategy is the subset of the strategy record the provisioning core reads.
type Strategy struct {
	ID             string
	Name           string
	PineID         string
	AccessDuration string // upstream duration code, empty = lifetime
	IsActive       bool
}
