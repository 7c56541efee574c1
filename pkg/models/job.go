package models

import (
	"encoding/json"
	"time"
)

// JobKind identifies which handler processes a queued job.
type JobKind string

const (
	JobGrant         JobKind = "grant"
	JobRevoke        JobKind = "revoke"
	JobBulkAutoGrant JobKind = "bulk_auto_grant"
)

// JobStatus is the queue-level state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a durable queue entry.
type Job struct {
	ID             string
	Kind           JobKind
	PairKey        string // jobs sharing a pair key never run concurrently
	Payload        json.RawMessage
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	RunAt          time.Time
	LeaseExpiresAt *time.Time
	LockedBy       string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProvisioningPayload is carried by grant and revoke jobs.
type ProvisioningPayload struct {
	StrategyAccessID string `json:"strategy_access_id"`
	UserID           string `json:"user_id"`
	StrategyID       string `json:"strategy_id"`
}

// BulkAutoGrantPayload is carried by bulk auto-grant jobs. AfterUserID
// resumes a run that handed off before its deadline.
type BulkAutoGrantPayload struct {
	StrategyID  string `json:"strategy_id"`
	AfterUserID string `json:"after_user_id,omitempty"`
}
