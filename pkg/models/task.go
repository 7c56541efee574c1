package models

import "time"

// TaskType is the provisioning action a manual task asks a human to perform.
type TaskType string

const (
	TaskGrant  TaskType = "grant"
	TaskRevoke TaskType = "revoke"
)

// TaskStatus is the lifecycle state of a manual task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// ManualTask is a provisioning action requiring human execution.
type ManualTask struct {
	ID               string
	Type             TaskType
	Username         string
	ScriptID         string
	StrategyAccessID *string
	Status           TaskStatus
	Notes            string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
	CompletedBy      *string
}
