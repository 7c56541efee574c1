package models

import "time"

// AuditEntry records a state transition, terminal failure or admin request.
type AuditEntry struct {
	ID         int64
	Timestamp  time.Time
	RequestID  string
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
}
