package models

import "time"

// HealthState is the observed health of the upstream integration.
type HealthState string

const (
	StateHealthy  HealthState = "HEALTHY"
	StateDegraded HealthState = "DEGRADED"
)

// Mode is the service mode configured for provisioning jobs.
type Mode string

const (
	ModeAuto     Mode = "AUTO"
	ModeManual   Mode = "MANUAL"
	ModeDisabled Mode = "DISABLED"
)

// ParseMode returns the Mode for s, or false if s is not a known mode.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(s); m {
	case ModeAuto, ModeManual, ModeDisabled:
		return m, true
	}
	return "", false
}

// ProvisioningState is the persisted process-wide singleton.
type ProvisioningState struct {
	State               HealthState
	Mode                Mode
	DegradedAt          *time.Time
	Reason              *string
	IncidentID          *string
	ConsecutiveFailures int
	Version             int64
	UpdatedAt           time.Time
	UpdatedBy           string
}

// EffectiveMode combines mode and state: AUTO only when both allow it.
func (s *ProvisioningState) EffectiveMode() Mode {
	switch {
	case s.Mode == ModeDisabled:
		return ModeDisabled
	case s.Mode == ModeAuto && s.State == StateHealthy:
		return ModeAuto
	default:
		return ModeManual
	}
}
