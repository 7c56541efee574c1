// Package state owns the persisted provisioning state singleton: observed
// upstream health (HEALTHY/DEGRADED) and the configured mode
// (AUTO/MANUAL/DISABLED).
//
// Writes are compare-and-swap on the row version so a health-check degrade
// and an admin restore racing each other never lose an update. Reads always
// go to storage; nothing is cached in process.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/accessgate/internal/audit"
	"github.com/org/accessgate/internal/metrics"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

// ErrConflict is returned when the CAS loop keeps losing to concurrent writers.
var ErrConflict = errors.New("provisioning state changed concurrently")

// ErrInvalidMode is returned by SetMode for an unknown mode.
var ErrInvalidMode = errors.New("invalid provisioning mode")

const casAttempts = 8

// Machine mutates and reads the provisioning state.
type Machine struct {
	store  storage.StorageBackend
	audit  *audit.Logger
	logger zerolog.Logger
	now    func() time.Time
}

func NewMachine(store storage.StorageBackend, auditor *audit.Logger, logger zerolog.Logger) *Machine {
	return &Machine{
		store:  store,
		audit:  auditor,
		logger: logger.With().Str("component", "state").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Current returns a fresh read of the state row.
func (m *Machine) Current(ctx context.Context) (*models.ProvisioningState, error) {
	st, err := m.store.GetProvisioningState(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading provisioning state: %w", err)
	}
	return st, nil
}

// EffectiveMode combines mode and state into the mode a job must use.
func (m *Machine) EffectiveMode(ctx context.Context) (models.Mode, error) {
	st, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	return st.EffectiveMode(), nil
}

// mutate applies fn to a fresh copy of the state and writes it back guarded
// by the version read. fn returns false to skip the write.
func (m *Machine) mutate(ctx context.Context, fn func(st *models.ProvisioningState) bool) (*models.ProvisioningState, bool, error) {
	for i := 0; i < casAttempts; i++ {
		st, err := m.Current(ctx)
		if err != nil {
			return nil, false, err
		}
		if !fn(st) {
			return st, false, nil
		}
		st.UpdatedAt = m.now()
		st.UpdatedBy = audit.Actor(ctx)
		err = m.store.UpdateProvisioningState(ctx, st, st.Version)
		if errors.Is(err, storage.ErrConflict) {
			m.logger.Debug().Int("attempt", i+1).Msg("state CAS lost, retrying")
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("writing provisioning state: %w", err)
		}
		metrics.SetState(string(st.State), string(st.Mode))
		return st, true, nil
	}
	return nil, false, ErrConflict
}

// Degrade moves HEALTHY to DEGRADED and drops AUTO to MANUAL. It is a no-op
// when already degraded, keeping the original degradedAt and incident.
func (m *Machine) Degrade(ctx context.Context, reason, incidentID string) (*models.ProvisioningState, error) {
	if incidentID == "" {
		incidentID = uuid.NewString()
	}
	st, changed, err := m.mutate(ctx, func(st *models.ProvisioningState) bool {
		if st.State == models.StateDegraded {
			return false
		}
		now := m.now()
		st.State = models.StateDegraded
		st.DegradedAt = &now
		st.Reason = &reason
		st.IncidentID = &incidentID
		if st.Mode != models.ModeDisabled {
			st.Mode = models.ModeManual
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.logger.Warn().Str("reason", reason).Str("incident_id", incidentID).Str("mode", string(st.Mode)).Msg("provisioning degraded")
		m.audit.Record(ctx, "state.degraded", audit.EntityState, "provisioning", map[string]any{
			"reason":      reason,
			"incident_id": incidentID,
			"mode":        string(st.Mode),
		})
	}
	return st, nil
}

// Restore is the only path from DEGRADED back to HEALTHY/AUTO.
func (m *Machine) Restore(ctx context.Context) (*models.ProvisioningState, error) {
	var prev models.ProvisioningState
	st, _, err := m.mutate(ctx, func(st *models.ProvisioningState) bool {
		prev = *st
		st.State = models.StateHealthy
		st.Mode = models.ModeAuto
		st.DegradedAt = nil
		st.Reason = nil
		st.IncidentID = nil
		st.ConsecutiveFailures = 0
		return true
	})
	if err != nil {
		return nil, err
	}
	details := map[string]any{"previous_state": string(prev.State), "previous_mode": string(prev.Mode)}
	if prev.IncidentID != nil {
		details["incident_id"] = *prev.IncidentID
	}
	m.logger.Info().Str("by", st.UpdatedBy).Msg("provisioning restored")
	m.audit.Record(ctx, "state.restored", audit.EntityState, "provisioning", details)
	return st, nil
}

// SetMode is an admin override of the mode, independent of state.
func (m *Machine) SetMode(ctx context.Context, mode models.Mode) (*models.ProvisioningState, error) {
	if _, ok := models.ParseMode(string(mode)); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	var prev models.Mode
	st, changed, err := m.mutate(ctx, func(st *models.ProvisioningState) bool {
		prev = st.Mode
		if st.Mode == mode {
			return false
		}
		st.Mode = mode
		return true
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.logger.Info().Str("from", string(prev)).Str("to", string(mode)).Str("by", st.UpdatedBy).Msg("provisioning mode changed")
		m.audit.Record(ctx, "state.mode_changed", audit.EntityState, "provisioning", map[string]any{
			"from": string(prev),
			"to":   string(mode),
		})
	}
	return st, nil
}

// RecordCheckFailure increments the persisted consecutive failure counter and
// degrades once it reaches threshold.
func (m *Machine) RecordCheckFailure(ctx context.Context, threshold int, reason string) (*models.ProvisioningState, bool, error) {
	if threshold < 1 {
		threshold = 1
	}
	st, _, err := m.mutate(ctx, func(st *models.ProvisioningState) bool {
		st.ConsecutiveFailures++
		return true
	})
	if err != nil {
		return nil, false, err
	}
	if st.ConsecutiveFailures < threshold || st.State == models.StateDegraded {
		return st, false, nil
	}
	st, err = m.Degrade(ctx, fmt.Sprintf("%d consecutive health check failures: %s", st.ConsecutiveFailures, reason), "")
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// RecordCheckSuccess resets the failure counter. It never restores a
// degraded state.
func (m *Machine) RecordCheckSuccess(ctx context.Context) (*models.ProvisioningState, error) {
	st, _, err := m.mutate(ctx, func(st *models.ProvisioningState) bool {
		if st.ConsecutiveFailures == 0 {
			return false
		}
		st.ConsecutiveFailures = 0
		return true
	})
	return st, err
}
