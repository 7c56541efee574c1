package api

import (
	"time"

	"github.com/org/accessgate/internal/credential"
	"github.com/org/accessgate/internal/health"
	"github.com/org/accessgate/internal/provisioning"
	"github.com/org/accessgate/pkg/models"
)

func accessView(a *models.StrategyAccess) map[string]any {
	return map[string]any{
		"id":             a.ID,
		"user_id":        a.UserID,
		"strategy_id":    a.StrategyID,
		"status":         a.Status,
		"failure_reason": a.FailureReason,
		"granted_at":     a.GrantedAt,
		"revoked_at":     a.RevokedAt,
		"job_id":         a.JobID,
		"created_at":     a.CreatedAt,
		"updated_at":     a.UpdatedAt,
	}
}

func jobView(j *models.Job) map[string]any {
	if j == nil {
		return nil
	}
	return map[string]any{
		"id":           j.ID,
		"kind":         j.Kind,
		"status":       j.Status,
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"run_at":       j.RunAt,
	}
}

func enqueueView(res *provisioning.EnqueueResult) map[string]any {
	return map[string]any{
		"access":   accessView(res.Access),
		"job":      jobView(res.Job),
		"enqueued": res.Job != nil,
	}
}

func taskView(t *models.ManualTask) map[string]any {
	return map[string]any{
		"id":                 t.ID,
		"type":               t.Type,
		"username":           t.Username,
		"script_id":          t.ScriptID,
		"strategy_access_id": t.StrategyAccessID,
		"status":             t.Status,
		"notes":              t.Notes,
		"created_at":         t.CreatedAt,
		"updated_at":         t.UpdatedAt,
		"completed_at":       t.CompletedAt,
		"completed_by":       t.CompletedBy,
	}
}

func stateView(v *provisioning.StateView) map[string]any {
	return map[string]any{
		"state":                v.State,
		"mode":                 v.Mode,
		"effective_mode":       v.EffectiveMode,
		"degraded_at":          v.DegradedAt,
		"reason":               v.Reason,
		"incident_id":          v.IncidentID,
		"consecutive_failures": v.ConsecutiveFailures,
		"pending_jobs":         v.PendingJobsCount,
		"updated_at":           v.UpdatedAt,
		"updated_by":           v.UpdatedBy,
	}
}

func provisioningStateView(st *models.ProvisioningState) map[string]any {
	return map[string]any{
		"state":                st.State,
		"mode":                 st.Mode,
		"effective_mode":       st.EffectiveMode(),
		"degraded_at":          st.DegradedAt,
		"reason":               st.Reason,
		"incident_id":          st.IncidentID,
		"consecutive_failures": st.ConsecutiveFailures,
		"updated_at":           st.UpdatedAt,
		"updated_by":           st.UpdatedBy,
	}
}

// credentialView never includes secret material.
func credentialView(c *models.Credential, now time.Time) map[string]any {
	return map[string]any{
		"id":           c.ID,
		"api_url":      c.APIURL,
		"created_at":   c.CreatedAt,
		"validated_at": c.ValidatedAt,
		"last_used_at": c.LastUsedAt,
		"is_active":    c.IsActive,
		"created_by":   c.CreatedBy,
		"age_hours":    credential.AgeHours(c, now),
	}
}

func healthReportView(r *health.Report) map[string]any {
	v := map[string]any{
		"skipped":              r.Skipped,
		"configured":           r.Configured,
		"success":              r.Success,
		"message":              r.Message,
		"degraded":             r.Degraded,
		"credential_age_hours": r.CredentialAgeHours,
		"checked_at":           r.CheckedAt,
	}
	if r.State != nil {
		v["provisioning"] = provisioningStateView(r.State)
	}
	return v
}

func auditView(e *models.AuditEntry) map[string]any {
	return map[string]any{
		"id":          e.ID,
		"timestamp":   e.Timestamp,
		"request_id":  e.RequestID,
		"actor":       e.Actor,
		"action":      e.Action,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"details":     e.Details,
	}
}
