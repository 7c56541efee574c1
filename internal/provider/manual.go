package provider

import (
	"context"
)

// ManualProvider routes every action to a human operator.
type ManualProvider struct{}

func NewManualProvider() *ManualProvider { return &ManualProvider{} }

func (m *ManualProvider) Name() string { return TypeManual }

func (m *ManualProvider) IsConfigured(context.Context) bool { return true }

func (m *ManualProvider) ValidateUsername(_ context.Context, username string) Result {
	return manualResult("username validation requires manual review", username)
}

func (m *ManualProvider) GrantAccess(_ context.Context, req GrantRequest) Result {
	return manualResult("grant must be performed manually", req.Username)
}

func (m *ManualProvider) RevokeAccess(_ context.Context, req RevokeRequest) Result {
	return manualResult("revoke must be performed manually", req.Username)
}

func manualResult(msg, username string) Result {
	return Result{
		Message:              msg,
		Username:             username,
		RequiresManualAction: true,
		Kind:                 KindManual,
	}
}
