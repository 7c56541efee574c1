// Package audit records state transitions, terminal failures and admin
// requests. Secret values must never be passed here, only metadata.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

// SystemActor is recorded when no admin identity is attached to the context.
const SystemActor = "system"

// Entity types.
const (
	EntityAccess     = "strategy_access"
	EntityState      = "provisioning_state"
	EntityCredential = "credential"
	EntityTask       = "manual_task"
	EntityStrategy   = "strategy"
	EntityRequest    = "http_request"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyActor     contextKey = "actor"
)

// WithRequestID attaches a request id to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestID returns the request id attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// WithActor attaches the acting admin identity to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor)
}

// Actor returns the acting identity attached to ctx, or SystemActor.
func Actor(ctx context.Context) string {
	if a, _ := ctx.Value(ctxKeyActor).(string); a != "" {
		return a
	}
	return SystemActor
}

// Logger writes structured audit entries.
type Logger struct {
	store  storage.StorageBackend
	logger zerolog.Logger
}

// NewLogger creates an audit Logger.
func NewLogger(store storage.StorageBackend, logger zerolog.Logger) *Logger {
	return &Logger{store: store, logger: logger.With().Str("component", "audit").Logger()}
}

// Record writes an audit entry for action on the given entity. Write failures
// are logged and swallowed; auditing never changes an operation's outcome.
func (l *Logger) Record(ctx context.Context, action, entityType, entityID string, details map[string]any) {
	entry := &models.AuditEntry{
		Timestamp:  time.Now().UTC(),
		RequestID:  RequestID(ctx),
		Actor:      Actor(ctx),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
	}
	if err := l.store.WriteAuditEntry(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.Error().Err(err).Str("action", action).Str("entity_id", entityID).Msg("writing audit entry")
	}
}

// LogRequest records an admin API request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, elapsed time.Duration, clientIP string) {
	l.Record(ctx, "http."+method, EntityRequest, path, map[string]any{
		"status":      status,
		"duration_ms": elapsed.Milliseconds(),
		"client_ip":   clientIP,
	})
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}
