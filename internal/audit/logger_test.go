package audit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/accessgate/internal/storage"
)

func TestRecordCarriesContext(t *testing.T) {
	store := storage.NewMemoryBackend()
	l := NewLogger(store, zerolog.Nop())

	ctx := WithActor(WithRequestID(context.Background(), "req-1"), "ops-key")
	l.Record(ctx, "access.granted", EntityAccess, "a1", map[string]any{"user_id": "u1"})
	l.Record(context.Background(), "state.degraded", EntityState, "1", nil)

	entries, err := l.Query(context.Background(), storage.AuditFilter{EntityType: EntityAccess})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "req-1", entries[0].RequestID)
	assert.Equal(t, "ops-key", entries[0].Actor)
	assert.Equal(t, "u1", entries[0].Details["user_id"])

	entries, err = l.Query(context.Background(), storage.AuditFilter{Action: "state.degraded"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, SystemActor, entries[0].Actor)
}

func TestLogRequest(t *testing.T) {
	store := storage.NewMemoryBackend()
	l := NewLogger(store, zerolog.Nop())
	l.LogRequest(context.Background(), "POST", "/v1/provisioning/restore", 200, 15*time.Millisecond, "10.0.0.1")

	entries, err := l.Query(context.Background(), storage.AuditFilter{EntityType: EntityRequest})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "http.POST", entries[0].Action)
	assert.Equal(t, "/v1/provisioning/restore", entries[0].EntityID)
	assert.Equal(t, int64(15), entries[0].Details["duration_ms"])
}
