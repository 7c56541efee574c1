package credential

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/accessgate/internal/crypto"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *storage.MemoryBackend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sealer, err := crypto.NewSealer(key, "credentials-test")
	require.NoError(t, err)
	backend := storage.NewMemoryBackend()
	return NewStore(backend, sealer, 3, zerolog.Nop()), backend
}

func validInput(session string) SaveInput {
	return SaveInput{
		APIURL:    "https://tv.example.com/",
		SessionID: session,
		Signature: "sig-" + session,
		CreatedBy: "admin@example.com",
	}
}

func TestSaveRejectsMissingFields(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()

	cases := []SaveInput{
		{SessionID: "s", Signature: "x", CreatedBy: "a"},
		{APIURL: "https://x", Signature: "x", CreatedBy: "a"},
		{APIURL: "https://x", SessionID: "s", CreatedBy: "a"},
		{APIURL: "https://x", SessionID: "s", Signature: "x"},
		{APIURL: "ftp://x", SessionID: "s", Signature: "x", CreatedBy: "a"},
		{APIURL: "not a url", SessionID: "s", Signature: "x", CreatedBy: "a"},
	}
	for _, in := range cases {
		_, err := s.Save(ctx, in)
		assert.ErrorIs(t, err, ErrValidation)
	}

	_, err := backend.GetActiveCredential(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed saves must not persist anything")
}

func TestSaveActivationExclusivity(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, validInput("one"))
	require.NoError(t, err)
	second, err := s.Save(ctx, validInput("two"))
	require.NoError(t, err)

	history, err := s.History(ctx, 0)
	require.NoError(t, err)
	active := 0
	for _, c := range history {
		if c.IsActive {
			active++
			assert.Equal(t, second.ID, c.ID)
		}
		assert.Empty(t, c.SessionID)
		assert.Empty(t, c.Signature)
	}
	assert.Equal(t, 1, active)
	assert.NotEqual(t, first.ID, second.ID)

	got, err := s.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "two", got.SessionID)
	assert.Equal(t, "sig-two", got.Signature)
	assert.Equal(t, "https://tv.example.com", got.APIURL)
}

func TestSaveSealsSecrets(t *testing.T) {
	s, backend := newTestStore(t)
	ctx := context.Background()
	_, err := s.Save(ctx, validInput("plain-session"))
	require.NoError(t, err)

	row, err := backend.GetActiveCredential(ctx)
	require.NoError(t, err)
	assert.NotContains(t, string(row.SealedSessionID), "plain-session")
	assert.NotContains(t, string(row.SealedSignature), "sig-plain-session")
}

func TestHistoryRetention(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, session := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.Save(ctx, validInput(session))
		require.NoError(t, err)
	}
	history, err := s.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestActiveNone(t *testing.T) {
	s, _ := newTestStore(t)
	got, err := s.Active(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMarkTimestamps(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	c, err := s.Save(ctx, validInput("x"))
	require.NoError(t, err)
	require.NoError(t, s.MarkValidated(ctx, c.ID))
	require.NoError(t, s.MarkUsed(ctx, c.ID))

	got, err := s.Active(ctx)
	require.NoError(t, err)
	require.NotNil(t, got.ValidatedAt)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.ValidatedAt.Equal(fixed))
	assert.True(t, got.LastUsedAt.Equal(fixed))

	assert.ErrorIs(t, s.MarkUsed(ctx, "missing"), storage.ErrNotFound)
}

func TestAgeHours(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &models.Credential{CreatedAt: created}
	assert.Equal(t, 0, AgeHours(c, created.Add(59*time.Minute)))
	assert.Equal(t, 168, AgeHours(c, created.Add(7*24*time.Hour+30*time.Minute)))
	assert.Equal(t, 0, AgeHours(nil, created))
}
