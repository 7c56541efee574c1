// Package credential persists upstream provisioning credentials. Secrets are
// sealed at rest and only the most recently stored credential is active.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/accessgate/internal/crypto"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

// ErrValidation is returned when submitted credentials are incomplete or malformed.
var ErrValidation = errors.New("credential validation failed")

// DefaultRetention is the number of credential rows kept, active included.
const DefaultRetention = 10

// SaveInput is the admin submission for a new credential.
type SaveInput struct {
	APIURL    string
	SessionID string
	Signature string
	CreatedBy string
}

// Store seals, activates and reads credentials.
type Store struct {
	backend   storage.StorageBackend
	sealer    *crypto.Sealer
	retention int
	logger    zerolog.Logger
	now       func() time.Time
}

// NewStore creates a Store. retention <= 0 selects DefaultRetention.
func NewStore(backend storage.StorageBackend, sealer *crypto.Sealer, retention int, logger zerolog.Logger) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		backend:   backend,
		sealer:    sealer,
		retention: retention,
		logger:    logger.With().Str("component", "credentials").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (in SaveInput) Validate() error {
	var missing []string
	if strings.TrimSpace(in.APIURL) == "" {
		missing = append(missing, "api_url")
	}
	if strings.TrimSpace(in.SessionID) == "" {
		missing = append(missing, "session_id")
	}
	if strings.TrimSpace(in.Signature) == "" {
		missing = append(missing, "signature")
	}
	if strings.TrimSpace(in.CreatedBy) == "" {
		missing = append(missing, "created_by")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	u, err := url.Parse(in.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: api_url must be an absolute http(s) URL", ErrValidation)
	}
	return nil
}

// Save stores in as the new active credential, deactivating the previous one
// in the same transaction.
func (s *Store) Save(ctx context.Context, in SaveInput) (*models.Credential, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	sealedSession, err := s.sealer.Seal(in.SessionID, id)
	if err != nil {
		return nil, fmt.Errorf("sealing session id: %w", err)
	}
	sealedSig, err := s.sealer.Seal(in.Signature, id)
	if err != nil {
		return nil, fmt.Errorf("sealing signature: %w", err)
	}
	row := &models.SealedCredential{
		ID:              id,
		APIURL:          strings.TrimRight(in.APIURL, "/"),
		SealedSessionID: sealedSession,
		SealedSignature: sealedSig,
		CreatedAt:       s.now(),
		CreatedBy:       in.CreatedBy,
	}
	if err := s.backend.ActivateCredential(ctx, row, s.retention); err != nil {
		return nil, fmt.Errorf("activating credential: %w", err)
	}
	s.logger.Info().Str("credential_id", id).Str("created_by", in.CreatedBy).Msg("credential activated")
	return &models.Credential{
		ID:        id,
		APIURL:    row.APIURL,
		SessionID: in.SessionID,
		Signature: in.Signature,
		CreatedAt: row.CreatedAt,
		IsActive:  true,
		CreatedBy: in.CreatedBy,
	}, nil
}

// Active returns the decrypted active credential, or nil when none is stored.
func (s *Store) Active(ctx context.Context) (*models.Credential, error) {
	row, err := s.backend.GetActiveCredential(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading active credential: %w", err)
	}
	sessionID, err := s.sealer.Open(row.SealedSessionID, row.ID)
	if err != nil {
		return nil, fmt.Errorf("opening session id: %w", err)
	}
	signature, err := s.sealer.Open(row.SealedSignature, row.ID)
	if err != nil {
		return nil, fmt.Errorf("opening signature: %w", err)
	}
	c := metadata(row)
	c.SessionID = sessionID
	c.Signature = signature
	return c, nil
}

// MarkValidated records a successful validation call made with credential id.
func (s *Store) MarkValidated(ctx context.Context, id string) error {
	return s.backend.MarkCredentialValidated(ctx, id, s.now())
}

// MarkUsed records a successful provisioning call made with credential id.
func (s *Store) MarkUsed(ctx context.Context, id string) error {
	return s.backend.MarkCredentialUsed(ctx, id, s.now())
}

// History lists stored credentials newest first, without secret material.
func (s *Store) History(ctx context.Context, limit int) ([]*models.Credential, error) {
	rows, err := s.backend.ListCredentials(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Credential, 0, len(rows))
	for _, r := range rows {
		out = append(out, metadata(r))
	}
	return out, nil
}

func metadata(r *models.SealedCredential) *models.Credential {
	return &models.Credential{
		ID:          r.ID,
		APIURL:      r.APIURL,
		CreatedAt:   r.CreatedAt,
		ValidatedAt: r.ValidatedAt,
		LastUsedAt:  r.LastUsedAt,
		IsActive:    r.IsActive,
		CreatedBy:   r.CreatedBy,
	}
}

// AgeHours is the credential's age in whole hours at now.
func AgeHours(c *models.Credential, now time.Time) int {
	if c == nil {
		return 0
	}
	return int(now.Sub(c.CreatedAt) / time.Hour)
}
