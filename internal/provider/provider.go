// Package provider abstracts the upstream script access API. Every outcome,
// including network failures and timeouts, is returned as a Result.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/org/accessgate/pkg/models"
)

// Kind classifies a provider outcome for the job processor.
type Kind string

const (
	KindOK            Kind = "ok"
	KindInvalid       Kind = "invalid"        // username does not exist upstream; terminal
	KindTransient     Kind = "transient"      // timeout, network, non-2xx; retryable
	KindRateLimited   Kind = "rate_limited"   // upstream throttling; retryable with longer backoff
	KindNotConfigured Kind = "not_configured" // no usable credentials
	KindManual        Kind = "manual"         // a human must perform the action
)

// Result is the outcome of a provider operation.
type Result struct {
	Success              bool
	Message              string
	Username             string // canonical upstream username on successful validation
	RequiresManualAction bool
	Kind                 Kind
	CredentialID         string // credential used for the call, if any
	Metadata             map[string]any
}

// Retryable reports whether the job should be retried with backoff.
func (r Result) Retryable() bool {
	return r.Kind == KindTransient || r.Kind == KindRateLimited
}

// GrantRequest asks the upstream to grant username access to a script.
type GrantRequest struct {
	Username string
	PineID   string
	Duration string // upstream duration code; empty grants lifetime access
}

// RevokeRequest asks the upstream to remove username's access to a script.
type RevokeRequest struct {
	Username string
	PineID   string
}

// Provider is the capability set every provisioning backend implements.
type Provider interface {
	Name() string
	IsConfigured(ctx context.Context) bool
	ValidateUsername(ctx context.Context, username string) Result
	GrantAccess(ctx context.Context, req GrantRequest) Result
	RevokeAccess(ctx context.Context, req RevokeRequest) Result
}

// CredentialSource yields the credential used for each upstream call.
// A nil credential with a nil error means none is configured.
type CredentialSource interface {
	Active(ctx context.Context) (*models.Credential, error)
}

// StaticCredential serves a single fixed credential. It is used to validate
// submitted credentials before they are stored.
type StaticCredential struct {
	Credential *models.Credential
}

func (s StaticCredential) Active(context.Context) (*models.Credential, error) {
	return s.Credential, nil
}

// Config selects and tunes the provider.
type Config struct {
	Type            string        `yaml:"type"` // "http" or "manual"
	ValidateTimeout time.Duration `yaml:"validate_timeout"`
	GrantTimeout    time.Duration `yaml:"grant_timeout"`
	RateLimit       float64       `yaml:"rate_limit"` // upstream requests per second, 0 = unlimited
	RateBurst       int           `yaml:"rate_burst"`
}

const (
	TypeHTTP   = "http"
	TypeManual = "manual"

	DefaultValidateTimeout = 15 * time.Second
	DefaultGrantTimeout    = 20 * time.Second
)

// New returns the provider selected by cfg.Type.
func New(cfg Config, creds CredentialSource, logger zerolog.Logger) (Provider, error) {
	switch cfg.Type {
	case "", TypeHTTP:
		return NewHTTPProvider(cfg, creds, logger), nil
	case TypeManual:
		return NewManualProvider(), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

func limiterFor(cfg Config) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}
