package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/org/accessgate/internal/metrics"
	"github.com/org/accessgate/pkg/models"
)

const (
	headerSessionID = "X-Session-Id"
	headerSignature = "X-Session-Signature"

	maxBodyBytes = 64 << 10
)

// HTTPProvider calls the upstream access-management API. The active
// credential is read on every call so a rotation applies immediately.
type HTTPProvider struct {
	creds           CredentialSource
	client          *http.Client
	limiter         *rate.Limiter
	validateTimeout time.Duration
	grantTimeout    time.Duration
	logger          zerolog.Logger
}

func NewHTTPProvider(cfg Config, creds CredentialSource, logger zerolog.Logger) *HTTPProvider {
	p := &HTTPProvider{
		creds:           creds,
		client:          &http.Client{},
		limiter:         limiterFor(cfg),
		validateTimeout: cfg.ValidateTimeout,
		grantTimeout:    cfg.GrantTimeout,
		logger:          logger.With().Str("component", "provider").Logger(),
	}
	if p.validateTimeout <= 0 {
		p.validateTimeout = DefaultValidateTimeout
	}
	if p.grantTimeout <= 0 {
		p.grantTimeout = DefaultGrantTimeout
	}
	return p
}

func (p *HTTPProvider) Name() string { return TypeHTTP }

func (p *HTTPProvider) IsConfigured(ctx context.Context) bool {
	c, err := p.creds.Active(ctx)
	return err == nil && c != nil
}

type validateResponse struct {
	ValidUser        bool   `json:"validuser"`
	VerifiedUserName string `json:"verifiedUserName"`
}

type accessBody struct {
	PineID   string `json:"pine_id"`
	Duration string `json:"duration,omitempty"`
}

func (p *HTTPProvider) ValidateUsername(ctx context.Context, username string) Result {
	res := p.validate(ctx, username)
	metrics.ProviderCalls.WithLabelValues(TypeHTTP, "validate", string(res.Kind)).Inc()
	return res
}

func (p *HTTPProvider) validate(ctx context.Context, username string) Result {
	if strings.TrimSpace(username) == "" {
		return Result{Kind: KindInvalid, Message: "username is empty"}
	}
	cred, res, ok := p.credential(ctx)
	if !ok {
		return res
	}
	status, body, res, ok := p.call(ctx, p.validateTimeout, cred, http.MethodGet, "/validate/"+url.PathEscape(username), nil)
	if !ok {
		return res
	}
	switch {
	case status == http.StatusNotFound:
		return Result{Kind: KindInvalid, Message: fmt.Sprintf("username %q not found", username), CredentialID: cred.ID}
	case status >= 200 && status < 300:
		var vr validateResponse
		if err := json.Unmarshal(body, &vr); err != nil {
			return Result{Kind: KindTransient, Message: "malformed validation response: " + err.Error(), CredentialID: cred.ID}
		}
		if !vr.ValidUser {
			return Result{Kind: KindInvalid, Message: fmt.Sprintf("username %q not found", username), CredentialID: cred.ID}
		}
		name := vr.VerifiedUserName
		if name == "" {
			name = username
		}
		return Result{Success: true, Kind: KindOK, Username: name, Message: "username verified", CredentialID: cred.ID}
	default:
		return statusResult(status, body, cred.ID)
	}
}

func (p *HTTPProvider) GrantAccess(ctx context.Context, req GrantRequest) Result {
	res := p.access(ctx, http.MethodPost, req.Username, accessBody{PineID: req.PineID, Duration: req.Duration})
	metrics.ProviderCalls.WithLabelValues(TypeHTTP, "grant", string(res.Kind)).Inc()
	if res.Success {
		res.Message = "access granted"
	}
	return res
}

func (p *HTTPProvider) RevokeAccess(ctx context.Context, req RevokeRequest) Result {
	res := p.access(ctx, http.MethodDelete, req.Username, accessBody{PineID: req.PineID})
	metrics.ProviderCalls.WithLabelValues(TypeHTTP, "revoke", string(res.Kind)).Inc()
	if res.Success {
		res.Message = "access revoked"
	}
	return res
}

func (p *HTTPProvider) access(ctx context.Context, method, username string, body accessBody) Result {
	cred, res, ok := p.credential(ctx)
	if !ok {
		return res
	}
	status, respBody, res, ok := p.call(ctx, p.grantTimeout, cred, method, "/access/"+url.PathEscape(username), body)
	if !ok {
		return res
	}
	if status >= 200 && status < 300 {
		return Result{Success: true, Kind: KindOK, Username: username, CredentialID: cred.ID}
	}
	return statusResult(status, respBody, cred.ID)
}

func (p *HTTPProvider) credential(ctx context.Context) (*models.Credential, Result, bool) {
	cred, err := p.creds.Active(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("loading credential")
		return nil, Result{Kind: KindTransient, Message: "credential store unavailable: " + err.Error()}, false
	}
	if cred == nil {
		return nil, Result{
			Kind:                 KindNotConfigured,
			Message:              "no active provisioning credentials",
			RequiresManualAction: true,
		}, false
	}
	return cred, Result{}, true
}

// call performs one bounded request. ok is false when the request did not
// produce an HTTP status, in which case res carries the failure.
func (p *HTTPProvider) call(ctx context.Context, timeout time.Duration, cred *models.Credential, method, path string, payload any) (int, []byte, Result, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return 0, nil, p.transportFailure(ctx, timeout, err, cred.ID), false
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, Result{Kind: KindTransient, Message: "encoding request: " + err.Error(), CredentialID: cred.ID}, false
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(cred.APIURL, "/")+path, reader)
	if err != nil {
		return 0, nil, Result{Kind: KindTransient, Message: "building request: " + err.Error(), CredentialID: cred.ID}, false
	}
	req.Header.Set(headerSessionID, cred.SessionID)
	req.Header.Set(headerSignature, cred.Signature)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, p.transportFailure(ctx, timeout, err, cred.ID), false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, p.transportFailure(ctx, timeout, err, cred.ID), false
	}
	return resp.StatusCode, body, Result{}, true
}

func (p *HTTPProvider) transportFailure(ctx context.Context, timeout time.Duration, err error, credID string) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		p.logger.Warn().Dur("timeout", timeout).Msg("upstream call timed out")
		return Result{
			Kind:         KindTransient,
			Message:      fmt.Sprintf("upstream timed out after %s", timeout),
			CredentialID: credID,
			Metadata:     map[string]any{"timeout": true},
		}
	}
	p.logger.Warn().Err(err).Msg("upstream call failed")
	return Result{Kind: KindTransient, Message: "upstream unreachable: " + err.Error(), CredentialID: credID}
}

func statusResult(status int, body []byte, credID string) Result {
	msg := truncate(strings.TrimSpace(string(body)), maxBodyInMessage)
	res := Result{
		CredentialID: credID,
		Metadata:     map[string]any{"status": status},
	}
	switch {
	case status == http.StatusTooManyRequests:
		res.Kind = KindRateLimited
		res.Message = "upstream rate limited the request"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		res.Kind = KindTransient
		res.Message = fmt.Sprintf("upstream rejected credentials (HTTP %d)", status)
	default:
		res.Kind = KindTransient
		res.Message = fmt.Sprintf("upstream returned HTTP %d", status)
	}
	if msg != "" {
		res.Message += ": " + msg
	}
	return res
}

const maxBodyInMessage = 200

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ValidateCredential checks a submitted credential by validating username
// with it, before the credential is stored.
func ValidateCredential(ctx context.Context, cfg Config, cred *models.Credential, username string, logger zerolog.Logger) Result {
	return NewHTTPProvider(cfg, StaticCredential{Credential: cred}, logger).ValidateUsername(ctx, username)
}
