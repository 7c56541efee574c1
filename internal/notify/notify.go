// Package notify delivers user and admin notifications. Delivery is fire and
// forget: callers log errors and never let them change a provisioning outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/accessgate/pkg/models"
)

// Alert types sent to admins.
const (
	AlertProvisioningFailed = "provisioning_failed"
	AlertManualTask         = "manual_task"
	AlertDegraded           = "provisioning_degraded"
	AlertCredentialAge      = "credential_age"
)

// Notifier is the notification collaborator.
type Notifier interface {
	SendAccessGranted(ctx context.Context, user *models.User, strategy *models.Strategy) error
	SendAccessFailed(ctx context.Context, user *models.User, strategy *models.Strategy, reason string) error
	SendAdminAlert(ctx context.Context, alertType, title string, details map[string]any) error
}

// Config selects the notifier.
type Config struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// New returns a WebhookNotifier when a URL is configured, else a LogNotifier.
func New(cfg Config, logger zerolog.Logger) Notifier {
	if cfg.WebhookURL != "" {
		return NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout, logger)
	}
	return NewLogNotifier(logger)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) SendAccessGranted(_ context.Context, user *models.User, strategy *models.Strategy) error {
	n.logger.Info().Str("user_id", user.ID).Str("strategy_id", strategy.ID).Msg("notify: access granted")
	return nil
}

func (n *LogNotifier) SendAccessFailed(_ context.Context, user *models.User, strategy *models.Strategy, reason string) error {
	n.logger.Info().Str("user_id", user.ID).Str("strategy_id", strategy.ID).Str("reason", reason).Msg("notify: access failed")
	return nil
}

func (n *LogNotifier) SendAdminAlert(_ context.Context, alertType, title string, details map[string]any) error {
	n.logger.Warn().Str("alert", alertType).Fields(details).Msg(title)
	return nil
}

// WebhookNotifier POSTs each notification as JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// Event is the webhook body.
type Event struct {
	Type       string         `json:"type"`
	Title      string         `json:"title,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Email      string         `json:"email,omitempty"`
	StrategyID string         `json:"strategy_id,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

func (n *WebhookNotifier) SendAccessGranted(ctx context.Context, user *models.User, strategy *models.Strategy) error {
	return n.post(ctx, Event{
		Type:       "access_granted",
		UserID:     user.ID,
		Email:      user.Email,
		StrategyID: strategy.ID,
		Strategy:   strategy.Name,
	})
}

func (n *WebhookNotifier) SendAccessFailed(ctx context.Context, user *models.User, strategy *models.Strategy, reason string) error {
	return n.post(ctx, Event{
		Type:       "access_failed",
		UserID:     user.ID,
		Email:      user.Email,
		StrategyID: strategy.ID,
		Strategy:   strategy.Name,
		Reason:     reason,
	})
}

func (n *WebhookNotifier) SendAdminAlert(ctx context.Context, alertType, title string, details map[string]any) error {
	return n.post(ctx, Event{Type: "admin_alert:" + alertType, Title: title, Details: details})
}

func (n *WebhookNotifier) post(ctx context.Context, ev Event) error {
	ev.SentAt = time.Now().UTC()
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting notification: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned HTTP %d", resp.StatusCode)
	}
	n.logger.Debug().Str("type", ev.Type).Msg("notification delivered")
	return nil
}
