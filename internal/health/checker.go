// Package health periodically exercises the provider with the active
// credential and degrades provisioning after repeated failures. It never
// restores provisioning on its own.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/accessgate/internal/credential"
	"github.com/org/accessgate/internal/metrics"
	"github.com/org/accessgate/internal/notify"
	"github.com/org/accessgate/internal/provider"
	"github.com/org/accessgate/internal/state"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/pkg/models"
)

const lockName = "health-check"

const (
	DefaultInterval          = 15 * time.Minute
	DefaultFailureThreshold  = 2
	DefaultReferenceUsername = "tradingview"
)

// DefaultAgeWarnings are the credential ages that trigger a rotation reminder.
var DefaultAgeWarnings = []time.Duration{7 * 24 * time.Hour, 14 * 24 * time.Hour}

// Config tunes the checker.
type Config struct {
	Interval          time.Duration   `yaml:"interval"`
	FailureThreshold  int             `yaml:"failure_threshold"`
	ReferenceUsername string          `yaml:"reference_username"`
	AgeWarnings       []time.Duration `yaml:"age_warnings"`
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ReferenceUsername == "" {
		c.ReferenceUsername = DefaultReferenceUsername
	}
	if len(c.AgeWarnings) == 0 {
		c.AgeWarnings = DefaultAgeWarnings
	}
	sort.Slice(c.AgeWarnings, func(i, j int) bool { return c.AgeWarnings[i] < c.AgeWarnings[j] })
}

// CredentialReader is the part of the credential store the checker uses.
type CredentialReader interface {
	Active(ctx context.Context) (*models.Credential, error)
	MarkValidated(ctx context.Context, id string) error
}

// Report is the outcome of one check.
type Report struct {
	Skipped            bool // another run held the lock
	Configured         bool
	Success            bool
	Message            string
	Degraded           bool // this run moved provisioning to DEGRADED
	State              *models.ProvisioningState
	CredentialAgeHours int
	CheckedAt          time.Time
}

type Checker struct {
	store    storage.StorageBackend
	machine  *state.Machine
	provider provider.Provider
	creds    CredentialReader
	notifier notify.Notifier
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	running sync.Mutex

	mu     sync.Mutex
	warned map[string]time.Duration // credential id -> highest age warning sent

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

func NewChecker(
	store storage.StorageBackend,
	machine *state.Machine,
	prov provider.Provider,
	creds CredentialReader,
	notifier notify.Notifier,
	cfg Config,
	logger zerolog.Logger,
) *Checker {
	cfg.setDefaults()
	return &Checker{
		store:    store,
		machine:  machine,
		provider: prov,
		creds:    creds,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "health").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		warned:   make(map[string]time.Duration),
		done:     make(chan struct{}),
	}
}

// Start runs one check immediately in the background, then one per interval
// until Stop is called or ctx ends.
func (c *Checker) Start(ctx context.Context) {
	c.logger.Info().Dur("interval", c.cfg.Interval).Int("threshold", c.cfg.FailureThreshold).Msg("health checker started")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLogged(ctx)

		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.runLogged(ctx)
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the loop to exit and waits for an in-progress check.
func (c *Checker) Stop() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
	c.logger.Info().Msg("health checker stopped")
}

func (c *Checker) runLogged(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
		c.logger.Error().Err(err).Msg("health check failed to run")
	}
}

// RunOnce performs a single check. Concurrent calls, in this process or in
// another instance sharing the database, are skipped rather than queued.
func (c *Checker) RunOnce(ctx context.Context) (*Report, error) {
	if !c.running.TryLock() {
		return &Report{Skipped: true}, nil
	}
	defer c.running.Unlock()

	release, ok, err := c.store.TryLock(ctx, lockName)
	if err != nil {
		return nil, fmt.Errorf("acquiring health-check lock: %w", err)
	}
	if !ok {
		c.logger.Debug().Msg("health check running elsewhere")
		return &Report{Skipped: true}, nil
	}
	defer release()

	report := &Report{CheckedAt: c.now()}
	cred, err := c.creds.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading active credential: %w", err)
	}
	if cred != nil {
		report.CredentialAgeHours = credential.AgeHours(cred, report.CheckedAt)
		metrics.CredentialAgeHours.Set(float64(report.CredentialAgeHours))
		c.warnAge(ctx, cred, report.CredentialAgeHours)
	}

	report.Configured = c.provider.IsConfigured(ctx)
	if !report.Configured {
		report.Message = "provider not configured"
		metrics.HealthChecks.WithLabelValues("skipped").Inc()
		c.logger.Debug().Msg("provider not configured, skipping validation")
		return c.finish(ctx, report)
	}

	res := c.provider.ValidateUsername(ctx, c.cfg.ReferenceUsername)
	report.Message = res.Message
	switch {
	case res.Success:
		report.Success = true
		metrics.HealthChecks.WithLabelValues("success").Inc()
		if _, err := c.machine.RecordCheckSuccess(ctx); err != nil {
			return nil, err
		}
		if res.CredentialID != "" {
			if err := c.creds.MarkValidated(ctx, res.CredentialID); err != nil {
				c.logger.Warn().Err(err).Msg("recording credential validation")
			}
		}
		c.logger.Debug().Msg("health check passed")

	case res.Kind == provider.KindManual:
		metrics.HealthChecks.WithLabelValues("skipped").Inc()

	default:
		metrics.HealthChecks.WithLabelValues("failure").Inc()
		reason := fmt.Sprintf("%s: %s", res.Kind, res.Message)
		st, degraded, err := c.machine.RecordCheckFailure(ctx, c.cfg.FailureThreshold, reason)
		if err != nil {
			return nil, err
		}
		report.Degraded = degraded
		c.logger.Warn().
			Str("kind", string(res.Kind)).
			Str("message", res.Message).
			Int("consecutive_failures", st.ConsecutiveFailures).
			Msg("health check failed")
		if degraded {
			c.alertDegraded(ctx, st, reason)
		}
	}
	return c.finish(ctx, report)
}

func (c *Checker) finish(ctx context.Context, report *Report) (*Report, error) {
	st, err := c.machine.Current(ctx)
	if err != nil {
		return nil, err
	}
	report.State = st
	return report, nil
}

func (c *Checker) alertDegraded(ctx context.Context, st *models.ProvisioningState, reason string) {
	details := map[string]any{
		"reason":               reason,
		"mode":                 string(st.Mode),
		"consecutive_failures": st.ConsecutiveFailures,
	}
	if st.IncidentID != nil {
		details["incident_id"] = *st.IncidentID
	}
	err := c.notifier.SendAdminAlert(ctx, notify.AlertDegraded,
		"Automatic provisioning degraded; jobs now create manual tasks", details)
	if err != nil {
		c.logger.Warn().Err(err).Msg("notification failed: degraded alert")
	}
}

// warnAge sends one alert per credential per crossed age threshold.
func (c *Checker) warnAge(ctx context.Context, cred *models.Credential, ageHours int) {
	age := time.Duration(ageHours) * time.Hour
	var crossed time.Duration
	for _, w := range c.cfg.AgeWarnings {
		if age >= w {
			crossed = w
		}
	}
	if crossed == 0 {
		return
	}

	c.mu.Lock()
	if c.warned[cred.ID] >= crossed {
		c.mu.Unlock()
		return
	}
	c.warned[cred.ID] = crossed
	c.mu.Unlock()

	days := int(crossed.Hours() / 24)
	c.logger.Warn().Str("credential_id", cred.ID).Int("age_hours", ageHours).Msg("credential is getting old")
	err := c.notifier.SendAdminAlert(ctx, notify.AlertCredentialAge,
		fmt.Sprintf("Provisioning credentials are over %d days old", days),
		map[string]any{
			"credential_id": cred.ID,
			"age_hours":     ageHours,
			"created_at":    cred.CreatedAt,
		})
	if err != nil {
		c.logger.Warn().Err(err).Msg("notification failed: credential age")
	}
}
