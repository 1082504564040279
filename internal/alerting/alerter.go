// Package alerting delivers operational alerts via webhook. Normal mode
// sends each alert immediately; backfill mode batches non-critical alerts
// per category into a rate-limited digest so a bulk run over thousands of
// scopes cannot storm the channel.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Type identifies the kind of alert.
type Type string

const (
	AlertDependencyGap    Type = "dependency_gap"
	AlertSourceExhaustion Type = "source_exhaustion"
	AlertBreakerOpen      Type = "breaker_open"
	AlertStaleBatch       Type = "stale_batch"
	AlertConfigError      Type = "config_error"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      Type           `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config tunes the alerter.
type Config struct {
	WebhookURL string
	// Backfill switches non-critical alerts to digest delivery.
	Backfill bool
	// DigestPerHour caps digest sends per hour; zero means 6.
	DigestPerHour int
	// FlushInterval is how often a background FlushEvery drains buckets
	// the limiter left behind. Zero derives it from DigestPerHour.
	FlushInterval time.Duration
}

type digestBucket struct {
	count   int
	first   Alert
	firstAt time.Time
}

// Alerter sends alerts to a webhook, with per-category digesting in
// backfill mode. Configuration-class errors are always immediate
// regardless of mode.
type Alerter struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	digest map[Type]*digestBucket
}

// New creates an Alerter with the given config.
func New(cfg Config) *Alerter {
	per := cfg.DigestPerHour
	if per <= 0 {
		per = 6
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Hour / time.Duration(per)
	}
	return &Alerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(per)), 1),
		digest:  make(map[Type]*digestBucket),
	}
}

// Raise delivers or batches one alert. Config errors bypass the digest:
// a malformed chain definition must reach an operator even mid-backfill.
func (a *Alerter) Raise(ctx context.Context, alert Alert) {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	if !a.cfg.Backfill || alert.Type == AlertConfigError {
		a.send(ctx, alert)
		return
	}

	a.mu.Lock()
	b, ok := a.digest[alert.Type]
	if !ok {
		b = &digestBucket{first: alert, firstAt: alert.Timestamp}
		a.digest[alert.Type] = b
	}
	b.count++
	a.mu.Unlock()

	zap.L().Debug("alerting: batched into digest",
		zap.String("type", string(alert.Type)),
	)

	if a.limiter.Allow() {
		a.Flush(ctx)
	}
}

// Flush sends one summary alert per batched category and clears the
// digest. Safe to call when the digest is empty.
func (a *Alerter) Flush(ctx context.Context) {
	a.mu.Lock()
	pending := a.digest
	a.digest = make(map[Type]*digestBucket)
	a.mu.Unlock()

	for typ, b := range pending {
		a.send(ctx, Alert{
			Type:     typ,
			Severity: "warning",
			Message: fmt.Sprintf("%d occurrence(s) of %s since %s (first: %s)",
				b.count, typ, b.firstAt.Format(time.RFC3339), b.first.Message),
			Details: map[string]any{
				"count": b.count,
				"first": b.first.Message,
				"since": b.firstAt,
			},
			Timestamp: time.Now().UTC(),
		})
	}
}

// FlushEvery drains the digest on a ticker until ctx is cancelled, then
// flushes once more so shutdown cannot strand the last bucket of a
// category. A Raise that loses the rate limiter has no later delivery of
// its own; without this loop a quiet category would hold alerts forever.
// Run it in a goroutine for any long-lived process that raises alerts.
func (a *Alerter) FlushEvery(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.Flush(final)
			cancel()
			return
		case <-ticker.C:
			a.Flush(ctx)
		}
	}
}

// send posts a single alert to the webhook URL.
func (a *Alerter) send(ctx context.Context, alert Alert) {
	if a.cfg.WebhookURL == "" {
		zap.L().Warn("alerting: no webhook configured, alert dropped",
			zap.String("type", string(alert.Type)),
			zap.String("message", alert.Message),
		)
		return
	}
	if err := a.post(ctx, alert); err != nil {
		zap.L().Error("alerting: failed to send alert",
			zap.String("type", string(alert.Type)),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("alerting: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
	)
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "alerting: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "alerting: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "alerting: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("alerting: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
