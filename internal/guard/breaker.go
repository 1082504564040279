package guard

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/store"
)

const (
	// DefaultOpenThreshold is the consecutive-failure count that opens
	// the breaker.
	DefaultOpenThreshold = 3
	// DefaultCooldown is how long an open breaker short-circuits
	// attempts before allowing a probe.
	DefaultCooldown = 7 * 24 * time.Hour
)

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	OpenThreshold int
	Cooldown      time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.OpenThreshold <= 0 {
		c.OpenThreshold = DefaultOpenThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Breaker is a store-backed circuit breaker keyed by (processor, scope).
// State survives process restarts; the claim-probe path guarantees that
// exactly one caller per elapsed cooldown gets the probe attempt.
type Breaker struct {
	store store.Store
	cfg   BreakerConfig
}

// NewBreaker creates a Breaker. Zero config fields fall back to defaults.
func NewBreaker(st store.Store, cfg BreakerConfig) *Breaker {
	return &Breaker{store: st, cfg: cfg.withDefaults()}
}

// Allow reports whether an attempt for (processor, scope) may proceed.
// Closed breakers always allow. An open breaker allows only the single
// probe once the cooldown has elapsed; claiming the probe re-arms the
// cooldown so concurrent callers cannot all probe at once.
func (b *Breaker) Allow(ctx context.Context, processor string, scope model.Scope) (bool, error) {
	st, err := b.store.GetBreaker(ctx, processor, scope)
	if err != nil {
		return false, eris.Wrapf(err, "guard: breaker state %s/%s", processor, scope)
	}
	if st == nil || st.OpenedAt == nil {
		return true, nil
	}

	openedBefore := time.Now().UTC().Add(-b.cfg.Cooldown)
	if st.OpenedAt.After(openedBefore) {
		zap.L().Info("guard: breaker open, attempt short-circuited",
			zap.String("processor", processor),
			zap.String("scope", scope.String()),
			zap.Time("opened_at", *st.OpenedAt),
		)
		return false, nil
	}

	claimed, err := b.store.ClaimProbe(ctx, processor, scope, openedBefore)
	if err != nil {
		return false, eris.Wrapf(err, "guard: claim probe %s/%s", processor, scope)
	}
	if claimed {
		zap.L().Info("guard: breaker cooldown elapsed, probe allowed",
			zap.String("processor", processor),
			zap.String("scope", scope.String()),
		)
	}
	return claimed, nil
}

// RecordFailure counts a consecutive failure and opens the breaker at the
// threshold.
func (b *Breaker) RecordFailure(ctx context.Context, processor string, scope model.Scope) error {
	st, err := b.store.RecordBreakerFailure(ctx, processor, scope, b.cfg.OpenThreshold)
	if err != nil {
		return eris.Wrapf(err, "guard: record failure %s/%s", processor, scope)
	}
	if st.OpenedAt != nil && st.Failures == b.cfg.OpenThreshold {
		zap.L().Warn("guard: breaker opened",
			zap.String("processor", processor),
			zap.String("scope", scope.String()),
			zap.Int("failures", st.Failures),
			zap.Duration("cooldown", b.cfg.Cooldown),
		)
	}
	return nil
}

// RecordSuccess clears the breaker. A successful probe closes an open
// breaker; a success on a closed one resets the failure streak.
func (b *Breaker) RecordSuccess(ctx context.Context, processor string, scope model.Scope) error {
	if err := b.store.ResetBreaker(ctx, processor, scope); err != nil {
		return eris.Wrapf(err, "guard: reset breaker %s/%s", processor, scope)
	}
	return nil
}

// IsOpen reports whether the breaker is currently open, without claiming
// a probe. Status surfaces use this; the run path uses Allow.
func (b *Breaker) IsOpen(ctx context.Context, processor string, scope model.Scope) (bool, error) {
	st, err := b.store.GetBreaker(ctx, processor, scope)
	if err != nil {
		return false, eris.Wrapf(err, "guard: breaker state %s/%s", processor, scope)
	}
	if st == nil || st.OpenedAt == nil {
		return false, nil
	}
	return st.OpenedAt.After(time.Now().UTC().Add(-b.cfg.Cooldown)), nil
}
