package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/aggregator"
	"github.com/courtline/statpipe/internal/alerting"
	"github.com/courtline/statpipe/internal/changedetect"
	"github.com/courtline/statpipe/internal/events"
	"github.com/courtline/statpipe/internal/fallback"
	"github.com/courtline/statpipe/internal/guard"
	"github.com/courtline/statpipe/internal/ledger"
	"github.com/courtline/statpipe/internal/reconcile"
	"github.com/courtline/statpipe/internal/store"
)

// engineEnv holds the initialized store and engine components shared by
// the serve/run/sweep/status/check commands.
type engineEnv struct {
	Store      store.Store
	Bus        *events.Bus
	Emitter    events.Emitter
	Aggregator *aggregator.Aggregator
	Ledger     *ledger.Ledger
	Guard      *guard.DependencyGuard
	Breaker    *guard.Breaker
	Detector   *changedetect.Detector
	Alerter    *alerting.Alerter
	Sweep      *reconcile.Sweep
	Fallback   *fallback.Recorder
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEngine sets up the store and wires every engine component from
// config. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	bus := events.NewBus()

	// Triggers go to the configured webhook when one is set; otherwise
	// they stay on the in-process bus for subscribers.
	var emitter events.Emitter = bus
	if cfg.Events.TriggerWebhookURL != "" {
		wh := events.NewWebhookEmitter(cfg.Events.TriggerWebhookURL)
		emitter = events.Tee(wh, bus)
		zap.L().Info("trigger webhook enabled")
	}

	agg, err := aggregator.New(st, emitter, cfg.Stages)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	alerter := alerting.New(alerting.Config{
		WebhookURL:    cfg.Alerting.WebhookURL,
		Backfill:      cfg.Backfill,
		DigestPerHour: cfg.Alerting.DigestPerHour,
	})

	led := ledger.New(st, cfg.Ledger.Freshness())

	env := &engineEnv{
		Store:      st,
		Bus:        bus,
		Emitter:    emitter,
		Aggregator: agg,
		Ledger:     led,
		Guard:      guard.NewDependencyGuard(led, cfg.Backfill),
		Breaker: guard.NewBreaker(st, guard.BreakerConfig{
			OpenThreshold: cfg.Breaker.OpenThreshold,
			Cooldown:      cfg.Breaker.Cooldown(),
		}),
		Alerter: alerter,
		Sweep: reconcile.New(st, agg, reconcile.Config{
			StaleAfter:  cfg.Sweep.StaleAfter(),
			Concurrency: cfg.Sweep.Concurrency,
		}),
	}

	if len(cfg.Detect.ComparisonFields) > 0 {
		det, err := changedetect.New(st, cfg.Detect.ComparisonFields)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Detector = det
	}

	// Fallback chains are optional at the engine level; a missing file is
	// fine, a malformed one is a startup failure and alerts immediately.
	if cfg.Fallback.ConfigPath != "" {
		fbCfg, err := fallback.LoadConfig(cfg.Fallback.ConfigPath)
		switch {
		case err == nil:
			env.Fallback = fallback.NewRecorder(fallback.NewResolver(fbCfg), st)
		case isNotExist(err):
			zap.L().Debug("no fallback config, resolver disabled")
		default:
			alerter.Raise(ctx, alerting.Alert{
				Type:     alerting.AlertConfigError,
				Severity: "critical",
				Message:  err.Error(),
			})
			env.Close()
			return nil, err
		}
	}

	return env, nil
}
