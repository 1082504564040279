// Package aggregator implements exactly-once fan-in: it registers per-task
// completion events against shared batch state and emits the next-stage
// trigger exactly once per batch, no matter how many duplicate or
// concurrent completions arrive.
package aggregator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/events"
	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/resilience"
	"github.com/courtline/statpipe/internal/store"
)

// StageConfig describes one stage transition the aggregator fans in.
type StageConfig struct {
	// Name is the stage whose task completions are aggregated.
	Name string `yaml:"name" mapstructure:"name"`
	// Expected is the number of distinct tasks that must report success
	// before the transition fires.
	Expected int `yaml:"expected" mapstructure:"expected"`
	// Next is the stage the trigger event starts.
	Next string `yaml:"next" mapstructure:"next"`
}

// Aggregator consumes completion events and emits stage triggers.
type Aggregator struct {
	store   store.Store
	emitter events.Emitter
	stages  map[string]StageConfig
	retry   resilience.RetryConfig
}

// New creates an Aggregator over the given stage transitions.
func New(st store.Store, emitter events.Emitter, stages []StageConfig) (*Aggregator, error) {
	byName := make(map[string]StageConfig, len(stages))
	for _, sc := range stages {
		if sc.Name == "" {
			return nil, eris.New("aggregator: stage with empty name")
		}
		if sc.Expected <= 0 {
			return nil, eris.Errorf("aggregator: stage %s: expected task count must be positive", sc.Name)
		}
		if _, dup := byName[sc.Name]; dup {
			return nil, eris.Errorf("aggregator: duplicate stage %s", sc.Name)
		}
		byName[sc.Name] = sc
	}
	return &Aggregator{
		store:   st,
		emitter: emitter,
		stages:  byName,
		retry:   resilience.DefaultRetryConfig(),
	}, nil
}

// Register applies one completion event. Returns true for exactly one call
// per batch: the one whose store transaction committed the trigger claim.
// Failed completions are recorded but never advance the count. Duplicate
// (batch, task) deliveries are observed and dropped.
//
// The trigger event is emitted strictly after the transaction commits. If
// the emit itself fails the batch stays triggered with no delivery on
// record; the reconciliation sweep closes that gap.
func (a *Aggregator) Register(ctx context.Context, ev model.Event) (bool, error) {
	sc, ok := a.stages[ev.Stage]
	if !ok {
		return false, eris.Errorf("aggregator: unknown stage %q", ev.Stage)
	}

	rec := model.CompletionRecord{
		TaskName:        ev.Processor,
		Status:          ev.Status,
		CorrelationID:   ev.CorrelationID,
		RecordCount:     ev.RecordCount,
		Timestamp:       ev.Timestamp,
		ChangedEntities: ev.ChangedEntities,
	}

	res, err := resilience.DoVal(ctx, a.retry, func(ctx context.Context) (*store.RegisterResult, error) {
		return a.store.RegisterCompletion(ctx, sc.Name, ev.ScopeKey, sc.Expected, rec)
	})
	if err != nil {
		return false, eris.Wrapf(err, "aggregator: register %s/%s", ev.Stage, ev.Processor)
	}

	log := zap.L().With(
		zap.String("stage", sc.Name),
		zap.String("scope", ev.ScopeKey.String()),
		zap.String("task", ev.Processor),
	)

	if !res.Applied {
		log.Debug("aggregator: duplicate completion ignored")
		return false, nil
	}

	log.Info("aggregator: completion registered",
		zap.String("status", string(ev.Status)),
		zap.Int("registered", res.Batch.Successes),
		zap.Int("expected", res.Batch.Expected),
	)

	if !res.ShouldTrigger {
		return false, nil
	}

	a.emitTrigger(ctx, sc, res.Batch, ev.CorrelationID)
	return true, nil
}

// ReemitTrigger re-delivers the next-stage trigger for an already
// triggered batch whose original emit was lost. The reconciliation sweep
// is the caller; a fresh correlation id is minted since the original one
// died with the lost delivery.
func (a *Aggregator) ReemitTrigger(ctx context.Context, batch *model.Batch) error {
	sc, ok := a.stages[batch.Stage]
	if !ok {
		return eris.Errorf("aggregator: unknown stage %q for batch %s", batch.Stage, batch.Key)
	}
	return a.emitTrigger(ctx, sc, batch, uuid.NewString())
}

// emitTrigger delivers the next-stage trigger for a committed batch and
// records the delivery. Failures are logged and returned; Register drops
// the error because the claim already committed and the sweep re-emits.
func (a *Aggregator) emitTrigger(ctx context.Context, sc StageConfig, batch *model.Batch, correlationID string) error {
	trigger := model.Event{
		Processor:     "aggregator",
		Phase:         model.PhaseTrigger,
		Stage:         sc.Next,
		ScopeKey:      batch.Scope,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}

	log := zap.L().With(
		zap.String("stage", sc.Name),
		zap.String("next", sc.Next),
		zap.String("scope", batch.Scope.String()),
	)

	if err := a.emitter.Emit(ctx, trigger); err != nil {
		log.Error("aggregator: trigger emit failed, sweep will re-emit", zap.Error(err))
		return eris.Wrapf(err, "aggregator: emit trigger %s", batch.Key)
	}
	if err := a.store.MarkTriggerEmitted(ctx, batch.Key); err != nil {
		log.Warn("aggregator: trigger delivered but not recorded", zap.Error(err))
		return eris.Wrapf(err, "aggregator: mark emitted %s", batch.Key)
	}
	log.Info("aggregator: stage trigger emitted")
	return nil
}

// Stage returns the configuration for a stage, if known.
func (a *Aggregator) Stage(name string) (StageConfig, bool) {
	sc, ok := a.stages[name]
	return sc, ok
}
