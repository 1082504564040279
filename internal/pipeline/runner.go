// Package pipeline runs stage tasks through the engine's guard rails:
// dedup, circuit breaker, dependency guard, and change detection, in that
// order, then records the outcome and emits the completion event.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courtline/statpipe/internal/alerting"
	"github.com/courtline/statpipe/internal/changedetect"
	"github.com/courtline/statpipe/internal/events"
	"github.com/courtline/statpipe/internal/fallback"
	"github.com/courtline/statpipe/internal/guard"
	"github.com/courtline/statpipe/internal/ledger"
	"github.com/courtline/statpipe/internal/model"
)

// TaskContext carries per-invocation inputs into a task.
type TaskContext struct {
	Scope    model.Scope
	Backfill bool
	// Changed restricts the work set when change detection ran. Check
	// FullBatch before relying on ChangedIDs.
	Changed changedetect.Result
}

// TaskOutcome is what a task reports on success.
type TaskOutcome struct {
	RecordCount     int
	ChangedEntities []string
}

// Task is one unit of stage work: a processor that handles a single
// scope end to end.
type Task interface {
	Name() string
	Stage() string
	Run(ctx context.Context, tc TaskContext) (*TaskOutcome, error)
}

// Dependency names the upstream a task needs and how far back to check.
type Dependency struct {
	Upstream string
	Lookback int
}

// Runner executes tasks behind the engine's checks.
type Runner struct {
	ledger   *ledger.Ledger
	guard    *guard.DependencyGuard
	breaker  *guard.Breaker
	detector *changedetect.Detector
	emitter  events.Emitter
	alerter  *alerting.Alerter

	deps     map[string]Dependency
	backfill bool
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithDetector enables change detection for tasks run by this Runner.
func WithDetector(d *changedetect.Detector) RunnerOption {
	return func(r *Runner) { r.detector = d }
}

// WithDependency declares an upstream check for the named processor.
func WithDependency(processor string, dep Dependency) RunnerOption {
	return func(r *Runner) { r.deps[processor] = dep }
}

// WithBackfill switches the Runner to backfill mode: dependency checks
// are bypassed and alerts go to the digest. The breaker still gates
// attempts; an open circuit short-circuits backfill work too.
func WithBackfill() RunnerOption {
	return func(r *Runner) { r.backfill = true }
}

// NewRunner wires a Runner. The guard passed in must already reflect the
// backfill mode used here.
func NewRunner(led *ledger.Ledger, dg *guard.DependencyGuard, br *guard.Breaker, emitter events.Emitter, alerter *alerting.Alerter, opts ...RunnerOption) *Runner {
	r := &Runner{
		ledger:  led,
		guard:   dg,
		breaker: br,
		emitter: emitter,
		alerter: alerter,
		deps:    make(map[string]Dependency),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunTask executes one task for one scope behind every check. The order
// is fixed: dedup first so a duplicate trigger costs one ledger read,
// breaker second so known-bad work is short-circuited before any upstream
// queries, dependency guard third, change detection last.
//
// A blocked attempt (duplicate, open breaker) returns nil: the trigger
// was consumed, there is nothing to retry. Dependency and task failures
// return the error after recording it.
func (r *Runner) RunTask(ctx context.Context, t Task, scope model.Scope) error {
	log := zap.L().With(
		zap.String("processor", t.Name()),
		zap.String("scope", scope.String()),
	)

	begin, err := r.ledger.BeginAttempt(ctx, t.Name(), scope)
	if err != nil {
		return err
	}
	if !begin.Proceed {
		log.Info("pipeline: duplicate attempt skipped", zap.String("reason", begin.Reason))
		return nil
	}

	// The breaker gates every mode. Backfill relaxes dependency checks
	// and alert delivery, not the known-bad short-circuit.
	allowed, err := r.breaker.Allow(ctx, t.Name(), scope)
	if err != nil {
		return r.finish(ctx, t, scope, begin.Run, nil, err)
	}
	if !allowed {
		r.alerter.Raise(ctx, alerting.Alert{
			Type:     alerting.AlertBreakerOpen,
			Severity: "warning",
			Message:  "breaker open for " + t.Name() + "/" + scope.String() + ", attempt short-circuited",
		})
		// Finalize the attempt so the running record does not
		// linger; the breaker count itself is untouched.
		return r.ledger.EndAttempt(ctx, begin.Run, model.RunStatusFailed, errors.New("breaker open"))
	}

	if dep, ok := r.deps[t.Name()]; ok {
		if err := r.guard.Require(ctx, scope, dep.Upstream, dep.Lookback); err != nil {
			var depErr *guard.DependencyError
			if errors.As(err, &depErr) {
				r.alerter.Raise(ctx, alerting.Alert{
					Type:     alerting.AlertDependencyGap,
					Severity: "high",
					Message:  depErr.Error(),
					Details: map[string]any{
						"remediation": depErr.Remediation(),
						"missing":     depErr.Missing,
					},
				})
			}
			return r.finish(ctx, t, scope, begin.Run, nil, err)
		}
	}

	tc := TaskContext{Scope: scope, Backfill: r.backfill}
	if r.detector != nil {
		tc.Changed = r.detector.DetectChanges(ctx, scope)
		if tc.Changed.NoOp() {
			log.Info("pipeline: no entities changed, nothing to do")
		}
	}

	out, err := t.Run(ctx, tc)
	if err != nil {
		var exhausted *fallback.SourceExhaustionError
		if errors.As(err, &exhausted) {
			r.alerter.Raise(ctx, alerting.Alert{
				Type:     alerting.AlertSourceExhaustion,
				Severity: "high",
				Message:  exhausted.Error(),
			})
		}
		return r.finish(ctx, t, scope, begin.Run, nil, err)
	}

	if r.detector != nil {
		if err := r.detector.Commit(ctx, scope); err != nil {
			// The work itself succeeded; a failed promote only costs
			// change-detection efficiency on the next run.
			log.Warn("pipeline: snapshot promote failed", zap.Error(err))
		}
	}
	return r.finish(ctx, t, scope, begin.Run, out, nil)
}

// finish writes the terminal ledger record, updates the breaker, and
// emits the completion event. It runs for every settled attempt, success
// or failure, so downstream fan-in always sees the task report.
func (r *Runner) finish(ctx context.Context, t Task, scope model.Scope, run *model.RunRecord, out *TaskOutcome, taskErr error) error {
	status := model.RunStatusSuccess
	completion := model.CompletionSuccess
	if taskErr != nil {
		status = model.RunStatusFailed
		completion = model.CompletionFailure
	}

	if err := r.ledger.EndAttempt(ctx, run, status, taskErr); err != nil {
		zap.L().Error("pipeline: end attempt failed",
			zap.String("processor", t.Name()),
			zap.Error(err),
		)
	}

	if taskErr != nil {
		if err := r.breaker.RecordFailure(ctx, t.Name(), scope); err != nil {
			zap.L().Warn("pipeline: breaker record failed", zap.Error(err))
		}
	} else {
		if err := r.breaker.RecordSuccess(ctx, t.Name(), scope); err != nil {
			zap.L().Warn("pipeline: breaker reset failed", zap.Error(err))
		}
	}

	ev := model.Event{
		Processor:     t.Name(),
		Phase:         model.PhaseCompletion,
		Stage:         t.Stage(),
		ScopeKey:      scope,
		CorrelationID: uuid.NewString(),
		Status:        completion,
		Timestamp:     time.Now().UTC(),
	}
	if out != nil {
		ev.RecordCount = out.RecordCount
		ev.ChangedEntities = out.ChangedEntities
	}
	if err := r.emitter.Emit(ctx, ev); err != nil {
		zap.L().Error("pipeline: completion emit failed",
			zap.String("processor", t.Name()),
			zap.String("scope", scope.String()),
			zap.Error(err),
		)
	}

	if taskErr != nil {
		return eris.Wrapf(taskErr, "pipeline: %s failed for %s", t.Name(), scope)
	}
	return nil
}

// RunScopes runs one task across a scope range with bounded concurrency.
// Backfill runs use this to grind through thousands of scopes; each scope
// still goes through the full RunTask path.
func (r *Runner) RunScopes(ctx context.Context, t Task, from, to model.Scope, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, scope := range model.ScopeRange(from, to) {
		scope := scope
		g.Go(func() error {
			return r.RunTask(gctx, t, scope)
		})
	}
	return g.Wait()
}
