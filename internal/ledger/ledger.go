// Package ledger is the run history ledger: the durable record of every
// processing attempt, plus the deduplication guard that keeps concurrent
// redeliveries of the same trigger from doing work twice.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/store"
)

// DefaultFreshness is how long a running record blocks new attempts for
// the same (processor, scope) before it is treated as abandoned.
const DefaultFreshness = 2 * time.Hour

// ReasonDuplicateInFlight is returned when a fresh running attempt for the
// same (processor, scope) already exists.
const ReasonDuplicateInFlight = "duplicate-in-flight"

// BeginResult is the outcome of BeginAttempt.
type BeginResult struct {
	// Proceed is true when this caller holds the attempt and must do the
	// work. Exactly one of any set of concurrent callers gets true.
	Proceed bool
	Reason  string
	// Run is the acquired attempt when Proceed is true, otherwise the
	// in-flight attempt that blocked this one.
	Run *model.RunRecord
}

// Ledger wraps the store's run records with the dedup policy.
type Ledger struct {
	store     store.Store
	freshness time.Duration
}

// New creates a Ledger. A non-positive freshness falls back to the default.
func New(st store.Store, freshness time.Duration) *Ledger {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Ledger{store: st, freshness: freshness}
}

// BeginAttempt atomically claims a new running attempt for (processor,
// scope). An existing running record younger than the freshness threshold
// blocks the claim; an older one is finalized as abandoned and the claim
// proceeds. Safe against at-least-once redelivery of the same trigger.
func (l *Ledger) BeginAttempt(ctx context.Context, processor string, scope model.Scope) (*BeginResult, error) {
	staleBefore := time.Now().UTC().Add(-l.freshness)

	res, err := l.store.AcquireRun(ctx, processor, scope, staleBefore)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: begin attempt %s/%s", processor, scope)
	}

	if !res.Acquired {
		zap.L().Debug("ledger: duplicate attempt blocked",
			zap.String("processor", processor),
			zap.String("scope", scope.String()),
			zap.Time("in_flight_since", res.Run.StartedAt),
		)
		return &BeginResult{Proceed: false, Reason: ReasonDuplicateInFlight, Run: res.Run}, nil
	}

	zap.L().Info("ledger: attempt started",
		zap.String("processor", processor),
		zap.String("scope", scope.String()),
		zap.Int("attempt", res.Run.Attempt),
	)
	return &BeginResult{Proceed: true, Run: res.Run}, nil
}

// EndAttempt finalizes a running attempt to success or failed. attemptErr
// may be nil for a success.
func (l *Ledger) EndAttempt(ctx context.Context, run *model.RunRecord, status model.RunStatus, attemptErr error) error {
	detail := ""
	if attemptErr != nil {
		detail = attemptErr.Error()
	}
	if err := l.store.EndRun(ctx, run.ID, status, detail); err != nil {
		return eris.Wrapf(err, "ledger: end attempt %s", run.ID)
	}

	zap.L().Info("ledger: attempt ended",
		zap.String("processor", run.Processor),
		zap.String("scope", run.Scope.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// Succeeded reports whether the processor has any success record for the
// scope.
func (l *Ledger) Succeeded(ctx context.Context, processor string, scope model.Scope) (bool, error) {
	scopes, err := l.store.SucceededScopes(ctx, processor, scope, scope)
	if err != nil {
		return false, eris.Wrapf(err, "ledger: succeeded %s/%s", processor, scope)
	}
	return len(scopes) > 0, nil
}

// MissingScopes lists the scopes in [from, to] with no success record for
// the processor, oldest first.
func (l *Ledger) MissingScopes(ctx context.Context, processor string, from, to model.Scope) ([]model.Scope, error) {
	succeeded, err := l.store.SucceededScopes(ctx, processor, from, to)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: missing scopes %s", processor)
	}

	have := make(map[model.Scope]bool, len(succeeded))
	for _, s := range succeeded {
		have[s] = true
	}

	var missing []model.Scope
	for _, s := range model.ScopeRange(from, to) {
		if !have[s] {
			missing = append(missing, s)
		}
	}
	return missing, nil
}

// LastRun returns the most recent attempt for (processor, scope), or nil
// when none exists.
func (l *Ledger) LastRun(ctx context.Context, processor string, scope model.Scope) (*model.RunRecord, error) {
	return l.store.LastRun(ctx, processor, scope)
}
