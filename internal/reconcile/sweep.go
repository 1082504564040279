// Package reconcile is the safety net behind the event-driven path: a
// periodic job that re-emits lost stage triggers and surfaces batches
// stuck incomplete, making fan-in eventually reliable instead of
// best-effort.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courtline/statpipe/internal/aggregator"
	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/store"
)

// DefaultStaleAfter is how old an incomplete batch must be before the
// sweep reports it for operator attention.
const DefaultStaleAfter = 6 * time.Hour

// StaleBatch is one incomplete batch past the staleness threshold.
type StaleBatch struct {
	Key        string
	Stage      string
	Scope      model.Scope
	Registered int
	Expected   int
	Age        time.Duration
}

// Report summarizes one sweep pass. Running the sweep again immediately
// yields zeros for Claimed and Reemitted.
type Report struct {
	Scanned   int
	Claimed   int
	Reemitted int
	Stale     []StaleBatch
}

// Config tunes a Sweep.
type Config struct {
	StaleAfter  time.Duration
	Concurrency int
}

// Sweep scans batches in a scope range and repairs the commit-then-emit
// gap.
type Sweep struct {
	store store.Store
	agg   *aggregator.Aggregator
	cfg   Config
}

func New(st store.Store, agg *aggregator.Aggregator, cfg Config) *Sweep {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Sweep{store: st, agg: agg, cfg: cfg}
}

// Reconcile scans every batch whose scope falls in [from, to] and repairs
// two gaps: complete batches whose trigger claim never happened, and
// triggered batches whose emit was lost before delivery was recorded.
// Already-triggered, already-emitted batches are untouched, so the sweep
// is safe to run arbitrarily often.
func (s *Sweep) Reconcile(ctx context.Context, from, to model.Scope) (*Report, error) {
	batches, err := s.store.ListBatches(ctx, store.BatchFilter{ScopeFrom: from, ScopeTo: to})
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: list batches %s..%s", from, to)
	}

	now := time.Now().UTC()
	rep := &Report{Scanned: len(batches)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for i := range batches {
		b := batches[i]
		g.Go(func() error {
			switch {
			case b.Triggered && b.EmittedAt == nil:
				if err := s.reemit(gctx, &b); err != nil {
					zap.L().Warn("reconcile: re-emit failed",
						zap.String("batch", b.Key),
						zap.Error(err),
					)
					return nil
				}
				mu.Lock()
				rep.Reemitted++
				mu.Unlock()

			case !b.Triggered && b.Complete():
				claimed, err := s.claim(gctx, &b)
				if err != nil {
					zap.L().Warn("reconcile: claim failed",
						zap.String("batch", b.Key),
						zap.Error(err),
					)
					return nil
				}
				if claimed {
					mu.Lock()
					rep.Claimed++
					rep.Reemitted++
					mu.Unlock()
				}

			case !b.Triggered && now.Sub(b.CreatedAt) > s.cfg.StaleAfter:
				mu.Lock()
				rep.Stale = append(rep.Stale, StaleBatch{
					Key:        b.Key,
					Stage:      b.Stage,
					Scope:      b.Scope,
					Registered: b.Successes,
					Expected:   b.Expected,
					Age:        now.Sub(b.CreatedAt),
				})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, st := range rep.Stale {
		zap.L().Warn("reconcile: batch stuck incomplete",
			zap.String("batch", st.Key),
			zap.Int("registered", st.Registered),
			zap.Int("expected", st.Expected),
			zap.Duration("age", st.Age),
		)
	}
	zap.L().Info("reconcile: sweep done",
		zap.Int("scanned", rep.Scanned),
		zap.Int("claimed", rep.Claimed),
		zap.Int("reemitted", rep.Reemitted),
		zap.Int("stale", len(rep.Stale)),
	)
	return rep, nil
}

// reemit re-delivers the trigger for a batch whose claim committed but
// whose emit was lost.
func (s *Sweep) reemit(ctx context.Context, b *model.Batch) error {
	zap.L().Info("reconcile: re-emitting lost trigger",
		zap.String("batch", b.Key),
		zap.String("stage", b.Stage),
	)
	return s.agg.ReemitTrigger(ctx, b)
}

// claim handles a batch that completed without any caller winning the
// trigger. Exactly one sweep or aggregator wins the claim; the loser sees
// claimed=false and does nothing.
func (s *Sweep) claim(ctx context.Context, b *model.Batch) (bool, error) {
	claimed, err := s.store.ClaimTrigger(ctx, b.Key)
	if err != nil {
		return false, eris.Wrapf(err, "reconcile: claim trigger %s", b.Key)
	}
	if !claimed {
		return false, nil
	}
	if err := s.agg.ReemitTrigger(ctx, b); err != nil {
		// The claim is durable; the next sweep pass re-emits.
		return true, err
	}
	return true, nil
}
