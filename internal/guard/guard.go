// Package guard gates stage work on upstream completeness and recent
// failure history. The dependency guard checks the ledger before a task
// runs; the circuit breaker short-circuits tasks that keep failing.
package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/ledger"
	"github.com/courtline/statpipe/internal/model"
)

// DependencyError reports an upstream that is incomplete or gapped. It is
// fatal to the current attempt and carries the structure needed to drive
// remediation.
type DependencyError struct {
	Processor string
	Scope     model.Scope
	Missing   []model.Scope
	Reason    string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("guard: dependency %s not ready for %s: %s", e.Processor, e.Scope, e.Reason)
}

// Remediation returns the human-actionable hint: which processor and
// scopes to re-run before retrying.
func (e *DependencyError) Remediation() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("re-run %s for %s, then retry", e.Processor, e.Scope)
	}
	scopes := make([]string, len(e.Missing))
	for i, s := range e.Missing {
		scopes[i] = s.String()
	}
	return fmt.Sprintf("re-run %s for scopes [%s], then retry", e.Processor, strings.Join(scopes, ", "))
}

// Readiness is the outcome of a dependency check.
type Readiness struct {
	OK      bool
	Reason  string
	Missing []model.Scope
}

// DependencyGuard verifies upstream completeness against the run ledger.
type DependencyGuard struct {
	ledger   *ledger.Ledger
	backfill bool
}

// NewDependencyGuard creates a guard. In backfill mode both checks are
// bypassed; completeness is validated in bulk afterwards, not per scope.
func NewDependencyGuard(led *ledger.Ledger, backfill bool) *DependencyGuard {
	return &DependencyGuard{ledger: led, backfill: backfill}
}

// CheckReady runs two checks unless backfill mode is on: the upstream
// processor must have succeeded for the immediately preceding scope, and
// the lookback window must contain no gaps. A failed check returns
// ok=false with the missing scopes; the caller must not proceed.
func (g *DependencyGuard) CheckReady(ctx context.Context, scope model.Scope, upstream string, lookback int) (*Readiness, error) {
	if g.backfill {
		return &Readiness{OK: true, Reason: "backfill mode, checks bypassed"}, nil
	}

	prev := scope.Prev()
	ok, err := g.ledger.Succeeded(ctx, upstream, prev)
	if err != nil {
		return nil, eris.Wrapf(err, "guard: check %s for %s", upstream, scope)
	}
	if !ok {
		zap.L().Warn("guard: upstream missing preceding scope",
			zap.String("upstream", upstream),
			zap.String("scope", scope.String()),
			zap.String("missing", prev.String()),
		)
		return &Readiness{
			OK:      false,
			Reason:  fmt.Sprintf("%s has no success for preceding scope %s", upstream, prev),
			Missing: []model.Scope{prev},
		}, nil
	}

	if lookback > 1 {
		from := scope.AddDays(-lookback)
		missing, err := g.ledger.MissingScopes(ctx, upstream, from, prev)
		if err != nil {
			return nil, eris.Wrapf(err, "guard: lookback %s for %s", upstream, scope)
		}
		if len(missing) > 0 {
			zap.L().Warn("guard: gap in upstream history",
				zap.String("upstream", upstream),
				zap.String("scope", scope.String()),
				zap.Int("lookback", lookback),
				zap.Int("gaps", len(missing)),
			)
			return &Readiness{
				OK:      false,
				Reason:  fmt.Sprintf("%s has %d gap(s) in the last %d scopes", upstream, len(missing), lookback),
				Missing: missing,
			}, nil
		}
	}

	return &Readiness{OK: true}, nil
}

// Require is CheckReady with the failure lifted into a DependencyError.
func (g *DependencyGuard) Require(ctx context.Context, scope model.Scope, upstream string, lookback int) error {
	r, err := g.CheckReady(ctx, scope, upstream, lookback)
	if err != nil {
		return err
	}
	if !r.OK {
		return &DependencyError{Processor: upstream, Scope: scope, Missing: r.Missing, Reason: r.Reason}
	}
	return nil
}
