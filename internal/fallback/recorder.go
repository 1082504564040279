package fallback

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/store"
)

// Recorder resolves chains and persists the resulting quality assessment
// per (scope, entity), so downstream consumers can read tier, score, and
// the production_ready gate without re-running the chain.
type Recorder struct {
	resolver *Resolver
	store    store.Store
}

// NewRecorder wraps a Resolver with assessment persistence.
func NewRecorder(res *Resolver, st store.Store) *Recorder {
	return &Recorder{resolver: res, store: st}
}

// Resolve runs the chain and saves the assessment. The assessment is
// saved for every settled decision, including skip and placeholder, so
// the record shows why an entity was left out. A fail-policy exhaustion
// saves nothing: the scope's processing aborts and will be retried.
func (r *Recorder) Resolve(ctx context.Context, chainName string, scope model.Scope, entityID string, extractors map[string]Extractor) (*Result, error) {
	res, err := r.resolver.Resolve(ctx, chainName, extractors)
	if err != nil {
		return res, err
	}

	if saveErr := r.store.SaveQuality(ctx, scope, entityID, res.Quality); saveErr != nil {
		// The resolution itself stands; a lost assessment is recoverable
		// by re-resolving.
		zap.L().Warn("fallback: save assessment failed",
			zap.String("chain", chainName),
			zap.String("scope", scope.String()),
			zap.String("entity", entityID),
			zap.Error(saveErr),
		)
	}
	return res, nil
}

// Assessment reads a previously recorded quality assessment.
func (r *Recorder) Assessment(ctx context.Context, scope model.Scope, entityID string) (*model.QualityAssessment, error) {
	q, err := r.store.GetQuality(ctx, scope, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "fallback: assessment %s/%s", scope, entityID)
	}
	return q, nil
}
