package fallback

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/courtline/statpipe/internal/model"
)

// Decision is the caller-visible outcome of resolving a chain.
type Decision string

const (
	DecisionOK          Decision = "ok"
	DecisionSkip        Decision = "skip"
	DecisionPlaceholder Decision = "placeholder"
	DecisionFail        Decision = "fail"
)

// Data is what an extractor returned for one source, plus the
// characteristics the scorer needs. A nil Value counts as empty and the
// chain moves to the next source.
type Data struct {
	Value               any
	Reconstructed       bool
	MissingEnhancements int
	MinorOmissions      int
	SampleSize          int
}

// Extractor produces data from one named source.
type Extractor func(ctx context.Context) (*Data, error)

// Attempt records one source try, for diagnostics.
type Attempt struct {
	Source string
	Err    error
	Empty  bool
}

// Result is the outcome of resolving a chain for one record.
type Result struct {
	Data     *Data
	Quality  model.QualityAssessment
	Decision Decision
	Attempts []Attempt
}

// SourceExhaustionError is raised when every source in a fail-policy
// chain failed. It aborts the current scope's processing.
type SourceExhaustionError struct {
	Chain    string
	Attempts []Attempt
}

func (e *SourceExhaustionError) Error() string {
	tried := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		tried[i] = a.Source
	}
	return fmt.Sprintf("fallback: all sources exhausted for chain %q (tried %s)", e.Chain, strings.Join(tried, ", "))
}

// Resolver runs fallback chains against caller-supplied extractors.
type Resolver struct {
	cfg *Config
}

func NewResolver(cfg *Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve tries the chain's sources in declared order. The first source
// returning non-empty data without error wins; its position and data
// characteristics determine the quality score. When every source fails,
// the chain's on_all_fail policy governs the decision. Degraded outcomes
// (skip, placeholder, continue-degraded) are results, not errors; only a
// fail-policy exhaustion returns an error.
func (r *Resolver) Resolve(ctx context.Context, chainName string, extractors map[string]Extractor) (*Result, error) {
	ch, ok := r.cfg.Chain(chainName)
	if !ok {
		return nil, fmt.Errorf("fallback: unknown chain %q", chainName)
	}

	res := &Result{}
	for idx, step := range ch.Sources {
		ext, ok := extractors[step.Name]
		if !ok {
			res.Attempts = append(res.Attempts, Attempt{Source: step.Name, Err: fmt.Errorf("no extractor registered")})
			continue
		}

		data, err := ext(ctx)
		if err != nil {
			zap.L().Debug("fallback: source failed",
				zap.String("chain", chainName),
				zap.String("source", step.Name),
				zap.Error(err),
			)
			res.Attempts = append(res.Attempts, Attempt{Source: step.Name, Err: err})
			continue
		}
		if data == nil || data.Value == nil {
			res.Attempts = append(res.Attempts, Attempt{Source: step.Name, Empty: true})
			continue
		}

		res.Attempts = append(res.Attempts, Attempt{Source: step.Name})
		res.Data = data
		res.Decision = DecisionOK
		res.Quality = r.score(ch, idx, step.Name, data)
		if idx > 0 {
			zap.L().Info("fallback: resolved via fallback source",
				zap.String("chain", chainName),
				zap.String("source", step.Name),
				zap.Int("position", idx),
				zap.Int("score", res.Quality.Score),
				zap.String("tier", string(res.Quality.Tier)),
			)
		}
		return res, nil
	}

	return r.exhausted(chainName, ch, res)
}

// exhausted applies the chain's on_all_fail policy.
func (r *Resolver) exhausted(chainName string, ch ChainConfig, res *Result) (*Result, error) {
	zap.L().Warn("fallback: all sources failed",
		zap.String("chain", chainName),
		zap.String("policy", string(ch.OnAllFail)),
	)

	switch ch.OnAllFail {
	case PolicySkip:
		res.Decision = DecisionSkip
		res.Quality = model.QualityAssessment{
			Tier:   model.TierUnusable,
			Issues: []string{model.IssueAllSourcesFailed},
		}
		res.Quality.DeriveProductionReady()
		return res, nil

	case PolicyPlaceholder:
		res.Decision = DecisionPlaceholder
		res.Quality = model.QualityAssessment{
			Tier:   model.TierUnusable,
			Score:  0,
			Issues: []string{model.IssueAllSourcesFailed, model.IssuePlaceholderCreated},
		}
		res.Quality.DeriveProductionReady()
		return res, nil

	case PolicyContinueDegrade:
		// Proceed without the data at a fixed penalty on top of the
		// full chain's fallback deductions.
		score := 100
		for i := range ch.Sources {
			score -= r.cfg.stepPenalty(ch, i)
		}
		score -= r.cfg.Defaults.DegradedPenalty
		if score < 0 {
			score = 0
		}
		res.Decision = DecisionOK
		res.Quality = model.QualityAssessment{
			Tier:   model.TierForScore(score),
			Score:  score,
			Issues: []string{model.IssueAllSourcesFailed, model.IssueDegradedContinue},
		}
		res.Quality.DeriveProductionReady()
		return res, nil

	default: // PolicyFail
		res.Decision = DecisionFail
		return res, &SourceExhaustionError{Chain: chainName, Attempts: res.Attempts}
	}
}

// score computes the quality assessment for a winning source at chain
// position idx. Deductions accumulate: reaching position 2 means both the
// first and the second fallback penalties apply.
func (r *Resolver) score(ch ChainConfig, idx int, source string, data *Data) model.QualityAssessment {
	score := 100
	var issues []string

	for i := 1; i <= idx; i++ {
		score -= r.cfg.stepPenalty(ch, i)
	}

	if data.Reconstructed {
		score -= 15
		issues = append(issues, model.IssueReconstructed)
	}
	if data.MissingEnhancements > 0 {
		score -= 15
		issues = append(issues, model.IssueMissingEnhancement)
	}
	if data.MinorOmissions > 0 {
		score -= 5 * data.MinorOmissions
		issues = append(issues, model.IssueMinorOmission)
	}
	if ch.MinSampleSize > 0 && data.SampleSize > 0 && data.SampleSize < ch.MinSampleSize {
		score -= 15
		issues = append(issues, model.IssueThinSample)
	}
	if score < 0 {
		score = 0
	}

	q := model.QualityAssessment{
		Tier:        model.TierForScore(score),
		Score:       score,
		Issues:      issues,
		SourcesUsed: []string{source},
	}
	q.DeriveProductionReady()
	return q
}
