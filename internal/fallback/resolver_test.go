package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtline/statpipe/internal/model"
)

func testConfig(t *testing.T, policy Policy) *Config {
	t.Helper()
	cfg := &Config{
		Sources: map[string]SourceDef{
			"play_by_play":   {},
			"box_score":      {},
			"season_average": {},
		},
		Chains: map[string]ChainConfig{
			"player_stats": {
				Sources: []SourceStep{
					{Name: "play_by_play"},
					{Name: "box_score"},
					{Name: "season_average"},
				},
				OnAllFail: policy,
			},
		},
	}
	cfg.applyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func success(data *Data) Extractor {
	return func(context.Context) (*Data, error) { return data, nil }
}

func failing(err error) Extractor {
	return func(context.Context) (*Data, error) { return nil, err }
}

func empty() Extractor {
	return func(context.Context) (*Data, error) { return &Data{}, nil }
}

func TestResolve_PrimaryWins(t *testing.T) {
	r := NewResolver(testConfig(t, PolicySkip))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"play_by_play": success(&Data{Value: "stats"}),
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionOK, res.Decision)
	assert.Equal(t, 100, res.Quality.Score)
	assert.Equal(t, model.TierGold, res.Quality.Tier)
	assert.True(t, res.Quality.ProductionReady)
	assert.Equal(t, []string{"play_by_play"}, res.Quality.SourcesUsed)
	assert.Equal(t, 1.0, res.Quality.Tier.ConfidenceCeiling())
}

func TestResolve_FirstFallback(t *testing.T) {
	r := NewResolver(testConfig(t, PolicySkip))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"play_by_play": failing(errors.New("feed down")),
		"box_score":    success(&Data{Value: "stats"}),
	})
	require.NoError(t, err)

	assert.Equal(t, 85, res.Quality.Score)
	assert.Equal(t, model.TierSilver, res.Quality.Tier)
	assert.True(t, res.Quality.ProductionReady)
	require.Len(t, res.Attempts, 2)
	assert.Error(t, res.Attempts[0].Err)
}

func TestResolve_SecondFallbackAccumulates(t *testing.T) {
	r := NewResolver(testConfig(t, PolicySkip))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"play_by_play":   failing(errors.New("feed down")),
		"box_score":      empty(),
		"season_average": success(&Data{Value: "stats"}),
	})
	require.NoError(t, err)

	// Reaching position 2 costs both fallback penalties: 100 - 15 - 20.
	assert.Equal(t, 65, res.Quality.Score)
	assert.Equal(t, model.TierBronze, res.Quality.Tier)
	assert.True(t, res.Quality.ProductionReady)
}

func TestResolve_EmptyDataFallsThrough(t *testing.T) {
	r := NewResolver(testConfig(t, PolicySkip))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"play_by_play": empty(),
		"box_score":    success(&Data{Value: "stats"}),
	})
	require.NoError(t, err)

	assert.True(t, res.Attempts[0].Empty)
	assert.Equal(t, []string{"box_score"}, res.Quality.SourcesUsed)
}

func TestResolve_DataCharacteristicDeductions(t *testing.T) {
	cfg := testConfig(t, PolicySkip)
	ch := cfg.Chains["player_stats"]
	ch.MinSampleSize = 10
	cfg.Chains["player_stats"] = ch
	r := NewResolver(cfg)

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"play_by_play": success(&Data{
			Value:               "stats",
			Reconstructed:       true,
			MissingEnhancements: 1,
			MinorOmissions:      2,
			SampleSize:          4,
		}),
	})
	require.NoError(t, err)

	// 100 - 15 (reconstructed) - 15 (enhancement) - 10 (two omissions)
	// - 15 (thin sample).
	assert.Equal(t, 45, res.Quality.Score)
	assert.Equal(t, model.TierPoor, res.Quality.Tier)
	assert.False(t, res.Quality.ProductionReady)
	assert.ElementsMatch(t, []string{
		model.IssueReconstructed,
		model.IssueMissingEnhancement,
		model.IssueMinorOmission,
		model.IssueThinSample,
	}, res.Quality.Issues)
}

func TestResolve_ScoreFloorsAtZero(t *testing.T) {
	r := NewResolver(testConfig(t, PolicySkip))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"play_by_play":   failing(errors.New("down")),
		"box_score":      failing(errors.New("down")),
		"season_average": success(&Data{Value: "stats", Reconstructed: true, MissingEnhancements: 3, MinorOmissions: 9}),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Quality.Score)
	assert.Equal(t, model.TierUnusable, res.Quality.Tier)
}

func TestResolve_AllFail_Skip(t *testing.T) {
	r := NewResolver(testConfig(t, PolicySkip))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"play_by_play":   failing(errors.New("down")),
		"box_score":      failing(errors.New("down")),
		"season_average": failing(errors.New("down")),
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionSkip, res.Decision)
	assert.Equal(t, model.TierUnusable, res.Quality.Tier)
	assert.False(t, res.Quality.ProductionReady)
	assert.Contains(t, res.Quality.Issues, model.IssueAllSourcesFailed)
	assert.Len(t, res.Attempts, 3)
}

func TestResolve_AllFail_Placeholder(t *testing.T) {
	r := NewResolver(testConfig(t, PolicyPlaceholder))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{})
	require.NoError(t, err)

	assert.Equal(t, DecisionPlaceholder, res.Decision)
	assert.Equal(t, 0, res.Quality.Score)
	assert.Contains(t, res.Quality.Issues, model.IssuePlaceholderCreated)
	assert.False(t, res.Quality.ProductionReady)
}

func TestResolve_AllFail_Fail(t *testing.T) {
	r := NewResolver(testConfig(t, PolicyFail))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"play_by_play": failing(errors.New("down")),
	})
	require.Error(t, err)

	var exhausted *SourceExhaustionError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "player_stats", exhausted.Chain)
	assert.Equal(t, DecisionFail, res.Decision)
}

func TestResolve_AllFail_ContinueDegraded(t *testing.T) {
	r := NewResolver(testConfig(t, PolicyContinueDegrade))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{})
	require.NoError(t, err)

	assert.Equal(t, DecisionOK, res.Decision, "degraded continuation is a result, not an error")
	// 100 - 15 - 20 for the exhausted chain, then the degraded penalty.
	assert.Equal(t, 35, res.Quality.Score)
	assert.Equal(t, model.TierPoor, res.Quality.Tier)
	assert.Contains(t, res.Quality.Issues, model.IssueDegradedContinue)
	assert.False(t, res.Quality.ProductionReady)
}

func TestResolve_UnknownChain(t *testing.T) {
	r := NewResolver(testConfig(t, PolicySkip))
	_, err := r.Resolve(context.Background(), "nope", nil)
	assert.Error(t, err)
}

func TestResolve_MissingExtractorSkipsStep(t *testing.T) {
	r := NewResolver(testConfig(t, PolicySkip))

	res, err := r.Resolve(context.Background(), "player_stats", map[string]Extractor{
		"box_score": success(&Data{Value: "stats"}),
	})
	require.NoError(t, err)

	assert.Equal(t, 85, res.Quality.Score, "an unregistered source counts as a failed step")
}
