package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtline/statpipe/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func completion(task string, status model.CompletionStatus) model.CompletionRecord {
	return model.CompletionRecord{
		TaskName:      task,
		Status:        status,
		CorrelationID: "corr-" + task,
		RecordCount:   10,
		Timestamp:     time.Now().UTC(),
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	scope := model.Scope("2026-03-14")

	t.Run("RegisterFirstCompletion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		res, err := s.RegisterCompletion(ctx, "collect", scope, 3, completion("boxscores", model.CompletionSuccess))
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.False(t, res.ShouldTrigger)
		assert.Equal(t, 1, res.Batch.Successes)
		assert.Equal(t, 3, res.Batch.Expected)
		assert.False(t, res.Batch.Triggered)
	})

	t.Run("RegisterDuplicateTask", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.RegisterCompletion(ctx, "collect", scope, 3, completion("boxscores", model.CompletionSuccess))
		require.NoError(t, err)

		res, err := s.RegisterCompletion(ctx, "collect", scope, 3, completion("boxscores", model.CompletionSuccess))
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.False(t, res.ShouldTrigger)
		assert.Equal(t, 1, res.Batch.Successes, "duplicate must not bump the count")
	})

	t.Run("RegisterFailureDoesNotCount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		res, err := s.RegisterCompletion(ctx, "collect", scope, 2, completion("boxscores", model.CompletionFailure))
		require.NoError(t, err)
		assert.True(t, res.Applied, "failures are recorded")
		assert.Equal(t, 0, res.Batch.Successes, "failures never advance the count")

		res, err = s.RegisterCompletion(ctx, "collect", scope, 2, completion("schedules", model.CompletionSuccess))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Batch.Successes)
		assert.False(t, res.ShouldTrigger)
	})

	t.Run("TriggerFiresOnceAtExpected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		res, err := s.RegisterCompletion(ctx, "collect", scope, 2, completion("boxscores", model.CompletionSuccess))
		require.NoError(t, err)
		assert.False(t, res.ShouldTrigger)

		res, err = s.RegisterCompletion(ctx, "collect", scope, 2, completion("schedules", model.CompletionSuccess))
		require.NoError(t, err)
		assert.True(t, res.ShouldTrigger)
		assert.True(t, res.Batch.Triggered)

		// A late third task must not re-trigger.
		res, err = s.RegisterCompletion(ctx, "collect", scope, 2, completion("standings", model.CompletionSuccess))
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.False(t, res.ShouldTrigger)
	})

	t.Run("GetBatchWithCompletions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		rec := completion("boxscores", model.CompletionSuccess)
		rec.ChangedEntities = []string{"team-7", "team-12"}
		_, err := s.RegisterCompletion(ctx, "collect", scope, 2, rec)
		require.NoError(t, err)

		b, err := s.GetBatch(ctx, model.BatchKey("collect", scope))
		require.NoError(t, err)
		require.Contains(t, b.Completions, "boxscores")
		assert.Equal(t, []string{"team-7", "team-12"}, b.Completions["boxscores"].ChangedEntities)
	})

	t.Run("GetBatchNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetBatch(context.Background(), "nope:2026-01-01")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("ClaimTriggerOnlyWhenComplete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.BatchKey("collect", scope)

		_, err := s.RegisterCompletion(ctx, "collect", scope, 2, completion("boxscores", model.CompletionSuccess))
		require.NoError(t, err)

		claimed, err := s.ClaimTrigger(ctx, key)
		require.NoError(t, err)
		assert.False(t, claimed, "incomplete batch must not be claimable")

		_, err = s.RegisterCompletion(ctx, "collect", scope, 2, completion("schedules", model.CompletionSuccess))
		require.NoError(t, err)

		// Registration already claimed the trigger.
		claimed, err = s.ClaimTrigger(ctx, key)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("MarkTriggerEmitted", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := model.BatchKey("collect", scope)

		_, err := s.RegisterCompletion(ctx, "collect", scope, 1, completion("boxscores", model.CompletionSuccess))
		require.NoError(t, err)

		require.NoError(t, s.MarkTriggerEmitted(ctx, key))

		b, err := s.GetBatch(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, b.EmittedAt)
	})

	t.Run("MarkTriggerEmittedUntriggered", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.RegisterCompletion(ctx, "collect", scope, 2, completion("boxscores", model.CompletionSuccess))
		require.NoError(t, err)

		err = s.MarkTriggerEmitted(ctx, model.BatchKey("collect", scope))
		require.Error(t, err, "untriggered batch cannot be marked emitted")
	})

	t.Run("ListBatchesFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.RegisterCompletion(ctx, "collect", model.Scope("2026-03-10"), 1, completion("a", model.CompletionSuccess))
		require.NoError(t, err)
		_, err = s.RegisterCompletion(ctx, "collect", model.Scope("2026-03-11"), 2, completion("a", model.CompletionSuccess))
		require.NoError(t, err)
		_, err = s.RegisterCompletion(ctx, "aggregate", model.Scope("2026-03-11"), 2, completion("a", model.CompletionSuccess))
		require.NoError(t, err)

		batches, err := s.ListBatches(ctx, BatchFilter{Stage: "collect"})
		require.NoError(t, err)
		assert.Len(t, batches, 2)

		batches, err = s.ListBatches(ctx, BatchFilter{ScopeFrom: "2026-03-11", ScopeTo: "2026-03-11"})
		require.NoError(t, err)
		assert.Len(t, batches, 2)

		batches, err = s.ListBatches(ctx, BatchFilter{Untriggered: true})
		require.NoError(t, err)
		assert.Len(t, batches, 2, "the complete 2026-03-10 batch is already triggered")
	})

	t.Run("AcquireRunBlocksSecond", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		stale := time.Now().UTC().Add(-2 * time.Hour)

		first, err := s.AcquireRun(ctx, "boxscores", scope, stale)
		require.NoError(t, err)
		assert.True(t, first.Acquired)
		assert.Equal(t, 1, first.Run.Attempt)

		second, err := s.AcquireRun(ctx, "boxscores", scope, stale)
		require.NoError(t, err)
		assert.False(t, second.Acquired)
		assert.Equal(t, first.Run.ID, second.Run.ID, "loser sees the in-flight attempt")
	})

	t.Run("AcquireRunAfterEnd", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		stale := time.Now().UTC().Add(-2 * time.Hour)

		first, err := s.AcquireRun(ctx, "boxscores", scope, stale)
		require.NoError(t, err)
		require.NoError(t, s.EndRun(ctx, first.Run.ID, model.RunStatusSuccess, ""))

		second, err := s.AcquireRun(ctx, "boxscores", scope, stale)
		require.NoError(t, err)
		assert.True(t, second.Acquired)
		assert.Equal(t, 2, second.Run.Attempt)
	})

	t.Run("AcquireRunExpiresStale", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.AcquireRun(ctx, "boxscores", scope, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)

		// A cutoff in the future makes the running record stale at once.
		res, err := s.AcquireRun(ctx, "boxscores", scope, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, res.Acquired, "stale running record must not block")

		runs, err := s.ListRuns(ctx, RunFilter{Processor: "boxscores", Status: model.RunStatusFailed})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "abandoned", runs[0].Error)
	})

	t.Run("EndRunNotFound", func(t *testing.T) {
		s := newStore(t)

		err := s.EndRun(context.Background(), "nonexistent-id", model.RunStatusSuccess, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("LastRun", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		stale := time.Now().UTC().Add(-2 * time.Hour)

		got, err := s.LastRun(ctx, "boxscores", scope)
		require.NoError(t, err)
		assert.Nil(t, got)

		first, err := s.AcquireRun(ctx, "boxscores", scope, stale)
		require.NoError(t, err)
		require.NoError(t, s.EndRun(ctx, first.Run.ID, model.RunStatusFailed, "timeout"))

		second, err := s.AcquireRun(ctx, "boxscores", scope, stale)
		require.NoError(t, err)

		got, err = s.LastRun(ctx, "boxscores", scope)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, second.Run.ID, got.ID)
	})

	t.Run("SucceededScopes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		stale := time.Now().UTC().Add(-2 * time.Hour)

		for _, sc := range []model.Scope{"2026-03-10", "2026-03-12"} {
			res, err := s.AcquireRun(ctx, "boxscores", sc, stale)
			require.NoError(t, err)
			require.NoError(t, s.EndRun(ctx, res.Run.ID, model.RunStatusSuccess, ""))
		}
		res, err := s.AcquireRun(ctx, "boxscores", model.Scope("2026-03-11"), stale)
		require.NoError(t, err)
		require.NoError(t, s.EndRun(ctx, res.Run.ID, model.RunStatusFailed, "boom"))

		scopes, err := s.SucceededScopes(ctx, "boxscores", "2026-03-09", "2026-03-13")
		require.NoError(t, err)
		assert.Equal(t, []model.Scope{"2026-03-10", "2026-03-12"}, scopes)
	})

	t.Run("BreakerOpensAtThreshold", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 2; i++ {
			st, err := s.RecordBreakerFailure(ctx, "boxscores", scope, 3)
			require.NoError(t, err)
			assert.Nil(t, st.OpenedAt)
		}

		st, err := s.RecordBreakerFailure(ctx, "boxscores", scope, 3)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Failures)
		require.NotNil(t, st.OpenedAt)
	})

	t.Run("ClaimProbeSingleWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			_, err := s.RecordBreakerFailure(ctx, "boxscores", scope, 3)
			require.NoError(t, err)
		}

		// Cooldown not yet elapsed relative to a past cutoff.
		claimed, err := s.ClaimProbe(ctx, "boxscores", scope, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, claimed)

		// A future cutoff treats the cooldown as over; the claim re-arms
		// opened_at so a second claim loses.
		claimed, err = s.ClaimProbe(ctx, "boxscores", scope, time.Now().UTC().Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = s.ClaimProbe(ctx, "boxscores", scope, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("ResetBreaker", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.RecordBreakerFailure(ctx, "boxscores", scope, 3)
		require.NoError(t, err)
		require.NoError(t, s.ResetBreaker(ctx, "boxscores", scope))

		st, err := s.GetBreaker(ctx, "boxscores", scope)
		require.NoError(t, err)
		assert.Nil(t, st)

		// Resetting a missing breaker is a no-op.
		require.NoError(t, s.ResetBreaker(ctx, "boxscores", scope))
	})

	t.Run("SnapshotDiff", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.ReplaceSnapshot(ctx, scope, SnapshotProcessed, []SnapshotEntity{
			{EntityID: "p1", Fingerprint: "aaa"},
			{EntityID: "p2", Fingerprint: "bbb"},
		}))
		require.NoError(t, s.ReplaceSnapshot(ctx, scope, SnapshotCurrent, []SnapshotEntity{
			{EntityID: "p1", Fingerprint: "aaa"}, // unchanged
			{EntityID: "p2", Fingerprint: "ccc"}, // changed
			{EntityID: "p3", Fingerprint: "ddd"}, // new
		}))

		changed, total, err := s.SnapshotDiff(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, []string{"p2", "p3"}, changed)
	})

	t.Run("PromoteSnapshot", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.ReplaceSnapshot(ctx, scope, SnapshotCurrent, []SnapshotEntity{
			{EntityID: "p1", Fingerprint: "aaa"},
		}))
		require.NoError(t, s.PromoteSnapshot(ctx, scope))

		changed, total, err := s.SnapshotDiff(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Empty(t, changed, "promoted snapshot matches current")
	})

	t.Run("QualityRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		q := model.QualityAssessment{
			Tier:        model.TierSilver,
			Score:       85,
			Issues:      []string{model.IssueMinorOmission},
			SourcesUsed: []string{"backup-feed"},
		}
		q.DeriveProductionReady()
		require.NoError(t, s.SaveQuality(ctx, scope, "game-401", q))

		got, err := s.GetQuality(ctx, scope, "game-401")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, q, *got)

		_, err = s.GetQuality(ctx, scope, "game-999")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
