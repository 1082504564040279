package reconcile

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/courtline/statpipe/internal/aggregator"
	"github.com/courtline/statpipe/internal/model"
	"github.com/courtline/statpipe/internal/store"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []model.Event
	fail   error
}

func (c *captureEmitter) Emit(_ context.Context, ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *captureEmitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *captureEmitter) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

type sweepEnv struct {
	store   store.Store
	emitter *captureEmitter
	agg     *aggregator.Aggregator
	sweep   *Sweep
	dbPath  string
}

func newSweepEnv(t *testing.T, cfg Config) *sweepEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "sweep.db")
	s, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))

	em := &captureEmitter{}
	agg, err := aggregator.New(s, em, []aggregator.StageConfig{
		{Name: "collect", Expected: 2, Next: "process"},
	})
	require.NoError(t, err)

	return &sweepEnv{
		store:   s,
		emitter: em,
		agg:     agg,
		sweep:   New(s, agg, cfg),
		dbPath:  dbPath,
	}
}

func (e *sweepEnv) register(t *testing.T, task string, scope model.Scope) {
	t.Helper()
	_, err := e.agg.Register(context.Background(), model.Event{
		Processor:     task,
		Phase:         model.PhaseCompletion,
		Stage:         "collect",
		ScopeKey:      scope,
		CorrelationID: "corr-" + task,
		Status:        model.CompletionSuccess,
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestReconcile_ReemitsLostTrigger(t *testing.T) {
	env := newSweepEnv(t, Config{})
	ctx := context.Background()
	scope := model.Scope("2026-03-14")

	// The claim commits but the delivery is lost.
	env.emitter.setFail(assert.AnError)
	env.register(t, "boxscores", scope)
	env.register(t, "schedules", scope)
	require.Equal(t, 0, env.emitter.count())

	env.emitter.setFail(nil)
	rep, err := env.sweep.Reconcile(ctx, scope, scope)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Scanned)
	assert.Equal(t, 0, rep.Claimed)
	assert.Equal(t, 1, rep.Reemitted)
	assert.Equal(t, 1, env.emitter.count())

	batch, err := env.store.GetBatch(ctx, model.BatchKey("collect", scope))
	require.NoError(t, err)
	assert.NotNil(t, batch.EmittedAt)
}

func TestReconcile_ClaimsCompleteUntriggeredBatch(t *testing.T) {
	env := newSweepEnv(t, Config{})
	ctx := context.Background()
	scope := model.Scope("2026-03-14")

	env.register(t, "boxscores", scope)
	env.register(t, "schedules", scope)
	require.Equal(t, 1, env.emitter.count())

	// Roll the trigger claim back, as if it never committed. The batch is
	// then complete with no owner.
	raw, err := sql.Open("sqlite", env.dbPath)
	require.NoError(t, err)
	defer raw.Close() //nolint:errcheck
	_, err = raw.Exec(`UPDATE batches SET triggered = 0, triggered_at = NULL, emitted_at = NULL WHERE key = ?`,
		model.BatchKey("collect", scope))
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	rep, err := env.sweep.Reconcile(ctx, scope, scope)
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Claimed)
	assert.Equal(t, 1, rep.Reemitted)
	assert.Equal(t, 2, env.emitter.count())

	batch, err := env.store.GetBatch(ctx, model.BatchKey("collect", scope))
	require.NoError(t, err)
	assert.True(t, batch.Triggered)
	assert.NotNil(t, batch.EmittedAt)
}

func TestReconcile_Idempotent(t *testing.T) {
	env := newSweepEnv(t, Config{})
	ctx := context.Background()
	scope := model.Scope("2026-03-14")

	env.emitter.setFail(assert.AnError)
	env.register(t, "boxscores", scope)
	env.register(t, "schedules", scope)
	env.emitter.setFail(nil)

	_, err := env.sweep.Reconcile(ctx, scope, scope)
	require.NoError(t, err)

	rep, err := env.sweep.Reconcile(ctx, scope, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
	assert.Zero(t, rep.Claimed)
	assert.Zero(t, rep.Reemitted)
	assert.Equal(t, 1, env.emitter.count(), "a healthy batch is never re-emitted")
}

func TestReconcile_ReportsStaleBatches(t *testing.T) {
	env := newSweepEnv(t, Config{StaleAfter: time.Millisecond})
	ctx := context.Background()
	scope := model.Scope("2026-03-14")

	// One of two expected completions; the batch never finishes.
	env.register(t, "boxscores", scope)
	time.Sleep(10 * time.Millisecond)

	rep, err := env.sweep.Reconcile(ctx, scope, scope)
	require.NoError(t, err)

	assert.Zero(t, rep.Reemitted)
	require.Len(t, rep.Stale, 1)
	st := rep.Stale[0]
	assert.Equal(t, model.BatchKey("collect", scope), st.Key)
	assert.Equal(t, 1, st.Registered)
	assert.Equal(t, 2, st.Expected)
	assert.Greater(t, st.Age, time.Duration(0))
}

func TestReconcile_FreshIncompleteBatchNotReported(t *testing.T) {
	env := newSweepEnv(t, Config{StaleAfter: time.Hour})
	ctx := context.Background()
	scope := model.Scope("2026-03-14")

	env.register(t, "boxscores", scope)

	rep, err := env.sweep.Reconcile(ctx, scope, scope)
	require.NoError(t, err)
	assert.Empty(t, rep.Stale, "an in-progress batch is not an incident")
}

func TestReconcile_ScopeRangeBoundsScan(t *testing.T) {
	env := newSweepEnv(t, Config{})
	ctx := context.Background()

	env.register(t, "boxscores", "2026-03-10")
	env.register(t, "boxscores", "2026-03-20")

	rep, err := env.sweep.Reconcile(ctx, "2026-03-09", "2026-03-11")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scanned)
}
