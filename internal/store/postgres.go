package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/courtline/statpipe/internal/db"
	"github.com/courtline/statpipe/internal/model"
)

// PostgresStore implements Store using pgxpool. This is the production
// backend: the RegisterCompletion read-modify-write runs inside a single
// pgx transaction, so concurrent completions for the same batch serialize
// on the batch row and exactly one caller wins the trigger claim.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"get_batch": `SELECT key, stage, scope, expected, success_count, triggered, triggered_at, emitted_at, created_at, updated_at
	              FROM batches WHERE key = $1`,
	"last_run": `SELECT id, processor, scope, status, attempt, started_at, ended_at, error
	             FROM run_records WHERE processor = $1 AND scope = $2
	             ORDER BY started_at DESC, attempt DESC LIMIT 1`,
	"get_breaker": `SELECT processor, scope, failures, opened_at, updated_at
	                FROM breaker_state WHERE processor = $1 AND scope = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}

	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS batches (
	key           TEXT PRIMARY KEY,
	stage         TEXT NOT NULL,
	scope         TEXT NOT NULL,
	expected      INTEGER NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	triggered     BOOLEAN NOT NULL DEFAULT FALSE,
	triggered_at  TIMESTAMPTZ,
	emitted_at    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS completions (
	batch_key        TEXT NOT NULL REFERENCES batches(key),
	task_name        TEXT NOT NULL,
	status           TEXT NOT NULL,
	correlation_id   TEXT NOT NULL,
	record_count     INTEGER NOT NULL DEFAULT 0,
	changed_entities JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (batch_key, task_name)
);

CREATE TABLE IF NOT EXISTS run_records (
	id         TEXT PRIMARY KEY,
	processor  TEXT NOT NULL,
	scope      TEXT NOT NULL,
	status     TEXT NOT NULL,
	attempt    INTEGER NOT NULL DEFAULT 1,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at   TIMESTAMPTZ,
	error      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_run_records_running
	ON run_records(processor, scope) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_run_records_proc_scope ON run_records(processor, scope);
CREATE INDEX IF NOT EXISTS idx_run_records_scope ON run_records(scope);

CREATE TABLE IF NOT EXISTS breaker_state (
	processor  TEXT NOT NULL,
	scope      TEXT NOT NULL,
	failures   INTEGER NOT NULL DEFAULT 0,
	opened_at  TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (processor, scope)
);

CREATE TABLE IF NOT EXISTS snapshot_entities (
	scope       TEXT NOT NULL,
	source      TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	PRIMARY KEY (scope, source, entity_id)
);

CREATE TABLE IF NOT EXISTS quality_assessments (
	scope            TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	tier             TEXT NOT NULL,
	score            INTEGER NOT NULL,
	issues           JSONB,
	production_ready BOOLEAN NOT NULL,
	sources_used     JSONB,
	updated_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (scope, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_batches_stage_scope ON batches(stage, scope);
CREATE INDEX IF NOT EXISTS idx_batches_triggered ON batches(triggered);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) RegisterCompletion(ctx context.Context, stage string, scope model.Scope, expected int, rec model.CompletionRecord) (*RegisterResult, error) {
	key := model.BatchKey(stage, scope)
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin register")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO batches (key, stage, scope, expected, success_count, triggered, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, FALSE, $5, $5)
		 ON CONFLICT (key) DO NOTHING`,
		key, stage, string(scope), expected, now,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure batch %s", key)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO completions (batch_key, task_name, status, correlation_id, record_count, changed_entities, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (batch_key, task_name) DO NOTHING`,
		key, rec.TaskName, string(rec.Status), rec.CorrelationID, rec.RecordCount, rec.ChangedEntities, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert completion %s/%s", key, rec.TaskName)
	}
	applied := tag.RowsAffected() > 0

	shouldTrigger := false
	if applied && rec.Status == model.CompletionSuccess {
		if _, err := tx.Exec(ctx,
			`UPDATE batches SET success_count = success_count + 1, updated_at = $1 WHERE key = $2`,
			now, key,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: bump success count %s", key)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE batches SET triggered = TRUE, triggered_at = $1, updated_at = $1
			 WHERE key = $2 AND NOT triggered AND expected > 0 AND success_count >= expected`,
			now, key,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: claim trigger %s", key)
		}
		shouldTrigger = tag.RowsAffected() > 0
	}

	batch, err := s.getBatchRow(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if batch.Completions, err = s.listCompletions(ctx, tx, key); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrapf(err, "postgres: commit register %s", key)
	}

	return &RegisterResult{Batch: batch, Applied: applied, ShouldTrigger: shouldTrigger}, nil
}

// pgQuerier covers db.Pool and pgx.Tx.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) getBatchRow(ctx context.Context, q pgQuerier, key string) (*model.Batch, error) {
	row := q.QueryRow(ctx,
		`SELECT key, stage, scope, expected, success_count, triggered, triggered_at, emitted_at, created_at, updated_at
		 FROM batches WHERE key = $1`, key)

	var b model.Batch
	err := row.Scan(&b.Key, &b.Stage, &b.Scope, &b.Expected, &b.Successes, &b.Triggered, &b.TriggeredAt, &b.EmittedAt, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", key)
	}
	return &b, nil
}

func (s *PostgresStore) listCompletions(ctx context.Context, q pgQuerier, key string) (map[string]model.CompletionRecord, error) {
	rows, err := q.Query(ctx,
		`SELECT task_name, status, correlation_id, record_count, changed_entities, created_at
		 FROM completions WHERE batch_key = $1`, key)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list completions %s", key)
	}
	defer rows.Close()

	completions := make(map[string]model.CompletionRecord)
	for rows.Next() {
		var rec model.CompletionRecord
		if err := rows.Scan(&rec.TaskName, &rec.Status, &rec.CorrelationID, &rec.RecordCount, &rec.ChangedEntities, &rec.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan completion")
		}
		completions[rec.TaskName] = rec
	}
	return completions, eris.Wrap(rows.Err(), "postgres: iterate completions")
}

func (s *PostgresStore) GetBatch(ctx context.Context, key string) (*model.Batch, error) {
	b, err := s.getBatchRow(ctx, s.pool, key)
	if err != nil {
		return nil, err
	}
	if b.Completions, err = s.listCompletions(ctx, s.pool, key); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) ListBatches(ctx context.Context, f BatchFilter) ([]model.Batch, error) {
	query := `SELECT key, stage, scope, expected, success_count, triggered, triggered_at, emitted_at, created_at, updated_at
	          FROM batches WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Stage != "" {
		query += ` AND stage = ` + arg(f.Stage)
	}
	if f.ScopeFrom != "" {
		query += ` AND scope >= ` + arg(string(f.ScopeFrom))
	}
	if f.ScopeTo != "" {
		query += ` AND scope <= ` + arg(string(f.ScopeTo))
	}
	if f.Untriggered {
		query += ` AND NOT triggered`
	}
	query += ` ORDER BY scope, stage`

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list batches")
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		var b model.Batch
		if err := rows.Scan(&b.Key, &b.Stage, &b.Scope, &b.Expected, &b.Successes, &b.Triggered, &b.TriggeredAt, &b.EmittedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch")
		}
		batches = append(batches, b)
	}
	return batches, eris.Wrap(rows.Err(), "postgres: list batches iterate")
}

func (s *PostgresStore) ClaimTrigger(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET triggered = TRUE, triggered_at = $1, updated_at = $1
		 WHERE key = $2 AND NOT triggered AND expected > 0 AND success_count >= expected`,
		now, key,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim trigger %s", key)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkTriggerEmitted(ctx context.Context, key string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE batches SET emitted_at = $1, updated_at = $1 WHERE key = $2 AND triggered`,
		now, key,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark emitted %s", key)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "batch %s", key)
	}
	return nil
}

func (s *PostgresStore) AcquireRun(ctx context.Context, processor string, scope model.Scope, staleBefore time.Time) (*AcquireResult, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin acquire")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE run_records SET status = $1, ended_at = $2, error = 'abandoned'
		 WHERE processor = $3 AND scope = $4 AND status = $5 AND started_at < $6`,
		string(model.RunStatusFailed), now, processor, string(scope), string(model.RunStatusRunning), staleBefore.UTC(),
	); err != nil {
		return nil, eris.Wrap(err, "postgres: expire stale runs")
	}

	var attempt int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt), 0) + 1 FROM run_records WHERE processor = $1 AND scope = $2`,
		processor, string(scope),
	).Scan(&attempt); err != nil {
		return nil, eris.Wrap(err, "postgres: next attempt")
	}

	id := uuid.New().String()
	tag, err := tx.Exec(ctx,
		`INSERT INTO run_records (id, processor, scope, status, attempt, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (processor, scope) WHERE status = 'running' DO NOTHING`,
		id, processor, string(scope), string(model.RunStatusRunning), attempt, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert run %s/%s", processor, scope)
	}
	acquired := tag.RowsAffected() > 0

	var run *model.RunRecord
	if acquired {
		run = &model.RunRecord{
			ID:        id,
			Processor: processor,
			Scope:     scope,
			Status:    model.RunStatusRunning,
			Attempt:   attempt,
			StartedAt: now,
		}
	} else {
		row := tx.QueryRow(ctx,
			`SELECT id, processor, scope, status, attempt, started_at, ended_at, error
			 FROM run_records WHERE processor = $1 AND scope = $2 AND status = $3`,
			processor, string(scope), string(model.RunStatusRunning),
		)
		if run, err = scanPgRun(row); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit acquire")
	}
	return &AcquireResult{Run: run, Acquired: acquired}, nil
}

func scanPgRun(row pgx.Row) (*model.RunRecord, error) {
	var r model.RunRecord
	var errDetail *string
	err := row.Scan(&r.ID, &r.Processor, &r.Scope, &r.Status, &r.Attempt, &r.StartedAt, &r.EndedAt, &errDetail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run record")
	}
	if errDetail != nil {
		r.Error = *errDetail
	}
	return &r, nil
}

func (s *PostgresStore) EndRun(ctx context.Context, runID string, status model.RunStatus, errDetail string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_records SET status = $1, ended_at = $2, error = $3 WHERE id = $4`,
		string(status), time.Now().UTC(), errDetail, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: end run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	return nil
}

func (s *PostgresStore) LastRun(ctx context.Context, processor string, scope model.Scope) (*model.RunRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, processor, scope, status, attempt, started_at, ended_at, error
		 FROM run_records WHERE processor = $1 AND scope = $2
		 ORDER BY started_at DESC, attempt DESC LIMIT 1`,
		processor, string(scope),
	)
	run, err := scanPgRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) SucceededScopes(ctx context.Context, processor string, from, to model.Scope) ([]model.Scope, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT scope FROM run_records
		 WHERE processor = $1 AND status = $2 AND scope >= $3 AND scope <= $4
		 ORDER BY scope`,
		processor, string(model.RunStatusSuccess), string(from), string(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: succeeded scopes")
	}
	defer rows.Close()

	var scopes []model.Scope
	for rows.Next() {
		var sc string
		if err := rows.Scan(&sc); err != nil {
			return nil, eris.Wrap(err, "postgres: scan scope")
		}
		scopes = append(scopes, model.Scope(sc))
	}
	return scopes, eris.Wrap(rows.Err(), "postgres: succeeded scopes iterate")
}

func (s *PostgresStore) ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error) {
	query := `SELECT id, processor, scope, status, attempt, started_at, ended_at, error FROM run_records WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Processor != "" {
		query += ` AND processor = ` + arg(f.Processor)
	}
	if f.Scope != "" {
		query += ` AND scope = ` + arg(string(f.Scope))
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) GetBreaker(ctx context.Context, processor string, scope model.Scope) (*model.BreakerState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT processor, scope, failures, opened_at, updated_at FROM breaker_state WHERE processor = $1 AND scope = $2`,
		processor, string(scope),
	)

	var st model.BreakerState
	err := row.Scan(&st.Processor, &st.Scope, &st.Failures, &st.OpenedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get breaker")
	}
	return &st, nil
}

func (s *PostgresStore) RecordBreakerFailure(ctx context.Context, processor string, scope model.Scope, openThreshold int) (*model.BreakerState, error) {
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin breaker failure")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO breaker_state (processor, scope, failures, updated_at) VALUES ($1, $2, 1, $3)
		 ON CONFLICT (processor, scope) DO UPDATE SET failures = breaker_state.failures + 1, updated_at = EXCLUDED.updated_at`,
		processor, string(scope), now,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: record breaker failure %s/%s", processor, scope)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE breaker_state SET opened_at = $1 WHERE processor = $2 AND scope = $3 AND failures >= $4 AND opened_at IS NULL`,
		now, processor, string(scope), openThreshold,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: open breaker")
	}

	var st model.BreakerState
	if err := tx.QueryRow(ctx,
		`SELECT processor, scope, failures, opened_at, updated_at FROM breaker_state WHERE processor = $1 AND scope = $2`,
		processor, string(scope),
	).Scan(&st.Processor, &st.Scope, &st.Failures, &st.OpenedAt, &st.UpdatedAt); err != nil {
		return nil, eris.Wrap(err, "postgres: reload breaker")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit breaker failure")
	}
	return &st, nil
}

func (s *PostgresStore) ClaimProbe(ctx context.Context, processor string, scope model.Scope, openedBefore time.Time) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE breaker_state SET opened_at = $1, updated_at = $1
		 WHERE processor = $2 AND scope = $3 AND opened_at IS NOT NULL AND opened_at <= $4`,
		now, processor, string(scope), openedBefore.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim probe %s/%s", processor, scope)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ResetBreaker(ctx context.Context, processor string, scope model.Scope) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM breaker_state WHERE processor = $1 AND scope = $2`,
		processor, string(scope),
	)
	return eris.Wrapf(err, "postgres: reset breaker %s/%s", processor, scope)
}

// ReplaceSnapshot upserts the incoming entities and prunes departed ones
// in a single transaction, so a crash mid-replace never leaves a snapshot
// mixing old and new membership.
func (s *PostgresStore) ReplaceSnapshot(ctx context.Context, scope model.Scope, source string, entities []SnapshotEntity) error {
	rows := make([][]any, 0, len(entities))
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, []any{string(scope), source, e.EntityID, e.Fingerprint})
		ids = append(ids, e.EntityID)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrapf(err, "postgres: replace snapshot %s/%s", scope, source)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := db.BulkUpsertTx(ctx, tx, db.UpsertConfig{
		Table:        "snapshot_entities",
		Columns:      []string{"scope", "source", "entity_id", "fingerprint"},
		ConflictKeys: []string{"scope", "source", "entity_id"},
	}, rows); err != nil {
		return eris.Wrapf(err, "postgres: replace snapshot %s/%s", scope, source)
	}

	// Drop entities no longer present in the incoming snapshot.
	if _, err := tx.Exec(ctx,
		`DELETE FROM snapshot_entities WHERE scope = $1 AND source = $2 AND NOT (entity_id = ANY($3))`,
		string(scope), source, ids,
	); err != nil {
		return eris.Wrapf(err, "postgres: prune snapshot %s/%s", scope, source)
	}

	return eris.Wrapf(tx.Commit(ctx), "postgres: replace snapshot %s/%s", scope, source)
}

func (s *PostgresStore) SnapshotDiff(ctx context.Context, scope model.Scope) ([]string, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM snapshot_entities WHERE scope = $1 AND source = $2`,
		string(scope), SnapshotCurrent,
	).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: snapshot total")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT c.entity_id FROM snapshot_entities c
		 LEFT JOIN snapshot_entities p
		   ON p.scope = c.scope AND p.source = $1 AND p.entity_id = c.entity_id
		 WHERE c.scope = $2 AND c.source = $3
		   AND (p.fingerprint IS NULL OR p.fingerprint <> c.fingerprint)
		 ORDER BY c.entity_id`,
		SnapshotProcessed, string(scope), SnapshotCurrent,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: snapshot diff")
	}
	defer rows.Close()

	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan changed entity")
		}
		changed = append(changed, id)
	}
	return changed, total, eris.Wrap(rows.Err(), "postgres: snapshot diff iterate")
}

func (s *PostgresStore) PromoteSnapshot(ctx context.Context, scope model.Scope) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin promote snapshot")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM snapshot_entities WHERE scope = $1 AND source = $2`,
		string(scope), SnapshotProcessed,
	); err != nil {
		return eris.Wrap(err, "postgres: clear processed snapshot")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO snapshot_entities (scope, source, entity_id, fingerprint)
		 SELECT scope, $1, entity_id, fingerprint FROM snapshot_entities WHERE scope = $2 AND source = $3`,
		SnapshotProcessed, string(scope), SnapshotCurrent,
	); err != nil {
		return eris.Wrap(err, "postgres: promote snapshot")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit promote snapshot")
}

func (s *PostgresStore) SaveQuality(ctx context.Context, scope model.Scope, entityID string, q model.QualityAssessment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quality_assessments (scope, entity_id, tier, score, issues, production_ready, sources_used, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (scope, entity_id) DO UPDATE SET
		   tier = EXCLUDED.tier, score = EXCLUDED.score, issues = EXCLUDED.issues,
		   production_ready = EXCLUDED.production_ready, sources_used = EXCLUDED.sources_used,
		   updated_at = EXCLUDED.updated_at`,
		string(scope), entityID, string(q.Tier), q.Score, q.Issues, q.ProductionReady, q.SourcesUsed, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save quality %s/%s", scope, entityID)
}

func (s *PostgresStore) GetQuality(ctx context.Context, scope model.Scope, entityID string) (*model.QualityAssessment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT tier, score, issues, production_ready, sources_used FROM quality_assessments
		 WHERE scope = $1 AND entity_id = $2`,
		string(scope), entityID,
	)

	var q model.QualityAssessment
	err := row.Scan(&q.Tier, &q.Score, &q.Issues, &q.ProductionReady, &q.SourcesUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "quality %s/%s", scope, entityID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get quality")
	}
	return &q, nil
}
