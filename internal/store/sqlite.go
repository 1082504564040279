package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/courtline/statpipe/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Used for local
// runs and tests; the write serialization of a single SQLite database is
// what makes the RegisterCompletion transaction atomic here.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single writer connection keeps every transaction serialized.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS batches (
	key           TEXT PRIMARY KEY,
	stage         TEXT NOT NULL,
	scope         TEXT NOT NULL,
	expected      INTEGER NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	triggered     INTEGER NOT NULL DEFAULT 0,
	triggered_at  DATETIME,
	emitted_at    DATETIME,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS completions (
	batch_key        TEXT NOT NULL REFERENCES batches(key),
	task_name        TEXT NOT NULL,
	status           TEXT NOT NULL,
	correlation_id   TEXT NOT NULL,
	record_count     INTEGER NOT NULL DEFAULT 0,
	changed_entities TEXT,
	created_at       DATETIME NOT NULL,
	PRIMARY KEY (batch_key, task_name)
);

CREATE TABLE IF NOT EXISTS run_records (
	id         TEXT PRIMARY KEY,
	processor  TEXT NOT NULL,
	scope      TEXT NOT NULL,
	status     TEXT NOT NULL,
	attempt    INTEGER NOT NULL DEFAULT 1,
	started_at DATETIME NOT NULL,
	ended_at   DATETIME,
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
	opened_at  DATETIME,
	updated_at DATETIME NOT NULL,
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
	issues           TEXT,
	production_ready INTEGER NOT NULL,
	sources_used     TEXT,
	updated_at       DATETIME NOT NULL,
	PRIMARY KEY (scope, entity_id)
);

CREATE INDEX IF NOT EXISTS idx_batches_stage_scope ON batches(stage, scope);
CREATE INDEX IF NOT EXISTS idx_batches_triggered ON batches(triggered);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) RegisterCompletion(ctx context.Context, stage string, scope model.Scope, expected int, rec model.CompletionRecord) (*RegisterResult, error) {
	key := model.BatchKey(stage, scope)
	now := time.Now().UTC()

	changedJSON, err := marshalStrings(rec.ChangedEntities)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal changed entities")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin register")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches (key, stage, scope, expected, success_count, triggered, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, stage, string(scope), expected, now, now,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure batch %s", key)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO completions (batch_key, task_name, status, correlation_id, record_count, changed_entities, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(batch_key, task_name) DO NOTHING`,
		key, rec.TaskName, string(rec.Status), rec.CorrelationID, rec.RecordCount, changedJSON, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert completion %s/%s", key, rec.TaskName)
	}
	applied, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}

	shouldTrigger := false
	if applied && rec.Status == model.CompletionSuccess {
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET success_count = success_count + 1, updated_at = ? WHERE key = ?`,
			now, key,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: bump success count %s", key)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE batches SET triggered = 1, triggered_at = ?, updated_at = ?
			 WHERE key = ? AND triggered = 0 AND expected > 0 AND success_count >= expected`,
			now, now, key,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim trigger %s", key)
		}
		if shouldTrigger, err = rowsAffected(res); err != nil {
			return nil, err
		}
	}

	batch, err := getBatchTx(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit register %s", key)
	}

	return &RegisterResult{Batch: batch, Applied: applied, ShouldTrigger: shouldTrigger}, nil
}

// querier covers both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getBatchTx(ctx context.Context, q querier, key string) (*model.Batch, error) {
	row := q.QueryRowContext(ctx,
		`SELECT key, stage, scope, expected, success_count, triggered, triggered_at, emitted_at, created_at, updated_at
		 FROM batches WHERE key = ?`, key)

	b, err := scanBatch(row)
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT task_name, status, correlation_id, record_count, changed_entities, created_at
		 FROM completions WHERE batch_key = ?`, key)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list completions %s", key)
	}
	defer rows.Close()

	b.Completions = make(map[string]model.CompletionRecord)
	for rows.Next() {
		var rec model.CompletionRecord
		var changedJSON sql.NullString
		if err := rows.Scan(&rec.TaskName, &rec.Status, &rec.CorrelationID, &rec.RecordCount, &changedJSON, &rec.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan completion")
		}
		if rec.ChangedEntities, err = unmarshalStrings(changedJSON); err != nil {
			return nil, err
		}
		b.Completions[rec.TaskName] = rec
	}
	return b, eris.Wrap(rows.Err(), "sqlite: iterate completions")
}

func (s *SQLiteStore) GetBatch(ctx context.Context, key string) (*model.Batch, error) {
	return getBatchTx(ctx, s.db, key)
}

func (s *SQLiteStore) ListBatches(ctx context.Context, f BatchFilter) ([]model.Batch, error) {
	query := `SELECT key, stage, scope, expected, success_count, triggered, triggered_at, emitted_at, created_at, updated_at
	          FROM batches WHERE 1=1`
	var args []any

	if f.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, f.Stage)
	}
	if f.ScopeFrom != "" {
		query += ` AND scope >= ?`
		args = append(args, string(f.ScopeFrom))
	}
	if f.ScopeTo != "" {
		query += ` AND scope <= ?`
		args = append(args, string(f.ScopeTo))
	}
	if f.Untriggered {
		query += ` AND triggered = 0`
	}
	query += ` ORDER BY scope, stage`

	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list batches")
	}
	defer rows.Close()

	var batches []model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, eris.Wrap(rows.Err(), "sqlite: list batches iterate")
}

func (s *SQLiteStore) ClaimTrigger(ctx context.Context, key string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET triggered = 1, triggered_at = ?, updated_at = ?
		 WHERE key = ? AND triggered = 0 AND expected > 0 AND success_count >= expected`,
		now, now, key,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim trigger %s", key)
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) MarkTriggerEmitted(ctx context.Context, key string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE batches SET emitted_at = ?, updated_at = ? WHERE key = ? AND triggered = 1`,
		now, now, key,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark emitted %s", key)
	}
	return checkRowsAffected(res, "batch", key)
}

func (s *SQLiteStore) AcquireRun(ctx context.Context, processor string, scope model.Scope, staleBefore time.Time) (*AcquireResult, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin acquire")
	}
	defer tx.Rollback()

	// Abandoned attempts stop blocking once past the freshness threshold.
	if _, err := tx.ExecContext(ctx,
		`UPDATE run_records SET status = ?, ended_at = ?, error = 'abandoned'
		 WHERE processor = ? AND scope = ? AND status = ? AND started_at < ?`,
		string(model.RunStatusFailed), now, processor, string(scope), string(model.RunStatusRunning), staleBefore.UTC(),
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: expire stale runs")
	}

	var attempt int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) + 1 FROM run_records WHERE processor = ? AND scope = ?`,
		processor, string(scope),
	).Scan(&attempt); err != nil {
		return nil, eris.Wrap(err, "sqlite: next attempt")
	}

	id := uuid.New().String()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_records (id, processor, scope, status, attempt, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(processor, scope) WHERE status = 'running' DO NOTHING`,
		id, processor, string(scope), string(model.RunStatusRunning), attempt, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert run %s/%s", processor, scope)
	}
	acquired, err := rowsAffected(res)
	if err != nil {
		return nil, err
	}

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
		row := tx.QueryRowContext(ctx,
			`SELECT id, processor, scope, status, attempt, started_at, ended_at, error
			 FROM run_records WHERE processor = ? AND scope = ? AND status = ?`,
			processor, string(scope), string(model.RunStatusRunning),
		)
		if run, err = scanRunRecord(row); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit acquire")
	}
	return &AcquireResult{Run: run, Acquired: acquired}, nil
}

func (s *SQLiteStore) EndRun(ctx context.Context, runID string, status model.RunStatus, errDetail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_records SET status = ?, ended_at = ?, error = ? WHERE id = ?`,
		string(status), time.Now().UTC(), errDetail, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: end run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) LastRun(ctx context.Context, processor string, scope model.Scope) (*model.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, processor, scope, status, attempt, started_at, ended_at, error
		 FROM run_records WHERE processor = ? AND scope = ?
		 ORDER BY started_at DESC, attempt DESC LIMIT 1`,
		processor, string(scope),
	)
	run, err := scanRunRecord(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) SucceededScopes(ctx context.Context, processor string, from, to model.Scope) ([]model.Scope, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT scope FROM run_records
		 WHERE processor = ? AND status = ? AND scope >= ? AND scope <= ?
		 ORDER BY scope`,
		processor, string(model.RunStatusSuccess), string(from), string(to),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: succeeded scopes")
	}
	defer rows.Close()

	var scopes []model.Scope
	for rows.Next() {
		var sc string
		if err := rows.Scan(&sc); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan scope")
		}
		scopes = append(scopes, model.Scope(sc))
	}
	return scopes, eris.Wrap(rows.Err(), "sqlite: succeeded scopes iterate")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]model.RunRecord, error) {
	query := `SELECT id, processor, scope, status, attempt, started_at, ended_at, error FROM run_records WHERE 1=1`
	var args []any

	if f.Processor != "" {
		query += ` AND processor = ?`
		args = append(args, f.Processor)
	}
	if f.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, string(f.Scope))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.RunRecord
	for rows.Next() {
		r, err := scanRunRecord(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) GetBreaker(ctx context.Context, processor string, scope model.Scope) (*model.BreakerState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT processor, scope, failures, opened_at, updated_at FROM breaker_state WHERE processor = ? AND scope = ?`,
		processor, string(scope),
	)
	st, err := scanBreaker(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return st, err
}

func (s *SQLiteStore) RecordBreakerFailure(ctx context.Context, processor string, scope model.Scope, openThreshold int) (*model.BreakerState, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin breaker failure")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO breaker_state (processor, scope, failures, updated_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(processor, scope) DO UPDATE SET failures = failures + 1, updated_at = excluded.updated_at`,
		processor, string(scope), now,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: record breaker failure %s/%s", processor, scope)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE breaker_state SET opened_at = ? WHERE processor = ? AND scope = ? AND failures >= ? AND opened_at IS NULL`,
		now, processor, string(scope), openThreshold,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: open breaker")
	}

	st, err := scanBreaker(tx.QueryRowContext(ctx,
		`SELECT processor, scope, failures, opened_at, updated_at FROM breaker_state WHERE processor = ? AND scope = ?`,
		processor, string(scope),
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit breaker failure")
	}
	return st, nil
}

func (s *SQLiteStore) ClaimProbe(ctx context.Context, processor string, scope model.Scope, openedBefore time.Time) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE breaker_state SET opened_at = ?, updated_at = ?
		 WHERE processor = ? AND scope = ? AND opened_at IS NOT NULL AND opened_at <= ?`,
		now, now, processor, string(scope), openedBefore.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim probe %s/%s", processor, scope)
	}
	return rowsAffected(res)
}

func (s *SQLiteStore) ResetBreaker(ctx context.Context, processor string, scope model.Scope) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM breaker_state WHERE processor = ? AND scope = ?`,
		processor, string(scope),
	)
	return eris.Wrapf(err, "sqlite: reset breaker %s/%s", processor, scope)
}

func (s *SQLiteStore) ReplaceSnapshot(ctx context.Context, scope model.Scope, source string, entities []SnapshotEntity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace snapshot")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshot_entities WHERE scope = ? AND source = ?`,
		string(scope), source,
	); err != nil {
		return eris.Wrap(err, "sqlite: clear snapshot")
	}
	for _, e := range entities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_entities (scope, source, entity_id, fingerprint) VALUES (?, ?, ?, ?)`,
			string(scope), source, e.EntityID, e.Fingerprint,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert snapshot entity %s", e.EntityID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit replace snapshot")
}

func (s *SQLiteStore) SnapshotDiff(ctx context.Context, scope model.Scope) ([]string, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM snapshot_entities WHERE scope = ? AND source = ?`,
		string(scope), SnapshotCurrent,
	).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: snapshot total")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.entity_id FROM snapshot_entities c
		 LEFT JOIN snapshot_entities p
		   ON p.scope = c.scope AND p.source = ? AND p.entity_id = c.entity_id
		 WHERE c.scope = ? AND c.source = ?
		   AND (p.fingerprint IS NULL OR p.fingerprint <> c.fingerprint)
		 ORDER BY c.entity_id`,
		SnapshotProcessed, string(scope), SnapshotCurrent,
	)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: snapshot diff")
	}
	defer rows.Close()

	var changed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan changed entity")
		}
		changed = append(changed, id)
	}
	return changed, total, eris.Wrap(rows.Err(), "sqlite: snapshot diff iterate")
}

func (s *SQLiteStore) PromoteSnapshot(ctx context.Context, scope model.Scope) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin promote snapshot")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshot_entities WHERE scope = ? AND source = ?`,
		string(scope), SnapshotProcessed,
	); err != nil {
		return eris.Wrap(err, "sqlite: clear processed snapshot")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_entities (scope, source, entity_id, fingerprint)
		 SELECT scope, ?, entity_id, fingerprint FROM snapshot_entities WHERE scope = ? AND source = ?`,
		SnapshotProcessed, string(scope), SnapshotCurrent,
	); err != nil {
		return eris.Wrap(err, "sqlite: promote snapshot")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit promote snapshot")
}

func (s *SQLiteStore) SaveQuality(ctx context.Context, scope model.Scope, entityID string, q model.QualityAssessment) error {
	issuesJSON, err := marshalStrings(q.Issues)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal issues")
	}
	sourcesJSON, err := marshalStrings(q.SourcesUsed)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sources")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quality_assessments (scope, entity_id, tier, score, issues, production_ready, sources_used, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, entity_id) DO UPDATE SET
		   tier = excluded.tier, score = excluded.score, issues = excluded.issues,
		   production_ready = excluded.production_ready, sources_used = excluded.sources_used,
		   updated_at = excluded.updated_at`,
		string(scope), entityID, string(q.Tier), q.Score, issuesJSON, q.ProductionReady, sourcesJSON, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save quality %s/%s", scope, entityID)
}

func (s *SQLiteStore) GetQuality(ctx context.Context, scope model.Scope, entityID string) (*model.QualityAssessment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tier, score, issues, production_ready, sources_used FROM quality_assessments
		 WHERE scope = ? AND entity_id = ?`,
		string(scope), entityID,
	)

	var q model.QualityAssessment
	var issuesJSON, sourcesJSON sql.NullString
	err := row.Scan(&q.Tier, &q.Score, &issuesJSON, &q.ProductionReady, &sourcesJSON)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "quality %s/%s", scope, entityID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get quality")
	}
	if q.Issues, err = unmarshalStrings(issuesJSON); err != nil {
		return nil, err
	}
	if q.SourcesUsed, err = unmarshalStrings(sourcesJSON); err != nil {
		return nil, err
	}
	return &q, nil
}

// helpers

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func marshalStrings(vals []string) (sql.NullString, error) {
	if len(vals) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(vals)
	if err != nil {
		return sql.NullString{}, eris.Wrap(err, "marshal string list")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalStrings(ns sql.NullString) ([]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil, eris.Wrap(err, "unmarshal string list")
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*model.Batch, error) {
	var b model.Batch
	var triggeredAt, emittedAt sql.NullTime
	err := row.Scan(&b.Key, &b.Stage, &b.Scope, &b.Expected, &b.Successes, &b.Triggered, &triggeredAt, &emittedAt, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "batch")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan batch")
	}
	if triggeredAt.Valid {
		t := triggeredAt.Time
		b.TriggeredAt = &t
	}
	if emittedAt.Valid {
		t := emittedAt.Time
		b.EmittedAt = &t
	}
	return &b, nil
}

func scanRunRecord(row scannable) (*model.RunRecord, error) {
	var r model.RunRecord
	var endedAt sql.NullTime
	var errDetail sql.NullString
	err := row.Scan(&r.ID, &r.Processor, &r.Scope, &r.Status, &r.Attempt, &r.StartedAt, &endedAt, &errDetail)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "run")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan run record")
	}
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	r.Error = errDetail.String
	return &r, nil
}

func scanBreaker(row scannable) (*model.BreakerState, error) {
	var st model.BreakerState
	var openedAt sql.NullTime
	err := row.Scan(&st.Processor, &st.Scope, &st.Failures, &openedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "breaker")
	}
	if err != nil {
		return nil, eris.Wrap(err, "scan breaker")
	}
	if openedAt.Valid {
		t := openedAt.Time
		st.OpenedAt = &t
	}
	return &st, nil
}
