package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/signal-engine/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	config     TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	result     TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS cluster_versions (
	cluster_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	body       TEXT NOT NULL,
	superseded INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (cluster_id, version)
);

CREATE TABLE IF NOT EXISTS signal_cache (
	key        TEXT PRIMARY KEY,
	signals    TEXT NOT NULL,
	stored_at  DATETIME NOT NULL,
	ttl_secs   INTEGER NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_cluster_versions_run_id ON cluster_versions(run_id);
CREATE INDEX IF NOT EXISTS idx_signal_cache_expires_at ON signal_cache(expires_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, cfg model.RunConfig) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal run config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, config, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(cfgJSON), string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Config:    cfg,
		Status:    model.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, config, status, result, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, config, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

func (s *SQLiteStore) SaveClusterVersions(ctx context.Context, runID string, clusters []model.InsightCluster) error {
	if len(clusters) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	for _, cl := range clusters {
		body, err := json.Marshal(cl)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal cluster")
		}
		superseded := 0
		if cl.Superseded {
			superseded = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO cluster_versions (cluster_id, version, run_id, body, superseded, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (cluster_id, version) DO UPDATE SET superseded = excluded.superseded`,
			cl.ID, cl.Version, runID, string(body), superseded, cl.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert cluster %s#%d", cl.ID, cl.Version)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit clusters")
}

func (s *SQLiteStore) ListClusterVersions(ctx context.Context, runID string) ([]model.InsightCluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM cluster_versions WHERE run_id = ? ORDER BY created_at, version`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clusters")
	}
	defer rows.Close()

	var out []model.InsightCluster
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cluster")
		}
		var cl model.InsightCluster
		if err := json.Unmarshal([]byte(body), &cl); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal cluster")
		}
		out = append(out, cl)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate clusters")
}

func (s *SQLiteStore) GetCachedSignals(ctx context.Context, key string) ([]model.RawSignal, time.Time, time.Duration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT signals, stored_at, ttl_secs FROM signal_cache WHERE key = ?`,
		key,
	)
	var body string
	var storedAt time.Time
	var ttlSecs int64
	if err := row.Scan(&body, &storedAt, &ttlSecs); err != nil {
		if err == sql.ErrNoRows {
			return nil, time.Time{}, 0, nil
		}
		return nil, time.Time{}, 0, eris.Wrap(err, "sqlite: get cached signals")
	}
	var signals []model.RawSignal
	if err := json.Unmarshal([]byte(body), &signals); err != nil {
		return nil, time.Time{}, 0, eris.Wrap(err, "sqlite: unmarshal cached signals")
	}
	return signals, storedAt, time.Duration(ttlSecs) * time.Second, nil
}

func (s *SQLiteStore) SetCachedSignals(ctx context.Context, key string, signals []model.RawSignal, ttl time.Duration) error {
	body, err := json.Marshal(signals)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cached signals")
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signal_cache (key, signals, stored_at, ttl_secs, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
			signals = excluded.signals,
			stored_at = excluded.stored_at,
			ttl_secs = excluded.ttl_secs,
			expires_at = excluded.expires_at`,
		key, string(body), now, int64(ttl.Seconds()), now.Add(ttl),
	)
	return eris.Wrap(err, "sqlite: set cached signals")
}

func (s *SQLiteStore) DeleteExpiredSignals(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM signal_cache WHERE expires_at < ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete expired signals")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var cfgJSON string
	var status string
	var resultJSON sql.NullString

	if err := row.Scan(&run.ID, &cfgJSON, &status, &resultJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, eris.Wrap(err, "run not found")
		}
		return nil, eris.Wrap(err, "scan run")
	}

	if err := json.Unmarshal([]byte(cfgJSON), &run.Config); err != nil {
		return nil, eris.Wrap(err, "unmarshal run config")
	}
	run.Status = model.RunStatus(status)

	if resultJSON.Valid && resultJSON.String != "" {
		var result model.RunResult
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, eris.Wrap(err, "unmarshal run result")
		}
		run.Result = &result
	}
	return &run, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("%s %s not found", entity, id)
	}
	return nil
}
