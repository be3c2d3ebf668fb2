package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-engine/internal/model"
)

// PgxPool is the subset of pgxpool.Pool the store uses. pgxmock satisfies
// it for unit tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool PgxPool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
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

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	config     JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	result     JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS cluster_versions (
	cluster_id TEXT NOT NULL,
	version    INTEGER NOT NULL,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	body       JSONB NOT NULL,
	superseded BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (cluster_id, version)
);

CREATE TABLE IF NOT EXISTS signal_cache (
	key        TEXT PRIMARY KEY,
	signals    JSONB NOT NULL,
	stored_at  TIMESTAMPTZ NOT NULL,
	ttl_secs   BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_cluster_versions_run_id ON cluster_versions(run_id);
CREATE INDEX IF NOT EXISTS idx_signal_cache_expires_at ON signal_cache(expires_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, cfg model.RunConfig) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal run config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, config, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, cfgJSON, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Config:    cfg,
		Status:    model.RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run %s not found", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, status = $2, updated_at = $3 WHERE id = $4`,
		resultJSON, string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run %s not found", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, config, status, result, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	run, err := scanPgRun(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, config, status, result, created_at, updated_at FROM runs WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.Status != "" {
		query += ` AND status = ` + arg(string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ` + arg(filter.CreatedAfter.UTC())
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

func (s *PostgresStore) SaveClusterVersions(ctx context.Context, runID string, clusters []model.InsightCluster) error {
	for _, cl := range clusters {
		body, err := json.Marshal(cl)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal cluster")
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO cluster_versions (cluster_id, version, run_id, body, superseded, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (cluster_id, version) DO UPDATE SET superseded = EXCLUDED.superseded`,
			cl.ID, cl.Version, runID, body, cl.Superseded, cl.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert cluster %s#%d", cl.ID, cl.Version)
		}
	}
	return nil
}

func (s *PostgresStore) ListClusterVersions(ctx context.Context, runID string) ([]model.InsightCluster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT body FROM cluster_versions WHERE run_id = $1 ORDER BY created_at, version`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clusters")
	}
	defer rows.Close()

	var out []model.InsightCluster
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cluster")
		}
		var cl model.InsightCluster
		if err := json.Unmarshal(body, &cl); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal cluster")
		}
		out = append(out, cl)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate clusters")
}

func (s *PostgresStore) GetCachedSignals(ctx context.Context, key string) ([]model.RawSignal, time.Time, time.Duration, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT signals, stored_at, ttl_secs FROM signal_cache WHERE key = $1`,
		key,
	)
	var body []byte
	var storedAt time.Time
	var ttlSecs int64
	if err := row.Scan(&body, &storedAt, &ttlSecs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, time.Time{}, 0, nil
		}
		return nil, time.Time{}, 0, eris.Wrap(err, "postgres: get cached signals")
	}
	var signals []model.RawSignal
	if err := json.Unmarshal(body, &signals); err != nil {
		return nil, time.Time{}, 0, eris.Wrap(err, "postgres: unmarshal cached signals")
	}
	return signals, storedAt, time.Duration(ttlSecs) * time.Second, nil
}

func (s *PostgresStore) SetCachedSignals(ctx context.Context, key string, signals []model.RawSignal, ttl time.Duration) error {
	body, err := json.Marshal(signals)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cached signals")
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO signal_cache (key, signals, stored_at, ttl_secs, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key) DO UPDATE SET
			signals = EXCLUDED.signals,
			stored_at = EXCLUDED.stored_at,
			ttl_secs = EXCLUDED.ttl_secs,
			expires_at = EXCLUDED.expires_at`,
		key, body, now, int64(ttl.Seconds()), now.Add(ttl),
	)
	return eris.Wrap(err, "postgres: set cached signals")
}

func (s *PostgresStore) DeleteExpiredSignals(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM signal_cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete expired signals")
	}
	return int(tag.RowsAffected()), nil
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var run model.Run
	var cfgJSON []byte
	var status string
	var resultJSON []byte

	if err := row.Scan(&run.ID, &cfgJSON, &status, &resultJSON, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(cfgJSON, &run.Config); err != nil {
		return nil, eris.Wrap(err, "unmarshal run config")
	}
	run.Status = model.RunStatus(status)

	if len(resultJSON) > 0 {
		var result model.RunResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, eris.Wrap(err, "unmarshal run result")
		}
		run.Result = &result
	}
	return &run, nil
}
