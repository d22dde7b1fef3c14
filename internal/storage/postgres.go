package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "shoutbot/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS shoutbot_docs (
	key        TEXT PRIMARY KEY,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS shoutbot_runs (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL,
	plugin      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	ok          INTEGER NOT NULL,
	fail        INTEGER NOT NULL,
	summary     TEXT,
	detail      TEXT
);
CREATE INDEX IF NOT EXISTS shoutbot_runs_plugin_seq ON shoutbot_runs(plugin, seq DESC);
CREATE TABLE IF NOT EXISTS shoutbot_dedup (
	key   TEXT PRIMARY KEY,
	until TIMESTAMPTZ NOT NULL
);
`

type postgresStore struct {
	pool    *pgxpool.Pool
	log     logx.Logger
	maxRuns int
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = 4
	pcfg.HealthCheckPeriod = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{pool: pool, log: log, maxRuns: historySize(cfg.HistorySize)}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) GetDoc(ctx context.Context, key string) (json.RawMessage, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM shoutbot_docs WHERE key = $1`, key).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select doc: %w", err)
	}
	return json.RawMessage(body), nil
}

func (s *postgresStore) PutDoc(ctx context.Context, key string, doc json.RawMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO shoutbot_docs (key, body, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		key, []byte(doc),
	)
	if err != nil {
		return fmt.Errorf("upsert doc: %w", err)
	}
	return nil
}

func (s *postgresStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO shoutbot_runs (id, plugin, started_at, finished_at, ok, fail, summary, detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.Plugin, r.StartedAt, r.FinishedAt, r.OK, r.Fail, nullStr(r.Summary), nullStr(r.Detail),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`DELETE FROM shoutbot_runs WHERE plugin = $1 AND seq <= (
			SELECT seq FROM shoutbot_runs WHERE plugin = $1 ORDER BY seq DESC OFFSET $2 LIMIT 1
		)`, r.Plugin, s.maxRuns)
	if err != nil {
		s.log.Debug("postgres run prune failed", logx.Err(err))
	}
	return nil
}

func (s *postgresStore) ListRuns(ctx context.Context, plugin string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = s.maxRuns
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, plugin, started_at, finished_at, ok, fail, COALESCE(summary, ''), COALESCE(detail, '')
		 FROM shoutbot_runs WHERE plugin = $1 ORDER BY seq DESC LIMIT $2`, plugin, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (RunRecord, error) {
		var r RunRecord
		err := row.Scan(&r.ID, &r.Plugin, &r.StartedAt, &r.FinishedAt, &r.OK, &r.Fail, &r.Summary, &r.Detail)
		return r, err
	})
}

func (s *postgresStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO shoutbot_dedup (key, until) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET until = EXCLUDED.until`, key, until)
	return err
}

func (s *postgresStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var until time.Time
	err := s.pool.QueryRow(ctx, `SELECT until FROM shoutbot_dedup WHERE key = $1`, key).Scan(&until)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}
