package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulsecast/internal/models"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS streaming_sessions (
    id         TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    ended_at   TIMESTAMPTZ,
    record     JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS streaming_sessions_created_at_idx
    ON streaming_sessions (created_at DESC);
`

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// sessions table exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("archive: postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive: parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("archive: open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, sessionsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ensure schema: %w", err)
	}
	return &postgresRepository{pool: pool}, nil
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

func (r *postgresRepository) Save(ctx context.Context, session models.StreamingSession) error {
	if session.ID == "" {
		return fmt.Errorf("archive: session id is required")
	}
	record, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("archive: encode session: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
INSERT INTO streaming_sessions (id, status, created_at, started_at, ended_at, record)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    status     = EXCLUDED.status,
    started_at = EXCLUDED.started_at,
    ended_at   = EXCLUDED.ended_at,
    record     = EXCLUDED.record`,
		session.ID, string(session.Status), session.CreatedAt, session.StartedAt, session.EndedAt, record)
	if err != nil {
		return fmt.Errorf("archive: save session %s: %w", session.ID, err)
	}
	return nil
}

func (r *postgresRepository) Get(ctx context.Context, id string) (models.StreamingSession, error) {
	var record []byte
	err := r.pool.QueryRow(ctx,
		`SELECT record FROM streaming_sessions WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StreamingSession{}, ErrNotFound
	}
	if err != nil {
		return models.StreamingSession{}, fmt.Errorf("archive: get session %s: %w", id, err)
	}
	return decodeSession(record)
}

func (r *postgresRepository) List(ctx context.Context, limit int) ([]models.StreamingSession, error) {
	query := `SELECT record FROM streaming_sessions ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.StreamingSession
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("archive: scan session: %w", err)
		}
		session, err := decodeSession(record)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	return out, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func decodeSession(record []byte) (models.StreamingSession, error) {
	var session models.StreamingSession
	if err := json.Unmarshal(record, &session); err != nil {
		return models.StreamingSession{}, fmt.Errorf("archive: decode session: %w", err)
	}
	return session, nil
}
