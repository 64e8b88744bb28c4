package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the three tables if they do not already exist. Run once at startup so a fresh database is usable
// without a separate migration step.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	user_token TEXT UNIQUE NOT NULL,
	quota      INT NOT NULL DEFAULT 5
);

CREATE TABLE IF NOT EXISTS user_aliases (
	id      BIGSERIAL PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	alias   TEXT UNIQUE NOT NULL,
	port    INT NOT NULL
);

CREATE TABLE IF NOT EXISTS api_requests (
	id          BIGSERIAL PRIMARY KEY,
	alias       TEXT NOT NULL,
	port        INT NOT NULL,
	method      TEXT NOT NULL,
	path        TEXT NOT NULL,
	status_code INT NOT NULL,
	bytes_in    INT NOT NULL,
	bytes_out   INT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres is a Store backed by a bounded pgxpool connection pool
// shared between the allocator and the request logger.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn (the password is supplied separately and is
// required), runs the schema, and returns a ready Postgres store.
func Open(ctx context.Context, dsn, password string) (*Postgres, error) {
	if password == "" {
		return nil, errors.New("store: password is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.ConnConfig.Password = password
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close drains the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// LookupUser implements UserLookup.
func (p *Postgres) LookupUser(ctx context.Context, token string) (int, bool, error) {
	var quota int
	err := p.pool.QueryRow(ctx, `SELECT quota FROM users WHERE user_token = $1`, token).Scan(&quota)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: lookup user: %w", err)
	}
	return quota, true, nil
}

// FindAlias implements AliasStore.
func (p *Postgres) FindAlias(ctx context.Context, userToken string, port int) (string, bool, error) {
	const q = `
		SELECT ua.alias
		FROM user_aliases ua
		JOIN users u ON u.id = ua.user_id
		WHERE u.user_token = $1 AND ua.port = $2`

	var alias string
	err := p.pool.QueryRow(ctx, q, userToken, port).Scan(&alias)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: find alias: %w", err)
	}
	return alias, true, nil
}

// InsertAlias implements AliasStore.
func (p *Postgres) InsertAlias(ctx context.Context, userToken, alias string, port int) error {
	const q = `
		INSERT INTO user_aliases (user_id, alias, port)
		SELECT id, $2, $3 FROM users WHERE user_token = $1`

	tag, err := p.pool.Exec(ctx, q, userToken, alias, port)
	if err != nil {
		return fmt.Errorf("store: insert alias: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: insert alias: unknown user %q", userToken)
	}
	return nil
}

// CountAliases implements AliasStore.
func (p *Postgres) CountAliases(ctx context.Context, userToken string) (int, error) {
	const q = `
		SELECT count(*)
		FROM user_aliases ua
		JOIN users u ON u.id = ua.user_id
		WHERE u.user_token = $1`

	var n int
	if err := p.pool.QueryRow(ctx, q, userToken).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count aliases: %w", err)
	}
	return n, nil
}

// LogRequest implements RequestLogger.
func (p *Postgres) LogRequest(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO api_requests (alias, port, method, path, status_code, bytes_in, bytes_out)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := p.pool.Exec(ctx, q, rec.Alias, rec.Port, rec.Method, rec.Path, rec.Status, rec.BytesIn, rec.BytesOut)
	if err != nil {
		return fmt.Errorf("store: log request: %w", err)
	}
	return nil
}
