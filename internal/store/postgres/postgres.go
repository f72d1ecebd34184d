// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL CHECK (length(collection) > 0),
    id TEXT NOT NULL CHECK (length(id) > 0),
    data BYTEA NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records (collection, updated_at);
`

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to dsn, verifies the connection and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "parse postgres dsn", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, apperrors.Storage("connect postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperrors.Storage("ping postgres", err)
	}

	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logging.Info("postgres store ready", map[string]interface{}{
		"host":     cfg.ConnConfig.Host,
		"database": cfg.ConnConfig.Database,
	})
	return s, nil
}

// New wraps an existing pool. The caller owns the pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// EnsureSchema creates the records table if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "create records table", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, collection, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM records WHERE collection = $1 AND id = $2`, collection, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.NotFound(collection, id)
		}
		return nil, apperrors.Storage("get "+collection+"/"+id, err)
	}
	return data, nil
}

// GetAll implements store.Store.
func (s *Store) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM records WHERE collection = $1 ORDER BY id`, collection)
	if err != nil {
		return nil, apperrors.Storage("list "+collection, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, apperrors.Storage("list "+collection, err)
	}
	return out, nil
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, collection, id string, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (collection, id, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		collection, id, data, s.now().UnixMilli())
	if err != nil {
		return apperrors.Storage("put "+collection+"/"+id, err)
	}
	return nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE collection = $1 AND id = $2`, collection, id); err != nil {
		return apperrors.Storage("delete "+collection+"/"+id, err)
	}
	return nil
}

// CompareAndSwap implements store.Store. The row is locked by the UPDATE, so
// concurrent swaps against the same old bytes cannot both succeed.
func (s *Store) CompareAndSwap(ctx context.Context, collection, id string, old, new []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET data = $1, updated_at = $2 WHERE collection = $3 AND id = $4 AND data = $5`,
		new, s.now().UnixMilli(), collection, id, old)
	if err != nil {
		return false, apperrors.Storage("swap "+collection+"/"+id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM records WHERE collection = $1 AND id = $2)`, collection, id).Scan(&exists)
	if err != nil {
		return false, apperrors.Storage("swap "+collection+"/"+id, err)
	}
	if !exists {
		return false, store.NotFound(collection, id)
	}
	return false, nil
}

// Page implements store.Store.
func (s *Store) Page(ctx context.Context, collection, afterID string, limit int) ([]store.Entry, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, data FROM records WHERE collection = $1 AND id > $2 ORDER BY id LIMIT $3`,
		collection, afterID, lim)
	if err != nil {
		return nil, apperrors.Storage("page "+collection, err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Entry, error) {
		var e store.Entry
		err := row.Scan(&e.ID, &e.Data)
		return e, err
	})
	if err != nil {
		return nil, apperrors.Storage("page "+collection, err)
	}
	return entries, nil
}

var _ store.Store = (*Store)(nil)
