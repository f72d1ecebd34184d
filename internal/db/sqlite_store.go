package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

// SQLiteStore implements store.Store on the records table.
// Frequently used statements are prepared on first use and cached.
type SQLiteStore struct {
	db  *sqlx.DB
	now func() time.Time

	stmtCache sync.Map // map[string]*sqlx.Stmt
}

// NewSQLiteStore creates a store over a migrated database.
func NewSQLiteStore(db *DB) *SQLiteStore {
	return &SQLiteStore{db: db.DB, now: time.Now}
}

type recordRow struct {
	ID   string `db:"id"`
	Data []byte `db:"data"`
}

const (
	queryGet    = `SELECT data FROM records WHERE collection = ? AND id = ?`
	queryGetAll = `SELECT data FROM records WHERE collection = ? ORDER BY id`
	queryPut    = `
	INSERT INTO records (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`
	queryDelete = `DELETE FROM records WHERE collection = ? AND id = ?`
	queryCAS    = `UPDATE records SET data = ?, updated_at = ? WHERE collection = ? AND id = ? AND data = ?`
	queryExists = `SELECT COUNT(*) FROM records WHERE collection = ? AND id = ?`
	queryPage   = `SELECT id, data FROM records WHERE collection = ? AND id > ? ORDER BY id LIMIT ?`
)

// prepare gets or creates a prepared statement from the cache.
func (s *SQLiteStore) prepare(ctx context.Context, query string) (*sqlx.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sqlx.Stmt), nil
	}

	stmt, err := s.db.PreparexContext(ctx, query)
	if err != nil {
		return nil, apperrors.Storage("prepare statement", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sqlx.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements. The database itself stays open.
func (s *SQLiteStore) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sqlx.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// Get implements store.Store.
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) ([]byte, error) {
	stmt, err := s.prepare(ctx, queryGet)
	if err != nil {
		return nil, err
	}

	var data []byte
	if err := stmt.GetContext(ctx, &data, collection, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.NotFound(collection, id)
		}
		return nil, apperrors.Storage("get "+collection+"/"+id, err)
	}
	return data, nil
}

// GetAll implements store.Store.
func (s *SQLiteStore) GetAll(ctx context.Context, collection string) ([][]byte, error) {
	stmt, err := s.prepare(ctx, queryGetAll)
	if err != nil {
		return nil, err
	}

	var rows [][]byte
	if err := stmt.SelectContext(ctx, &rows, collection); err != nil {
		return nil, apperrors.Storage("list "+collection, err)
	}
	return rows, nil
}

// Put implements store.Store.
func (s *SQLiteStore) Put(ctx context.Context, collection, id string, data []byte) error {
	stmt, err := s.prepare(ctx, queryPut)
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, collection, id, data, s.now().UnixMilli()); err != nil {
		return apperrors.Storage("put "+collection+"/"+id, err)
	}
	return nil
}

// Delete implements store.Store.
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	stmt, err := s.prepare(ctx, queryDelete)
	if err != nil {
		return err
	}

	if _, err := stmt.ExecContext(ctx, collection, id); err != nil {
		return apperrors.Storage("delete "+collection+"/"+id, err)
	}
	return nil
}

// CompareAndSwap implements store.Store with a conditional UPDATE on the stored bytes.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, collection, id string, old, new []byte) (bool, error) {
	stmt, err := s.prepare(ctx, queryCAS)
	if err != nil {
		return false, err
	}

	res, err := stmt.ExecContext(ctx, new, s.now().UnixMilli(), collection, id, old)
	if err != nil {
		return false, apperrors.Storage("swap "+collection+"/"+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.Storage("swap "+collection+"/"+id, err)
	}
	if n == 1 {
		return true, nil
	}

	exists, err := s.prepare(ctx, queryExists)
	if err != nil {
		return false, err
	}
	var count int
	if err := exists.GetContext(ctx, &count, collection, id); err != nil {
		return false, apperrors.Storage("swap "+collection+"/"+id, err)
	}
	if count == 0 {
		return false, store.NotFound(collection, id)
	}
	return false, nil
}

// Page implements store.Store.
func (s *SQLiteStore) Page(ctx context.Context, collection, afterID string, limit int) ([]store.Entry, error) {
	stmt, err := s.prepare(ctx, queryPage)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	var rows []recordRow
	if err := stmt.SelectContext(ctx, &rows, collection, afterID, limit); err != nil {
		return nil, apperrors.Storage("page "+collection, err)
	}

	entries := make([]store.Entry, len(rows))
	for i, r := range rows {
		entries[i] = store.Entry{ID: r.ID, Data: r.Data}
	}
	return entries, nil
}

// Ensure *SQLiteStore implements store.Store at compile time.
var _ store.Store = (*SQLiteStore)(nil)
