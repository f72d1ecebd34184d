// Package db tests for database connection management.
package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpen verifies database opening with proper configuration.
func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()

	db, err := Open(tmpDir)
	require.NoError(t, err)
	defer db.Close()

	dbPath := filepath.Join(tmpDir, FileName)
	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created")
	assert.Equal(t, dbPath, db.Path())

	var result int
	require.NoError(t, db.Get(&result, "SELECT 1"))
	assert.Equal(t, 1, result)

	var walMode string
	require.NoError(t, db.Get(&walMode, "PRAGMA journal_mode"))
	assert.Equal(t, "wal", walMode)

	var fkEnabled int
	require.NoError(t, db.Get(&fkEnabled, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, fkEnabled)
}

// TestOpen_invalidDataDir verifies error when data directory cannot be created.
func TestOpen_invalidDataDir(t *testing.T) {
	_, err := Open("/dev/null/invalid_path/that/cannot/be/created")
	assert.Error(t, err)
}

// TestOpenWith_memory verifies the in-memory default.
func TestOpenWith_memory(t *testing.T) {
	db, err := OpenWith()
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, ":memory:", db.Path())
	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	assert.NoError(t, err)
}

// TestOpenWith_badPragmas verifies pragma failures close the pool and surface.
func TestOpenWith_badPragmas(t *testing.T) {
	_, err := OpenWith(WithPragmas("PRAGMA definitely not sql;"))
	assert.Error(t, err)
}

// TestDB_reopen verifies data survives close and reopen.
func TestDB_reopen(t *testing.T) {
	tmpDir := t.TempDir()

	db1, err := Open(tmpDir)
	require.NoError(t, err)
	_, err = db1.Exec("CREATE TABLE test_table (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)
	_, err = db1.Exec("INSERT INTO test_table (id, name) VALUES (1, 'test')")
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(tmpDir)
	require.NoError(t, err)
	defer db2.Close()

	var name string
	require.NoError(t, db2.Get(&name, "SELECT name FROM test_table WHERE id = 1"))
	assert.Equal(t, "test", name)
}

// TestClose verifies queries fail after close.
func TestClose(t *testing.T) {
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	var result int
	assert.Error(t, db.Get(&result, "SELECT 1"))
}
