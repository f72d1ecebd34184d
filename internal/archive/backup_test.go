package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

func newTestBackup(t *testing.T, keep int, password string) (*Backup, *time.Time) {
	t.Helper()
	clock := exportTime
	b := NewBackup(seededStore(t), BackupConfig{
		Dir:      filepath.Join(t.TempDir(), "backups"),
		Interval: time.Hour,
		Keep:     keep,
		Password: password,
	})
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBackup_RunOnce(t *testing.T) {
	b, _ := newTestBackup(t, 0, "")

	path, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "pricewatch-20260301-120000.pwa", filepath.Base(path))
	assert.Equal(t, exportTime, b.LastRun())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	res, err := Import(context.Background(), store.NewMemory(), f, "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Imported)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestBackup_retention(t *testing.T) {
	b, clock := newTestBackup(t, 2, "backup-password")

	var written []string
	for i := 0; i < 4; i++ {
		*clock = exportTime.Add(time.Duration(i) * time.Hour)
		path, err := b.RunOnce(context.Background())
		require.NoError(t, err)
		written = append(written, path)
	}

	paths, err := b.List()
	require.NoError(t, err)
	assert.Equal(t, written[2:], paths)
}

func TestBackup_listIgnoresForeignFiles(t *testing.T) {
	b, _ := newTestBackup(t, 1, "")
	require.NoError(t, os.MkdirAll(b.config.Dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(b.config.Dir, "notes.txt"), []byte("keep me"), 0o600))

	_, err := b.RunOnce(context.Background())
	require.NoError(t, err)

	paths, err := b.List()
	require.NoError(t, err)
	assert.Len(t, paths, 1)
	_, err = os.Stat(filepath.Join(b.config.Dir, "notes.txt"))
	assert.NoError(t, err)
}

func TestBackup_listMissingDir(t *testing.T) {
	b, _ := newTestBackup(t, 0, "")
	paths, err := b.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestBackup_failedExportLeavesNothing(t *testing.T) {
	b, _ := newTestBackup(t, 0, "short")

	_, err := b.RunOnce(context.Background())
	require.Error(t, err)

	entries, err := os.ReadDir(b.config.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.True(t, b.LastRun().IsZero())
}

func TestBackup_StartStop(t *testing.T) {
	b, _ := newTestBackup(t, 0, "")
	b.config.Interval = 10 * time.Millisecond

	b.Start(context.Background())
	require.Eventually(t, func() bool {
		paths, _ := b.List()
		return len(paths) > 0
	}, 2*time.Second, 5*time.Millisecond)
	b.Stop()
	b.Stop()
}

func TestBackup_disabled(t *testing.T) {
	b, _ := newTestBackup(t, 0, "")
	b.config.Interval = 0
	b.Start(context.Background())
	b.Stop()

	paths, err := b.List()
	require.NoError(t, err)
	assert.Empty(t, paths)
}
