package archive

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

const (
	backupPrefix     = "pricewatch-"
	backupExt        = ".pwa"
	backupTimeLayout = "20060102-150405"
)

// BackupConfig configures periodic backups.
type BackupConfig struct {
	Dir      string
	Interval time.Duration
	// Keep is the number of archives retained in Dir; 0 keeps all of them.
	Keep     int
	Password string
}

// Backup writes an archive of a store into a directory on a fixed interval
// and prunes the oldest archives beyond the configured count.
type Backup struct {
	store  store.Store
	config BackupConfig
	now    func() time.Time

	mu     sync.Mutex
	last   time.Time
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBackup creates a Backup. It does not start until Start is called.
func NewBackup(s store.Store, config BackupConfig) *Backup {
	if config.Keep < 0 {
		config.Keep = 0
	}
	return &Backup{store: s, config: config, now: time.Now}
}

// Start launches the backup loop. A non-positive interval disables it.
func (b *Backup) Start(ctx context.Context) {
	if b.config.Interval <= 0 {
		logging.Info("Scheduled backups disabled", nil)
		return
	}

	b.mu.Lock()
	if b.stopCh != nil {
		b.mu.Unlock()
		return
	}
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	stopCh, doneCh := b.stopCh, b.doneCh
	b.mu.Unlock()

	logging.Info("Scheduled backups started", map[string]interface{}{
		"dir":      b.config.Dir,
		"interval": b.config.Interval.String(),
		"keep":     b.config.Keep,
	})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(b.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := b.RunOnce(ctx); err != nil {
					logging.ErrorWithCode("Scheduled backup failed", string(apperrors.CodeOf(err)), err, nil)
				}
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the backup loop and waits for a running backup to finish.
func (b *Backup) Stop() {
	b.mu.Lock()
	stopCh, doneCh := b.stopCh, b.doneCh
	b.stopCh, b.doneCh = nil, nil
	b.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// LastRun returns when the last successful backup finished.
func (b *Backup) LastRun() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// RunOnce writes one archive and applies the retention count. It returns the
// path of the new archive.
func (b *Backup) RunOnce(ctx context.Context) (string, error) {
	if err := os.MkdirAll(b.config.Dir, 0o700); err != nil {
		return "", apperrors.Storage("create backup dir", err)
	}

	ts := b.now()
	path := filepath.Join(b.config.Dir, backupPrefix+ts.UTC().Format(backupTimeLayout)+backupExt)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", apperrors.Storage("create backup file", err)
	}
	_, err = Export(ctx, b.store, f, ExportOptions{Password: b.config.Password, Now: b.now})
	if cerr := f.Close(); err == nil && cerr != nil {
		err = apperrors.Storage("close backup file", cerr)
	}
	if err == nil {
		if rerr := os.Rename(tmp, path); rerr != nil {
			err = apperrors.Storage("finalize backup file", rerr)
		}
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}

	b.mu.Lock()
	b.last = ts
	b.mu.Unlock()

	if b.config.Keep > 0 {
		if err := b.prune(); err != nil {
			// The new archive is already in place.
			logging.Warn("Backup retention failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return path, nil
}

// List returns the archives in the backup directory, oldest first.
func (b *Backup) List() ([]string, error) {
	entries, err := os.ReadDir(b.config.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("read backup dir", err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupExt) {
			continue
		}
		paths = append(paths, filepath.Join(b.config.Dir, name))
	}
	// Timestamped names sort chronologically.
	sort.Strings(paths)
	return paths, nil
}

func (b *Backup) prune() error {
	paths, err := b.List()
	if err != nil {
		return err
	}
	if len(paths) <= b.config.Keep {
		return nil
	}
	for _, p := range paths[:len(paths)-b.config.Keep] {
		if err := os.Remove(p); err != nil {
			return apperrors.Storage("remove old backup", err)
		}
		logging.Debug("Removed old backup", map[string]interface{}{"path": p})
	}
	return nil
}
