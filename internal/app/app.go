// Package app assembles the engine from a Config: it opens the configured
// store, builds the conflict service and restores the mutation queue.
// Both command-line entry points go through it.
package app

import (
	"context"
	"errors"

	"github.com/kimhsiao/pricewatch/backend/internal/config"
	"github.com/kimhsiao/pricewatch/backend/internal/db"
	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
	"github.com/kimhsiao/pricewatch/backend/internal/store/postgres"
	syncpkg "github.com/kimhsiao/pricewatch/backend/internal/sync"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/conflict"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/queue"
)

// App holds the long-lived components of one process.
type App struct {
	Config    *config.Config
	Store     store.Store
	Conflicts *conflict.Service
	Queue     *queue.SyncQueue

	// Reconciler is nil unless a remote replica is configured.
	Reconciler *syncpkg.Reconciler

	closers []func() error
}

// Open builds an App from cfg. Options are passed to the conflict service.
func Open(ctx context.Context, cfg *config.Config, opts ...conflict.Option) (*App, error) {
	a := &App{Config: cfg}

	s, closeStore, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = s
	a.closers = append(a.closers, closeStore)

	a.Conflicts = conflict.NewService(s, opts...)

	a.Queue = queue.NewSyncQueue(cfg.QueueSize, queue.WithStore(s))
	restored, err := a.Queue.Load(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.RemoteDSN != "" {
		remote, err := postgres.Open(ctx, cfg.RemoteDSN)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			remote.Close()
			return nil
		})
		a.Reconciler = syncpkg.NewReconciler(a.Queue, a.Conflicts,
			syncpkg.NewStoreReplica(remote), syncpkg.NewStoreReplica(s),
			syncpkg.WithAutoStrategy(cfg.AutoStrategy))
	}

	logging.Info("Engine opened", map[string]interface{}{
		"store":            cfg.Store,
		"queued_mutations": restored,
		"remote":           a.Reconciler != nil,
	})
	return a, nil
}

// OpenStore opens the store selected by cfg.Store. The returned func releases it.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return store.NewMemory(), func() error { return nil }, nil

	case config.StorePostgres:
		pg, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() error {
			pg.Close()
			return nil
		}, nil

	case config.StoreSQLite:
		database, err := db.Open(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(database); err != nil {
			database.Close()
			return nil, nil, err
		}
		sqliteStore := db.NewSQLiteStore(database)
		return sqliteStore, func() error {
			return errors.Join(sqliteStore.Close(), database.Close())
		}, nil
	}
	return nil, nil, apperrors.Newf(apperrors.ErrConfigInvalid, "unknown store %q", cfg.Store)
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
