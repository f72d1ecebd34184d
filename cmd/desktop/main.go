// Package main provides the pricewatch desktop server. Desktop clients talk
// to the conflict engine over REST and receive live events over a WebSocket
// on localhost:8090.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"

	"github.com/kimhsiao/pricewatch/backend/internal/app"
	"github.com/kimhsiao/pricewatch/backend/internal/archive"
	"github.com/kimhsiao/pricewatch/backend/internal/config"
	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/conflict"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/scheduler"
)

// Version is set at build time
var Version = "0.1.0"

const shutdownTimeout = 5 * time.Second

// server bundles the pieces the desktop process runs.
type server struct {
	app    *app.App
	hub    *Hub
	sched  *scheduler.Scheduler
	backup *archive.Backup
	http   *http.Server
}

// newServer opens the engine and wires the hub, the schedulers and the router.
func newServer(ctx context.Context, cfg *config.Config) (*server, error) {
	hub := NewHub()
	a, err := app.Open(ctx, cfg, conflict.WithNotifier(hub))
	if err != nil {
		return nil, err
	}

	schedCfg := &scheduler.SchedulerConfig{
		QueueInterval:   cfg.QueueInterval,
		CleanupInterval: cfg.CleanupInterval,
		RetentionDays:   cfg.RetentionDays,
	}
	var sched *scheduler.Scheduler
	if a.Reconciler != nil {
		a.Reconciler.SetEventHandler(hub)
		sched = scheduler.NewScheduler(a.Reconciler, a.Queue, a.Conflicts, schedCfg)
	} else {
		sched = scheduler.NewScheduler(nil, a.Queue, a.Conflicts, schedCfg)
	}

	backup := archive.NewBackup(a.Store, archive.BackupConfig{
		Dir:      cfg.BackupPath(),
		Interval: cfg.BackupInterval,
		Keep:     cfg.BackupKeep,
		Password: cfg.BackupPassword,
	})

	return &server{
		app:    a,
		hub:    hub,
		sched:  sched,
		backup: backup,
		http: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           setupRoutes(a, sched, backup, hub),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// run serves until ctx is cancelled or the listener fails.
func (s *server) run(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.sched.Start(ctx)
	defer s.sched.Stop()
	s.backup.Start(ctx)
	defer s.backup.Stop()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Desktop server listening", map[string]interface{}{
			"addr":    s.http.Addr,
			"version": Version,
			"remote":  s.app.Reconciler != nil,
		})
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return apperrors.Wrap(apperrors.ErrInternal, "http server", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "http shutdown", err)
	}
	logging.Info("Desktop server stopped")
	return nil
}

func (s *server) close() error {
	return s.app.Close()
}

func run(ctx context.Context) error {
	cfg, err := config.Load(viper.New(), os.Getenv(config.EnvPrefix+"_CONFIG"))
	if err != nil {
		return err
	}
	logging.InitWithFormat(os.Stderr, cfg.Level(), logging.Format(cfg.LogFormat))
	gin.SetMode(gin.ReleaseMode)

	srv, err := newServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.close()

	return srv.run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pricewatch-desktop: %v\n", err)
		os.Exit(1)
	}
}
