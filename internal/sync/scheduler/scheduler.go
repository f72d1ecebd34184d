// Package scheduler runs the background loops of the engine: draining the
// mutation queue while online and purging old resolved conflicts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	syncpkg "github.com/kimhsiao/pricewatch/backend/internal/sync"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/queue"
)

// syncTimeout bounds one reconciliation run.
const syncTimeout = 5 * time.Minute

// Cleaner purges resolved conflicts older than a retention window.
// *conflict.Service satisfies it.
type Cleaner interface {
	CleanupResolvedConflicts(ctx context.Context, retentionDays int) (int, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine          syncpkg.SyncEngineInterface
	queue           *queue.SyncQueue
	cleaner         Cleaner
	queueInterval   time.Duration
	cleanupInterval time.Duration
	retentionDays   int

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu                 sync.RWMutex
	isRunning          bool
	isOnline           bool
	lastSyncTime       time.Time
	lastCleanupTime    time.Time
	lastCleanupDeleted int
	syncInProgress     bool
	cleanupInProgress  bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	QueueInterval   time.Duration // How often to drain the queue when online (default: 1 minute)
	CleanupInterval time.Duration // How often to purge resolved conflicts (default: 24 hours)
	RetentionDays   int           // Age in days after which resolved conflicts are purged (default: 30)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		QueueInterval:   1 * time.Minute,
		CleanupInterval: 24 * time.Hour,
		RetentionDays:   30,
	}
}

// NewScheduler creates a new Scheduler. engine and cleaner may each be nil, in
// which case the matching loop is not started.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.SyncQueue, cleaner Cleaner, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.QueueInterval <= 0 {
		config.QueueInterval = defaults.QueueInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}

	return &Scheduler{
		engine:          engine,
		queue:           q,
		cleaner:         cleaner,
		queueInterval:   config.QueueInterval,
		cleanupInterval: config.CleanupInterval,
		retentionDays:   config.RetentionDays,
		isOnline:        true, // Assume online initially
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	if s.engine != nil {
		s.wg.Add(1)
		go s.queueProcessorLoop(ctx, stopCh)
	}

	if s.cleaner != nil {
		s.wg.Add(1)
		go s.cleanupLoop(ctx, stopCh)
	}

	logging.Info("Background scheduler started", map[string]interface{}{
		"queue_interval":   s.queueInterval.String(),
		"cleanup_interval": s.cleanupInterval.String(),
		"retention_days":   s.retentionDays,
	})
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background scheduler stopped", nil)
}

// SetOnlineStatus changes the online status of the scheduler.
// While offline mutations stay queued and only cleanup runs.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// queueProcessorLoop drains the queue on every tick while online.
func (s *Scheduler) queueProcessorLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			if s.queue != nil && len(s.queue.GetPending()) == 0 {
				continue
			}
			s.runSync(ctx)
		}
	}
}

// cleanupLoop purges resolved conflicts on every tick, online or not.
func (s *Scheduler) cleanupLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := s.RunCleanup(ctx); err != nil {
				logging.ErrorWithCode("Conflict cleanup failed", string(errors.CodeOf(err)), err,
					map[string]interface{}{"retention_days": s.retentionDays})
			}
		}
	}
}

// runSync executes one reconciliation run unless one is already going.
func (s *Scheduler) runSync(ctx context.Context) {
	if !s.beginSync() {
		logging.Debug("Sync already in progress, skipping", nil)
		return
	}
	defer s.endSync()

	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Queue sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_seconds": s.queueInterval.Seconds()})
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Debug("Queue sync finished", map[string]interface{}{
		"processed": result.Processed,
		"conflicts": result.Conflicts,
	})
}

func (s *Scheduler) beginSync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

func (s *Scheduler) endSync() {
	s.mu.Lock()
	s.syncInProgress = false
	s.mu.Unlock()
}

// RunCleanup purges resolved conflicts now and returns how many were deleted.
// It returns 0, nil when another cleanup is running or no cleaner is set.
func (s *Scheduler) RunCleanup(ctx context.Context) (int, error) {
	if s.cleaner == nil {
		return 0, nil
	}

	s.mu.Lock()
	if s.cleanupInProgress {
		s.mu.Unlock()
		return 0, nil
	}
	s.cleanupInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.cleanupInProgress = false
		s.mu.Unlock()
	}()

	deleted, err := s.cleaner.CleanupResolvedConflicts(ctx, s.retentionDays)
	if err != nil {
		return deleted, err
	}

	s.mu.Lock()
	s.lastCleanupTime = time.Now()
	s.lastCleanupDeleted = deleted
	s.mu.Unlock()
	return deleted, nil
}

// TriggerSync starts an immediate run in the background.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine == nil || !s.beginSync() {
		return false
	}

	go func() {
		defer s.endSync()

		syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
		defer cancel()

		if _, err := s.engine.Sync(syncCtx); err != nil {
			logging.ErrorWithCode("Triggered sync failed", string(errors.ErrSyncFailed), err, nil)
			return
		}
		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.mu.Unlock()
	}()
	return true
}

// SyncNow runs a reconciliation and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if s.engine == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "no remote replica configured")
	}
	if !s.beginSync() {
		return nil, errors.New(errors.ErrSyncFailed, "sync already in progress")
	}
	defer s.endSync()

	syncCtx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"pushed":    result.Pushed,
			"pulled":    result.Pulled,
			"conflicts": result.Conflicts,
		})
	return result, nil
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning          bool           `json:"isRunning"`
	IsOnline           bool           `json:"isOnline"`
	LastSyncTime       *time.Time     `json:"lastSyncTime,omitempty"`
	LastCleanupTime    *time.Time     `json:"lastCleanupTime,omitempty"`
	LastCleanupDeleted int            `json:"lastCleanupDeleted"`
	SyncInProgress     bool           `json:"syncInProgress"`
	PendingItems       int            `json:"pendingItems"`
	QueueStats         map[string]int `json:"queueStats,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:          s.isRunning,
		IsOnline:           s.isOnline,
		SyncInProgress:     s.syncInProgress,
		LastCleanupDeleted: s.lastCleanupDeleted,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastCleanupTime.IsZero() {
		t := s.lastCleanupTime
		status.LastCleanupTime = &t
	}
	s.mu.RUnlock()

	if s.queue != nil {
		status.PendingItems = len(s.queue.GetPending())
		status.QueueStats = s.queue.GetStats()
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
