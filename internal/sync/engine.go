// Package sync reconciles queued offline mutations with the remote replica,
// routing divergences through the conflict engine.
package sync

import (
	"context"
	stdsync "sync"
	"time"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/conflict"
	"github.com/kimhsiao/pricewatch/backend/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// maxErrorHistory bounds the per-mutation error log.
const maxErrorHistory = 100

// RemoteSource is the remote replica as seen by the reconciler.
type RemoteSource interface {
	// Fetch returns the remote version of a record, or nil, nil when the
	// remote has no such record.
	Fetch(ctx context.Context, collection, id string) (models.Record, error)

	// Push delivers a local mutation to the remote.
	Push(ctx context.Context, collection string, action models.Action, record models.Record) error
}

// LocalSink receives remote versions that won a conflict.
type LocalSink interface {
	Apply(ctx context.Context, collection string, record models.Record) error
}

// SyncResult summarizes one Sync run.
type SyncResult struct {
	StartTime    time.Time     `json:"startTime"`
	EndTime      time.Time     `json:"endTime"`
	Duration     time.Duration `json:"duration"`
	Processed    int           `json:"processed"`
	Pushed       int           `json:"pushed"`
	Pulled       int           `json:"pulled"`
	Conflicts    int           `json:"conflicts"`
	AutoResolved int           `json:"autoResolved"`
	Failed       int           `json:"failed"`
	Error        string        `json:"error,omitempty"`
}

// SyncError is one failed mutation delivery.
type SyncError struct {
	ItemID     string    `json:"itemId"`
	Operation  string    `json:"operation"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Reconciler drains the mutation queue against a RemoteSource.
type Reconciler struct {
	queue     *queue.SyncQueue
	conflicts *conflict.Service
	remote    RemoteSource
	local     LocalSink
	strategy  string
	now       func() time.Time

	mu           stdsync.RWMutex
	status       SyncStatus
	lastSync     *time.Time
	lastErr      error
	handler      SyncEventHandler
	errorHistory []SyncError
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithAutoStrategy sets the automatic strategy used for detected conflicts.
func WithAutoStrategy(id string) Option {
	return func(r *Reconciler) {
		r.strategy = id
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a Reconciler. The default strategy is last_modified.
func NewReconciler(q *queue.SyncQueue, svc *conflict.Service, remote RemoteSource, local LocalSink, opts ...Option) *Reconciler {
	r := &Reconciler{
		queue:     q,
		conflicts: svc,
		remote:    remote,
		local:     local,
		strategy:  conflict.StrategyLastModified,
		now:       time.Now,
		status:    SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns the current sync status.
func (r *Reconciler) Status() SyncStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// LastSync returns the time the last successful run finished.
func (r *Reconciler) LastSync() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync
}

// PendingChanges returns the number of queued mutations ready to sync.
func (r *Reconciler) PendingChanges() int {
	if r.queue == nil {
		return 0
	}
	return len(r.queue.GetPending())
}

// LastError returns the error of the last run, if it failed.
func (r *Reconciler) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// SetEventHandler sets the receiver of sync events. nil disables events.
func (r *Reconciler) SetEventHandler(handler SyncEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// GetErrorHistory returns a copy of the recorded delivery errors, oldest first.
func (r *Reconciler) GetErrorHistory() []SyncError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SyncError, len(r.errorHistory))
	copy(out, r.errorHistory)
	return out
}

// ClearErrorHistory drops all recorded delivery errors.
func (r *Reconciler) ClearErrorHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorHistory = nil
}

// Sync processes every ready mutation once. A mutation without conflicts is
// pushed. Detected conflicts go through the automatic strategy: a local win
// is pushed, a remote win is written to the local sink, and anything else is
// left pending for the user while the mutation itself is retired.
func (r *Reconciler) Sync(ctx context.Context) (*SyncResult, error) {
	r.mu.Lock()
	if r.status == SyncStatusSyncing {
		r.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncFailed, "sync already in progress")
	}
	r.status = SyncStatusSyncing
	r.lastErr = nil
	r.mu.Unlock()

	result := &SyncResult{StartTime: r.now()}
	r.emitEvent(SyncEvent{Type: SyncEventStarted, Message: "Sync started"})

	err := r.drain(ctx, result)

	result.EndTime = r.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	r.mu.Lock()
	if err != nil {
		r.status = SyncStatusFailed
		r.lastErr = err
		result.Error = err.Error()
	} else {
		r.status = SyncStatusIdle
		end := result.EndTime
		r.lastSync = &end
	}
	r.mu.Unlock()

	if err != nil {
		r.emitEvent(SyncEvent{Type: SyncEventFailed, Message: err.Error()})
		return result, err
	}

	logging.Info("Sync completed", map[string]interface{}{
		"processed":     result.Processed,
		"pushed":        result.Pushed,
		"pulled":        result.Pulled,
		"conflicts":     result.Conflicts,
		"auto_resolved": result.AutoResolved,
		"failed":        result.Failed,
		"duration_ms":   result.Duration.Milliseconds(),
	})
	r.emitEvent(SyncEvent{Type: SyncEventCompleted, Message: "Sync completed"})
	return result, nil
}

// drain dequeues until no ready item is left. Only queue and conflict store
// failures abort the run; transport failures are retried by the queue.
func (r *Reconciler) drain(ctx context.Context, result *SyncResult) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := r.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		result.Processed++

		if err := r.process(ctx, item, result); err != nil {
			if apperrors.Is(err, apperrors.ErrStorage) {
				r.release(ctx, item.ID)
				return err
			}
			result.Failed++
			r.recordError(item.ID, string(item.Action), err)
			if ferr := r.queue.Failed(ctx, item.ID, err); ferr != nil && !apperrors.Is(ferr, apperrors.ErrSyncFailed) {
				return ferr
			}
			continue
		}

		if err := r.queue.Complete(ctx, item.ID); err != nil {
			r.release(ctx, item.ID)
			return err
		}
	}
}

// release puts an item taken by an aborted run back in line.
func (r *Reconciler) release(ctx context.Context, id string) {
	if err := r.queue.Release(context.WithoutCancel(ctx), id); err != nil {
		logging.Error("Failed to release mutation", err, map[string]interface{}{
			"item_id": id,
		})
	}
}

// process reconciles one mutation. Errors returned here are transport errors
// unless they carry STORAGE_ERROR. A mutation whose conflict was already
// settled by an earlier attempt is delivered by that outcome without being
// checked again.
func (r *Reconciler) process(ctx context.Context, item *queue.QueueItem, result *SyncResult) error {
	switch item.Outcome {
	case models.OutcomeLocal:
		return r.push(ctx, item, result)
	case models.OutcomeRemote:
		remote, err := r.fetch(ctx, item)
		if err != nil {
			return err
		}
		return r.apply(ctx, item, remote, result)
	}

	remote, err := r.fetch(ctx, item)
	if err != nil {
		return err
	}

	detection, err := r.conflicts.DetectConflicts(ctx, item.Record, remote, item.Action)
	if err != nil {
		// Detection fails open: the mutation proceeds as if nothing diverged.
		logging.Warn("Pushing without conflict check", map[string]interface{}{
			"item_id": item.ID,
			"error":   err.Error(),
		})
	}
	if !detection.HasConflicts {
		return r.push(ctx, item, result)
	}

	result.Conflicts += len(detection.Conflicts)
	r.emitEvent(SyncEvent{
		Type:    SyncEventConflict,
		ItemID:  item.Record.ID(),
		Message: detection.Conflicts[0].Description,
	})

	resolutions, err := r.conflicts.ResolveConflictsAutomatically(ctx, detection.Conflicts, r.strategy)
	result.AutoResolved += len(resolutions)
	if err != nil {
		return err
	}

	switch decision := outcome(resolutions, len(detection.Conflicts)); decision {
	case models.OutcomeLocal:
		if err := r.queue.RecordOutcome(ctx, item.ID, decision); err != nil {
			return err
		}
		return r.push(ctx, item, result)
	case models.OutcomeRemote:
		if err := r.queue.RecordOutcome(ctx, item.ID, decision); err != nil {
			return err
		}
		return r.apply(ctx, item, remote, result)
	default:
		logging.Info("Conflict left for the user", map[string]interface{}{
			"item_id":   item.ID,
			"entity_id": item.Record.ID(),
			"conflicts": len(detection.Conflicts),
		})
		return nil
	}
}

func (r *Reconciler) fetch(ctx context.Context, item *queue.QueueItem) (models.Record, error) {
	remote, err := r.remote.Fetch(ctx, item.Collection, item.Record.ID())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "fetch "+item.Collection+"/"+item.Record.ID(), err)
	}
	return remote, nil
}

// apply writes the winning remote version locally. A remote that has since
// lost the record leaves nothing to apply.
func (r *Reconciler) apply(ctx context.Context, item *queue.QueueItem, remote models.Record, result *SyncResult) error {
	if remote == nil {
		logging.Info("Remote version gone, nothing to apply", map[string]interface{}{
			"item_id":   item.ID,
			"entity_id": item.Record.ID(),
		})
		return nil
	}
	if err := r.local.Apply(ctx, item.Collection, remote); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "apply remote "+item.Collection+"/"+remote.ID(), err)
	}
	result.Pulled++
	return nil
}

func (r *Reconciler) push(ctx context.Context, item *queue.QueueItem, result *SyncResult) error {
	if err := r.remote.Push(ctx, item.Collection, item.Action, item.Record); err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "push "+item.Collection+"/"+item.Record.ID(), err)
	}
	result.Pushed++
	return nil
}

// outcome folds the resolutions of one mutation into a single decision.
// Anything short of a unanimous local or remote win yields skip.
func outcome(resolutions []*models.ConflictResolution, conflicts int) models.Outcome {
	if len(resolutions) == 0 || len(resolutions) < conflicts {
		return models.OutcomeSkip
	}
	first := resolutions[0].Resolution
	for _, res := range resolutions[1:] {
		if res.Resolution != first {
			return models.OutcomeSkip
		}
	}
	if first != models.OutcomeLocal && first != models.OutcomeRemote {
		return models.OutcomeSkip
	}
	return first
}

func (r *Reconciler) recordError(itemID, operation string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errorHistory = append(r.errorHistory, SyncError{
		ItemID:     itemID,
		Operation:  operation,
		Message:    err.Error(),
		OccurredAt: r.now(),
	})
	if len(r.errorHistory) > maxErrorHistory {
		r.errorHistory = r.errorHistory[len(r.errorHistory)-maxErrorHistory:]
	}
}

func (r *Reconciler) emitEvent(event SyncEvent) {
	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	handler.OnSyncEvent(event)
}
