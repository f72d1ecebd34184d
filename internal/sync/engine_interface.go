package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// The scheduler depends on it rather than on *Reconciler.
type SyncEngineInterface interface {
	// Sync performs one synchronization pass.
	Sync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of pending changes to sync.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

var _ SyncEngineInterface = (*Reconciler)(nil)

// SyncEventType names a sync lifecycle event.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync.started"
	SyncEventCompleted SyncEventType = "sync.completed"
	SyncEventFailed    SyncEventType = "sync.failed"
	SyncEventConflict  SyncEventType = "sync.conflict"
)

// SyncEvent is delivered to a SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	ItemID    string        `json:"itemId,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncEventHandler receives sync events. Calls happen on the syncing goroutine.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}
