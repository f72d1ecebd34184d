// Package queue holds mutations made while offline until the sync driver can
// deliver them, retrying failures with exponential backoff.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
	"github.com/kimhsiao/pricewatch/backend/internal/uuid"
)

// QueueStatus represents the status of a queued mutation.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCompleted  QueueStatus = "completed"
)

// DefaultMaxRetries is the number of failures after which an item stops being retried.
const DefaultMaxRetries = 3

// QueueItem is one offline mutation waiting to be synced.
type QueueItem struct {
	ID          string        `json:"id"`
	Collection  string        `json:"collection"`
	Action      models.Action `json:"action"`
	Record      models.Record `json:"record"`
	RetryCount  int           `json:"retryCount"`
	MaxRetries  int           `json:"maxRetries"`
	NextRetryAt int64         `json:"nextRetryAt"` // Unix seconds
	Status      QueueStatus   `json:"status"`
	CreatedAt   int64         `json:"createdAt"`
	UpdatedAt   int64         `json:"updatedAt"`
	LastError   string        `json:"lastError,omitempty"`

	// Outcome is the side that won a conflict already resolved for this
	// item. Redelivery applies it instead of detecting again.
	Outcome models.Outcome `json:"outcome,omitempty"`
}

// SyncQueue manages pending mutations with retry logic. When a store is
// configured every change is written through to the "mutations" collection,
// so the queue survives restarts (see Load).
type SyncQueue struct {
	items   map[string]*QueueItem
	mu      sync.RWMutex
	maxSize int

	store store.Store
	now   func() time.Time
	newID uuid.Generator
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithStore persists queue items into s.
func WithStore(s store.Store) Option {
	return func(q *SyncQueue) {
		q.store = s
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) {
		q.now = now
	}
}

// WithIDGenerator replaces the item id generator.
func WithIDGenerator(gen uuid.Generator) Option {
	return func(q *SyncQueue) {
		q.newID = gen
	}
}

// NewSyncQueue creates a new SyncQueue holding at most maxSize items.
func NewSyncQueue(maxSize int, opts ...Option) *SyncQueue {
	q := &SyncQueue{
		items:   make(map[string]*QueueItem),
		maxSize: maxSize,
		now:     time.Now,
		newID:   uuid.New,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load restores persisted items. Items left in progress by a previous run are
// made pending again.
func (q *SyncQueue) Load(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	raws, err := q.store.GetAll(ctx, store.CollectionMutations)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, raw := range raws {
		var m models.PendingMutation
		if err := store.Unmarshal(raw, &m); err != nil {
			return 0, err
		}
		item, err := FromModel(&m)
		if err != nil {
			return 0, err
		}
		if item.Status == QueueStatusInProgress {
			item.Status = QueueStatusPending
		}
		q.items[item.ID] = item
	}

	logging.Info("Sync queue loaded", map[string]interface{}{"items": len(q.items)})
	return len(q.items), nil
}

// Enqueue adds a mutation to the queue.
func (q *SyncQueue) Enqueue(ctx context.Context, collection string, action models.Action, record models.Record) (*QueueItem, error) {
	if !action.Valid() {
		return nil, apperrors.Validation("unknown action %q", action)
	}
	if record.ID() == "" {
		return nil, apperrors.Validation("queued record must have an id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return nil, apperrors.Newf(apperrors.ErrQueueFull, "queue is full (max size: %d)", q.maxSize)
	}

	now := q.now().Unix()
	item := &QueueItem{
		ID:          q.newID(),
		Collection:  collection,
		Action:      action,
		Record:      record.Clone(),
		MaxRetries:  DefaultMaxRetries,
		NextRetryAt: now,
		Status:      QueueStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.persist(ctx, item); err != nil {
		return nil, err
	}
	q.items[item.ID] = item

	logging.Debug("Mutation enqueued", map[string]interface{}{
		"item_id":   item.ID,
		"action":    action,
		"entity_id": record.ID(),
	})
	return copyItem(item), nil
}

// Dequeue marks the oldest ready item in progress and returns a copy of it.
// Returns nil if no items are ready.
func (q *SyncQueue) Dequeue(ctx context.Context) (*QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().Unix()
	var ready *QueueItem
	for _, item := range q.items {
		if !isReady(item, now) {
			continue
		}
		if ready == nil || item.CreatedAt < ready.CreatedAt ||
			(item.CreatedAt == ready.CreatedAt && item.ID < ready.ID) {
			ready = item
		}
	}
	if ready == nil {
		return nil, nil
	}

	prev := *ready
	ready.Status = QueueStatusInProgress
	ready.UpdatedAt = now
	if err := q.persist(ctx, ready); err != nil {
		*ready = prev
		return nil, err
	}
	return copyItem(ready), nil
}

// Complete removes a delivered item from the queue.
func (q *SyncQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return apperrors.NotFound("queue item %s not found", id)
	}
	if q.store != nil {
		if err := q.store.Delete(ctx, store.CollectionMutations, id); err != nil {
			return err
		}
	}
	delete(q.items, id)

	logging.Debug("Mutation completed", map[string]interface{}{
		"item_id": id,
		"action":  item.Action,
	})
	return nil
}

// Failed records a delivery failure and schedules a retry. Once MaxRetries is
// reached the item is marked failed and an error is returned.
func (q *SyncQueue) Failed(ctx context.Context, id string, cause error) error {
	if cause == nil {
		return apperrors.Validation("failure cause is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return apperrors.NotFound("queue item %s not found", id)
	}

	now := q.now().Unix()
	item.RetryCount++
	item.LastError = cause.Error()
	item.UpdatedAt = now

	if item.RetryCount >= item.MaxRetries {
		item.Status = QueueStatusFailed
		if err := q.persist(ctx, item); err != nil {
			return err
		}
		logging.Error("Mutation failed permanently", cause, map[string]interface{}{
			"item_id": id,
			"retries": item.RetryCount,
		})
		return apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("max retries (%d) reached", item.MaxRetries), cause)
	}

	backoffSeconds := calculateBackoff(item.RetryCount)
	item.NextRetryAt = now + backoffSeconds
	item.Status = QueueStatusPending
	if err := q.persist(ctx, item); err != nil {
		return err
	}

	logging.Warn("Mutation failed, retry scheduled", map[string]interface{}{
		"item_id":       id,
		"retry":         item.RetryCount,
		"max_retries":   item.MaxRetries,
		"retry_in_secs": backoffSeconds,
		"error":         cause.Error(),
	})
	return nil
}

// Release hands an in-progress item back to the queue without counting a
// retry. It is used when delivery stopped for a reason unrelated to the item,
// such as the local store failing. The item is ready again in memory even if
// persisting fails; a persisted in-progress item is reset by Load.
func (q *SyncQueue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return apperrors.NotFound("queue item %s not found", id)
	}
	if item.Status != QueueStatusInProgress {
		return nil
	}

	item.Status = QueueStatusPending
	item.NextRetryAt = q.now().Unix()
	item.UpdatedAt = item.NextRetryAt
	if err := q.persist(ctx, item); err != nil {
		return err
	}

	logging.Debug("Mutation released", map[string]interface{}{
		"item_id": id,
	})
	return nil
}

// RecordOutcome remembers which side won the conflict resolved for an item.
func (q *SyncQueue) RecordOutcome(ctx context.Context, id string, outcome models.Outcome) error {
	if !outcome.Valid() {
		return apperrors.Validation("invalid outcome %q", outcome)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return apperrors.NotFound("queue item %s not found", id)
	}

	prev := item.Outcome
	item.Outcome = outcome
	if err := q.persist(ctx, item); err != nil {
		item.Outcome = prev
		return err
	}
	return nil
}

// calculateBackoff calculates exponential backoff delay in seconds.
// Formula: 2^retry_count * 60, capped at 3600 seconds (1 hour).
func calculateBackoff(retryCount int) int64 {
	backoff := int64(1) << uint(retryCount)
	backoff = backoff * 60

	maxBackoff := int64(3600)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// GetPending returns copies of all items ready to be processed.
func (q *SyncQueue) GetPending() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	now := q.now().Unix()
	var pending []*QueueItem
	for _, item := range q.items {
		if isReady(item, now) {
			pending = append(pending, copyItem(item))
		}
	}
	sortItems(pending)
	return pending
}

// GetStatus returns a copy of a specific item.
func (q *SyncQueue) GetStatus(id string) (*QueueItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[id]
	if !ok {
		return nil, apperrors.NotFound("queue item %s not found", id)
	}
	return copyItem(item), nil
}

// List returns copies of all items, oldest first.
func (q *SyncQueue) List() []*QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]*QueueItem, 0, len(q.items))
	for _, item := range q.items {
		items = append(items, copyItem(item))
	}
	sortItems(items)
	return items
}

// Size returns the number of items in the queue.
func (q *SyncQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Clear removes all items from the queue.
func (q *SyncQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.store != nil {
		for id := range q.items {
			if err := q.store.Delete(ctx, store.CollectionMutations, id); err != nil {
				return err
			}
		}
	}
	q.items = make(map[string]*QueueItem)

	logging.Info("Sync queue cleared")
	return nil
}

// Remove removes a specific item from the queue.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return apperrors.NotFound("queue item %s not found", id)
	}
	if q.store != nil {
		if err := q.store.Delete(ctx, store.CollectionMutations, id); err != nil {
			return err
		}
	}
	delete(q.items, id)
	return nil
}

// RetryAll resets all failed items to pending and returns how many were reset.
func (q *SyncQueue) RetryAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().Unix()
	count := 0
	for _, item := range q.items {
		if item.Status != QueueStatusFailed {
			continue
		}
		item.Status = QueueStatusPending
		item.RetryCount = 0
		item.NextRetryAt = now
		item.LastError = ""
		item.UpdatedAt = now
		if err := q.persist(ctx, item); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		logging.Info("Failed mutations reset for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

// GetStats returns item counts by status.
func (q *SyncQueue) GetStats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":       0,
		"pending":     0,
		"in_progress": 0,
		"failed":      0,
		"completed":   0,
	}
	for _, item := range q.items {
		stats["total"]++
		stats[string(item.Status)]++
	}
	return stats
}

func (q *SyncQueue) persist(ctx context.Context, item *QueueItem) error {
	if q.store == nil {
		return nil
	}
	model, err := item.ToModel()
	if err != nil {
		return err
	}
	data, err := store.Marshal(model)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, store.CollectionMutations, item.ID, data)
}

func isReady(item *QueueItem, now int64) bool {
	return item.Status == QueueStatusPending && item.NextRetryAt <= now
}

func copyItem(item *QueueItem) *QueueItem {
	c := *item
	c.Record = item.Record.Clone()
	return &c
}

func sortItems(items []*QueueItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt < items[j].CreatedAt
		}
		return items[i].ID < items[j].ID
	})
}

// ToModel converts a QueueItem to its persisted form.
func (item *QueueItem) ToModel() (*models.PendingMutation, error) {
	payload, err := json.Marshal(item.Record)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode queued record", err)
	}
	return &models.PendingMutation{
		ID:          item.ID,
		Collection:  item.Collection,
		Action:      item.Action,
		Payload:     payload,
		RetryCount:  item.RetryCount,
		MaxRetries:  item.MaxRetries,
		NextRetryAt: item.NextRetryAt,
		Status:      string(item.Status),
		LastError:   item.LastError,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
		Outcome:     item.Outcome,
	}, nil
}

// FromModel creates a QueueItem from its persisted form.
func FromModel(model *models.PendingMutation) (*QueueItem, error) {
	var record models.Record
	if err := json.Unmarshal(model.Payload, &record); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "decode queued record", err)
	}
	return &QueueItem{
		ID:          model.ID,
		Collection:  model.Collection,
		Action:      model.Action,
		Record:      record,
		RetryCount:  model.RetryCount,
		MaxRetries:  model.MaxRetries,
		NextRetryAt: model.NextRetryAt,
		Status:      QueueStatus(model.Status),
		LastError:   model.LastError,
		CreatedAt:   model.CreatedAt,
		UpdatedAt:   model.UpdatedAt,
		Outcome:     model.Outcome,
	}, nil
}
