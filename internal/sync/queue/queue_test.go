// Package queue provides unit tests for the sync queue.
package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
	"github.com/kimhsiao/pricewatch/backend/internal/uuid"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(maxSize int, opts ...Option) (*SyncQueue, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithIDGenerator(uuid.Sequence("m"))}
	return NewSyncQueue(maxSize, append(base, opts...)...), clock
}

func report(id string) models.Record {
	return models.Record{"id": id, "price": float64(1000)}
}

var errUpload = errors.New("upload failed")

// TestSyncQueueEnqueue tests enqueuing mutations.
func TestSyncQueueEnqueue(t *testing.T) {
	q, _ := newTestQueue(100)
	ctx := context.Background()

	rec := report("p1")
	item, err := q.Enqueue(ctx, "price_reports", models.ActionUpdate, rec)
	require.NoError(t, err)

	assert.Equal(t, "m-1", item.ID)
	assert.Equal(t, models.ActionUpdate, item.Action)
	assert.Equal(t, QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, 3, item.MaxRetries)

	// The queue keeps its own snapshot.
	rec["price"] = float64(1)
	status, err := q.GetStatus(item.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(1000), status.Record["price"], "queued record changed with caller's map")
}

// TestSyncQueueEnqueueValidation tests rejected mutations.
func TestSyncQueueEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(100)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "price_reports", models.Action("upsert"), report("p1"))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "unknown action: got %v", err)

	_, err = q.Enqueue(ctx, "price_reports", models.ActionCreate, models.Record{"price": 1})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "record without id: got %v", err)
}

// TestSyncQueueFull tests queue capacity limit.
func TestSyncQueueFull(t *testing.T) {
	q, _ := newTestQueue(2)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "price_reports", models.ActionCreate, report("p1"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p2"))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "price_reports", models.ActionDelete, report("p3"))
	assert.True(t, apperrors.Is(err, apperrors.ErrQueueFull), "got %v", err)
}

// TestSyncQueueDequeue tests dequeuing in creation order.
func TestSyncQueueDequeue(t *testing.T) {
	q, clock := newTestQueue(100)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, "price_reports", models.ActionCreate, report("p1"))
	clock.Advance(time.Second)
	second, _ := q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p2"))

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, first.ID, item.ID, "oldest first")
	assert.Equal(t, QueueStatusInProgress, item.Status)

	item, _ = q.Dequeue(ctx)
	require.NotNil(t, item)
	assert.Equal(t, second.ID, item.ID)

	item, _ = q.Dequeue(ctx)
	assert.Nil(t, item, "no items are ready")
}

// TestSyncQueueComplete tests removing delivered mutations.
func TestSyncQueueComplete(t *testing.T) {
	q, _ := newTestQueue(100)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, "price_reports", models.ActionCreate, report("p1"))
	q.Dequeue(ctx)

	require.NoError(t, q.Complete(ctx, item.ID))
	assert.Equal(t, 0, q.Size())

	_, err := q.GetStatus(item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "got %v", err)
	err = q.Complete(ctx, item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "completing twice: got %v", err)
}

// TestSyncQueueFailed tests retry scheduling.
func TestSyncQueueFailed(t *testing.T) {
	q, clock := newTestQueue(100)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p1"))
	q.Dequeue(ctx)

	require.NoError(t, q.Failed(ctx, item.ID, errUpload))

	status, err := q.GetStatus(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.RetryCount)
	assert.Equal(t, QueueStatusPending, status.Status)
	assert.Equal(t, errUpload.Error(), status.LastError)
	assert.Equal(t, clock.Now().Unix()+120, status.NextRetryAt)

	// Not ready until the backoff elapses.
	next, _ := q.Dequeue(ctx)
	assert.Nil(t, next, "no ready item during backoff")

	clock.Advance(120 * time.Second)
	next, _ = q.Dequeue(ctx)
	require.NotNil(t, next)
	assert.Equal(t, item.ID, next.ID)
}

// TestSyncQueueFailedRequiresCause tests that a failure without a cause is rejected.
func TestSyncQueueFailedRequiresCause(t *testing.T) {
	q, _ := newTestQueue(100)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p1"))
	q.Dequeue(ctx)

	var err error
	assert.NotPanics(t, func() { err = q.Failed(ctx, item.ID, nil) })
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)

	status, err := q.GetStatus(item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.RetryCount)
	assert.Equal(t, QueueStatusInProgress, status.Status)
}

// TestSyncQueueMaxRetries tests max retries limit.
func TestSyncQueueMaxRetries(t *testing.T) {
	q, _ := newTestQueue(100)
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p1"))

	require.NoError(t, q.Failed(ctx, item.ID, errUpload))
	require.NoError(t, q.Failed(ctx, item.ID, errUpload))

	err := q.Failed(ctx, item.ID, errUpload)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncFailed), "final attempt: got %v", err)
	assert.ErrorIs(t, err, errUpload, "the cause is wrapped")

	status, err := q.GetStatus(item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueStatusFailed, status.Status)
	assert.Equal(t, 3, status.RetryCount)
}

// TestSyncQueueRelease tests handing an in-progress item back without a retry.
func TestSyncQueueRelease(t *testing.T) {
	mem := store.NewMemory()
	q, clock := newTestQueue(100, WithStore(mem))
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p1"))
	clock.Advance(time.Minute)
	taken, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, taken)

	next, _ := q.Dequeue(ctx)
	assert.Nil(t, next, "an in-progress item is not handed out twice")

	require.NoError(t, q.Release(ctx, item.ID))

	status, err := q.GetStatus(item.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueStatusPending, status.Status)
	assert.Equal(t, 0, status.RetryCount)
	assert.Equal(t, clock.Now().Unix(), status.NextRetryAt)

	persisted, err := mem.Get(ctx, store.CollectionMutations, item.ID)
	require.NoError(t, err)
	assert.Contains(t, string(persisted), `"status":"pending"`)

	next, _ = q.Dequeue(ctx)
	require.NotNil(t, next)
	assert.Equal(t, item.ID, next.ID)

	require.NoError(t, q.Complete(ctx, item.ID))
	err = q.Release(ctx, item.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "got %v", err)

	// Releasing an item that is not in progress changes nothing.
	pending, _ := q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p2"))
	require.NoError(t, q.Release(ctx, pending.ID))
	status, _ = q.GetStatus(pending.ID)
	assert.Equal(t, pending.UpdatedAt, status.UpdatedAt)
}

// TestSyncQueueRecordOutcome tests that a settled outcome survives a reload.
func TestSyncQueueRecordOutcome(t *testing.T) {
	mem := store.NewMemory()
	q, _ := newTestQueue(100, WithStore(mem))
	ctx := context.Background()

	item, _ := q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p1"))

	err := q.RecordOutcome(ctx, item.ID, models.Outcome("both"))
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation), "got %v", err)
	err = q.RecordOutcome(ctx, "missing", models.OutcomeLocal)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "got %v", err)

	require.NoError(t, q.RecordOutcome(ctx, item.ID, models.OutcomeLocal))
	status, err := q.GetStatus(item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeLocal, status.Outcome)

	reloaded, _ := newTestQueue(100, WithStore(mem))
	n, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	status, err = reloaded.GetStatus(item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeLocal, status.Outcome)
}

// TestCalculateBackoff tests exponential backoff calculation.
func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name        string
		retryCount  int
		wantSeconds int64
	}{
		{"retry 1", 1, 120},
		{"retry 2", 2, 240},
		{"retry 3", 3, 480},
		{"retry 4", 4, 960},
		{"retry 5", 5, 1920},
		{"retry 6", 6, 3600}, // 3840 capped
		{"retry 10", 10, 3600},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantSeconds, calculateBackoff(tt.retryCount))
		})
	}
}

// TestRetryAllAndStats tests resetting failed items and status counts.
func TestRetryAllAndStats(t *testing.T) {
	q, _ := newTestQueue(100)
	ctx := context.Background()

	q.Enqueue(ctx, "price_reports", models.ActionCreate, report("p1"))
	item2, _ := q.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p2"))
	q.Enqueue(ctx, "price_reports", models.ActionDelete, report("p3"))

	q.Dequeue(ctx)
	for i := 0; i < 3; i++ {
		q.Failed(ctx, item2.ID, errUpload)
	}

	stats := q.GetStats()
	assert.Equal(t, 3, stats["total"])
	assert.Equal(t, 1, stats["in_progress"])
	assert.Equal(t, 1, stats["failed"])
	assert.Equal(t, 1, stats["pending"])

	n, err := q.RetryAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, q.GetPending(), 2, "ready items after retry")
}

// TestListRemoveClear tests listing and removal.
func TestListRemoveClear(t *testing.T) {
	q, clock := newTestQueue(100)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "price_reports", models.ActionCreate, report("p1"))
	clock.Advance(time.Second)
	b, _ := q.Enqueue(ctx, "price_reports", models.ActionCreate, report("p2"))

	list := q.List()
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)

	require.NoError(t, q.Remove(ctx, a.ID))
	err := q.Remove(ctx, a.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "removing twice: got %v", err)

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Size())
}

// TestSyncQueuePersistence tests that a second queue over the same store picks up where the first left off.
func TestSyncQueuePersistence(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	q1, _ := newTestQueue(100, WithStore(mem))
	done, _ := q1.Enqueue(ctx, "price_reports", models.ActionCreate, report("p1"))
	inFlight, _ := q1.Enqueue(ctx, "price_reports", models.ActionUpdate, report("p2"))
	q1.Dequeue(ctx)
	q1.Complete(ctx, done.ID)
	q1.Dequeue(ctx)

	require.Equal(t, 1, mem.Len(store.CollectionMutations))

	q2, _ := newTestQueue(100, WithStore(mem))
	n, err := q2.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := q2.GetStatus(inFlight.ID)
	require.NoError(t, err)
	assert.Equal(t, QueueStatusPending, restored.Status, "in-progress item restored as pending")
	assert.Equal(t, "p2", restored.Record.ID())
	assert.Equal(t, models.ActionUpdate, restored.Action)
}

// TestModelRoundTrip tests conversion to and from the persisted form.
func TestModelRoundTrip(t *testing.T) {
	item := &QueueItem{
		ID:         "m-1",
		Collection: "price_reports",
		Action:     models.ActionDelete,
		Record:     models.Record{"id": "p9"},
		Status:     QueueStatusFailed,
		LastError:  "timeout",
		CreatedAt:  10,
		UpdatedAt:  20,
		Outcome:    models.OutcomeRemote,
	}

	model, err := item.ToModel()
	require.NoError(t, err)
	assert.Equal(t, item.ID, model.ID)
	assert.Equal(t, "failed", model.Status)
	assert.Equal(t, models.OutcomeRemote, model.Outcome)

	back, err := FromModel(model)
	require.NoError(t, err)
	assert.Equal(t, "p9", back.Record.ID())
	assert.Equal(t, "timeout", back.LastError)
	assert.Equal(t, models.ActionDelete, back.Action)
	assert.Equal(t, models.OutcomeRemote, back.Outcome)

	_, err = FromModel(&models.PendingMutation{Payload: []byte("{")})
	assert.Error(t, err, "corrupt payload")
}
