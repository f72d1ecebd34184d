package conflict

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
	"github.com/kimhsiao/pricewatch/backend/internal/uuid"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: baseTime}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestService(s store.Store, clock *fakeClock, opts ...Option) *Service {
	return NewService(s, append([]Option{
		WithClock(clock.Now),
		WithIDGenerator(uuid.Sequence("c")),
	}, opts...)...)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

// failingStore fails the operations named in failOn with a storage error.
// Keys are an operation ("cas") or an operation on one id ("cas:c-2").
type failingStore struct {
	store.Store
	failOn map[string]bool
}

func (f *failingStore) fail(op string, id ...string) error {
	if f.failOn[op] || (len(id) > 0 && f.failOn[op+":"+id[0]]) {
		return apperrors.Storage(op, context.DeadlineExceeded)
	}
	return nil
}

func (f *failingStore) Get(ctx context.Context, c, id string) ([]byte, error) {
	if err := f.fail("get", id); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, c, id)
}

func (f *failingStore) GetAll(ctx context.Context, c string) ([][]byte, error) {
	if err := f.fail("getall"); err != nil {
		return nil, err
	}
	return f.Store.GetAll(ctx, c)
}

func (f *failingStore) Put(ctx context.Context, c, id string, data []byte) error {
	if err := f.fail("put", id); err != nil {
		return err
	}
	return f.Store.Put(ctx, c, id, data)
}

func (f *failingStore) CompareAndSwap(ctx context.Context, c, id string, old, new []byte) (bool, error) {
	if err := f.fail("cas", id); err != nil {
		return false, err
	}
	return f.Store.CompareAndSwap(ctx, c, id, old, new)
}

func (f *failingStore) Page(ctx context.Context, c, after string, limit int) ([]store.Entry, error) {
	if err := f.fail("page"); err != nil {
		return nil, err
	}
	return f.Store.Page(ctx, c, after, limit)
}

// recordingNotifier captures lifecycle events.
type recordingNotifier struct {
	mu       sync.Mutex
	detected [][]*models.Conflict
	resolved []*models.Conflict
	cleaned  []int
}

func (r *recordingNotifier) ConflictsDetected(c []*models.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detected = append(r.detected, c)
}

func (r *recordingNotifier) ConflictResolved(c *models.Conflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, c)
}

func (r *recordingNotifier) ConflictsCleaned(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleaned = append(r.cleaned, n)
}
