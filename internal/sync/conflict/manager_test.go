package conflict

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

// seedDataConflict stores one pending data conflict on entity and returns it.
func seedDataConflict(t *testing.T, svc *Service, entity string) *models.Conflict {
	t.Helper()
	local := models.Record{"id": entity, "updatedAt": ms(baseTime)}
	remote := models.Record{"id": entity, "updatedAt": ms(baseTime.Add(2 * time.Second))}
	res, err := svc.DetectConflicts(context.Background(), local, remote, models.ActionUpdate)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	return res.Conflicts[0]
}

func TestResolveAutomatically(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(store.NewMemory(), clock)

	c1 := seedDataConflict(t, svc, "p1")
	c2 := seedDataConflict(t, svc, "p2")

	res, err := svc.manager.ResolveAutomatically(ctx, []*models.Conflict{c1, c2}, mustStrategy(t, StrategyLastModified))
	require.NoError(t, err)
	require.Len(t, res, 2)
	for _, r := range res {
		assert.Equal(t, models.OutcomeRemote, r.Resolution)
		assert.Equal(t, models.ResolvedBySystem, r.ResolvedBy)
	}

	stored, err := svc.GetConflict(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, stored.Status)
	assert.Equal(t, ms(baseTime), stored.ResolvedAt)
	require.NotNil(t, stored.Resolution)
	assert.Equal(t, c1.ID, stored.Resolution.ConflictID)

	// The caller's copy is untouched.
	assert.True(t, c1.IsPending())
}

func TestResolveAutomatically_manualStrategyResolvesNothing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemory(), newFakeClock())
	c := seedDataConflict(t, svc, "p1")

	for _, id := range []string{StrategyUserPreference, StrategyMergeData, StrategyManual} {
		res, err := svc.manager.ResolveAutomatically(ctx, []*models.Conflict{c}, mustStrategy(t, id))
		require.NoError(t, err)
		assert.Empty(t, res)
	}

	pending, err := svc.GetPendingConflicts(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestResolveAutomatically_skipsResolvedAndMissing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemory(), newFakeClock())
	c1 := seedDataConflict(t, svc, "p1")
	c2 := seedDataConflict(t, svc, "p2")
	ghost := &models.Conflict{ID: "never-stored"}

	_, err := svc.ResolveConflictManually(ctx, c1.ID, models.OutcomeLocal, "")
	require.NoError(t, err)

	res, err := svc.manager.ResolveAutomatically(ctx, []*models.Conflict{c1, ghost, nil, c2}, mustStrategy(t, StrategyRemotePriority))
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, c2.ID, res[0].ConflictID)

	// c1 keeps the manual resolution.
	stored, err := svc.GetConflict(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, StrategyManual, stored.Resolution.Strategy.ID)
}

func TestResolveAutomatically_storageErrorReturnsPartial(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	svc := newTestService(mem, newFakeClock())
	c1 := seedDataConflict(t, svc, "p1")
	c2 := seedDataConflict(t, svc, "p2")
	c3 := seedDataConflict(t, svc, "p3")

	failing := &failingStore{Store: mem, failOn: map[string]bool{"cas:" + c2.ID: true}}
	broken := NewManager(failing, NewApplier(nil), nil)

	res, err := broken.ResolveAutomatically(ctx, []*models.Conflict{c1, c2, c3}, mustStrategy(t, StrategyLocalPriority))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	require.Len(t, res, 1)
	assert.Equal(t, c1.ID, res[0].ConflictID)

	// Fail closed: c2 and everything after it stay pending.
	for _, id := range []string{c2.ID, c3.ID} {
		stored, err := svc.GetConflict(ctx, id)
		require.NoError(t, err)
		assert.True(t, stored.IsPending(), id)
	}
}

func TestResolveAutomatically_unknownStrategy(t *testing.T) {
	svc := newTestService(store.NewMemory(), newFakeClock())
	_, err := svc.manager.ResolveAutomatically(context.Background(), nil, models.ResolutionStrategy{ID: "coin_flip"})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestResolveManually(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(store.NewMemory(), clock)
	c := seedDataConflict(t, svc, "p1")

	clock.Set(baseTime.Add(time.Hour))
	res, err := svc.ResolveConflictManually(ctx, c.ID, models.OutcomeMerge, "kept remote price, local note")
	require.NoError(t, err)
	assert.Equal(t, StrategyManual, res.Strategy.ID)
	assert.False(t, res.Strategy.Automatic)
	assert.Equal(t, models.ResolvedByUser, res.ResolvedBy)
	assert.Equal(t, models.OutcomeMerge, res.Resolution)
	assert.Equal(t, "kept remote price, local note", res.Details)
	assert.Equal(t, ms(baseTime.Add(time.Hour)), res.ResolvedAt)
}

func TestResolveManually_secondCallIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemory(), newFakeClock())
	c := seedDataConflict(t, svc, "p1")

	first, err := svc.ResolveConflictManually(ctx, c.ID, models.OutcomeLocal, "first")
	require.NoError(t, err)

	_, err = svc.ResolveConflictManually(ctx, c.ID, models.OutcomeRemote, "second")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	stored, err := svc.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, first, stored.Resolution)
}

func TestResolveManually_errors(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemory(), newFakeClock())
	c := seedDataConflict(t, svc, "p1")

	_, err := svc.ResolveConflictManually(ctx, "missing", models.OutcomeLocal, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = svc.ResolveConflictManually(ctx, c.ID, models.Outcome("both"), "")
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	stored, err := svc.GetConflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsPending())
}

func TestResolve_concurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemory(), newFakeClock())
	c := seedDataConflict(t, svc, "p1")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		notFound int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ResolveConflictManually(ctx, c.ID, models.OutcomeLocal, fmt.Sprintf("attempt %d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperrors.Is(err, apperrors.ErrNotFound):
				notFound++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, notFound)
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(store.NewMemory(), clock)

	c1 := seedDataConflict(t, svc, "p1")
	clock.Set(baseTime.Add(time.Minute))
	c2 := seedDataConflict(t, svc, "p2")
	res, err := svc.DetectConflicts(ctx, models.Record{"id": "p2"}, models.Record{"id": "p2"}, models.ActionDelete)
	require.NoError(t, err)
	c3 := res.Conflicts[0]

	_, err = svc.ResolveConflictManually(ctx, c2.ID, models.OutcomeRemote, "")
	require.NoError(t, err)

	pending, err := svc.GetPendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, c1.ID, pending[0].ID, "oldest first")
	assert.Equal(t, c3.ID, pending[1].ID)

	forP2, err := svc.GetPendingConflictsFor(ctx, "p2")
	require.NoError(t, err)
	require.Len(t, forP2, 1)
	assert.Equal(t, c3.ID, forP2[0].ID)

	history, err := svc.GetResolutionHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, c2.ID, history[0].ConflictID)

	stats, err := svc.GetConflictStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Resolved)
	assert.Equal(t, 2, stats.ByType[models.ConflictTypeData])
	assert.Equal(t, 1, stats.ByType[models.ConflictTypeDeletion])
	assert.NotContains(t, stats.ByType, models.ConflictTypeCreation)
	assert.Equal(t, 2, stats.BySeverity[models.SeverityMedium])
	assert.Equal(t, 1, stats.BySeverity[models.SeverityHigh])
	assert.Equal(t, stats.Total, len(pending)+len(history))

	_, err = svc.GetConflict(ctx, "missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestStatistics_totalMatchesPendingPlusHistory(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(store.NewMemory(), newFakeClock())

	var seeded []*models.Conflict
	for i := 0; i < 12; i++ {
		seeded = append(seeded, seedDataConflict(t, svc, fmt.Sprintf("p%d", i)))
	}

	check := func() {
		stats, err := svc.GetConflictStatistics(ctx)
		require.NoError(t, err)
		pending, err := svc.GetPendingConflicts(ctx)
		require.NoError(t, err)
		history, err := svc.GetResolutionHistory(ctx)
		require.NoError(t, err)
		assert.Equal(t, stats.Total, len(pending)+len(history))
		assert.Equal(t, stats.Pending, len(pending))
		assert.Equal(t, stats.Resolved, len(history))
	}

	check()
	for i, c := range seeded {
		if i%3 == 0 {
			_, err := svc.ResolveConflictManually(ctx, c.ID, models.OutcomeSkip, "")
			require.NoError(t, err)
			check()
		}
	}
	_, err := svc.ResolveConflictsAutomatically(ctx, seeded, StrategyLastModified)
	require.NoError(t, err)
	check()
}

func TestQueries_skipMalformedRecords(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	clock := newFakeClock()
	svc := newTestService(mem, clock)

	c1 := seedDataConflict(t, svc, "p1")
	c2 := seedDataConflict(t, svc, "p2")
	_, err := svc.ResolveConflictManually(ctx, c2.ID, models.OutcomeLocal, "")
	require.NoError(t, err)

	require.NoError(t, mem.Put(ctx, store.CollectionConflicts, "bad-json", []byte(`{"id":`)))
	require.NoError(t, mem.Put(ctx, store.CollectionConflicts, "bad-status", []byte(
		`{"id":"bad-status","type":"data_conflict","severity":"medium","action":"update","status":"archived"}`)))
	require.NoError(t, mem.Put(ctx, store.CollectionConflicts, "no-resolution", []byte(
		`{"id":"no-resolution","type":"data_conflict","severity":"medium","action":"update","status":"resolved"}`)))

	pending, err := svc.GetPendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, c1.ID, pending[0].ID)

	history, err := svc.GetResolutionHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, c2.ID, history[0].ConflictID)

	stats, err := svc.GetConflictStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, stats.Total, len(pending)+len(history))

	clock.Set(baseTime.Add(31 * 24 * time.Hour))
	deleted, err := svc.CleanupResolvedConflicts(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Equal(t, 4, mem.Len(store.CollectionConflicts), "malformed records are left in place")
}

func TestQueries_storageErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	failing := &failingStore{Store: store.NewMemory(), failOn: map[string]bool{"getall": true, "page": true}}
	svc := newTestService(failing, newFakeClock())

	_, err := svc.GetPendingConflicts(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	_, err = svc.GetResolutionHistory(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	_, err = svc.GetConflictStatistics(ctx)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	_, err = svc.CleanupResolvedConflicts(ctx, 30)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
}

func TestCleanup_boundary(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mem := store.NewMemory()
	svc := newTestService(mem, clock)

	now := baseTime.Add(90 * 24 * time.Hour)
	old := seedDataConflict(t, svc, "old")
	recent := seedDataConflict(t, svc, "recent")
	pending := seedDataConflict(t, svc, "pending")

	clock.Set(now.Add(-30*24*time.Hour - time.Second))
	_, err := svc.ResolveConflictManually(ctx, old.ID, models.OutcomeLocal, "")
	require.NoError(t, err)
	clock.Set(now.Add(-29 * 24 * time.Hour))
	_, err = svc.ResolveConflictManually(ctx, recent.ID, models.OutcomeLocal, "")
	require.NoError(t, err)

	clock.Set(now)
	deleted, err := svc.CleanupResolvedConflicts(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = svc.GetConflict(ctx, old.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = svc.GetConflict(ctx, recent.ID)
	assert.NoError(t, err)

	// Pending conflicts survive any window; detectedAt is 90 days old here.
	deleted, err = svc.CleanupResolvedConflicts(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = svc.GetConflict(ctx, pending.ID)
	assert.NoError(t, err)
	assert.Equal(t, 1, mem.Len(store.CollectionConflicts))
}

func TestCleanup_defaultWindow(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	svc := newTestService(store.NewMemory(), clock)

	c := seedDataConflict(t, svc, "p1")
	_, err := svc.ResolveConflictManually(ctx, c.ID, models.OutcomeLocal, "")
	require.NoError(t, err)

	clock.Set(baseTime.Add(29 * 24 * time.Hour))
	for _, days := range []int{0, -5} {
		deleted, err := svc.CleanupResolvedConflicts(ctx, days)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	}

	clock.Set(baseTime.Add(31 * 24 * time.Hour))
	clock.Set(baseTime.Add(31 * 24 * time.Hour))
	deleted, err := svc.CleanupResolvedConflicts(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestCleanup_paginates(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	mem := store.NewMemory()
	svc := newTestService(mem, clock)

	const n = 2*cleanupPageSize + 17
	var all []*models.Conflict
	for i := 0; i < n; i++ {
		all = append(all, seedDataConflict(t, svc, fmt.Sprintf("p%03d", i)))
	}
	keep := seedDataConflict(t, svc, "still-pending")

	res, err := svc.ResolveConflictsAutomatically(ctx, all, StrategyRemotePriority)
	require.NoError(t, err)
	require.Len(t, res, n)

	clock.Set(baseTime.Add(60 * 24 * time.Hour))
	deleted, err := svc.CleanupResolvedConflicts(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, n, deleted)
	assert.Equal(t, 1, mem.Len(store.CollectionConflicts))

	_, err = svc.GetConflict(ctx, keep.ID)
	assert.NoError(t, err)
}
