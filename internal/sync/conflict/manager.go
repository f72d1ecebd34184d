package conflict

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
)

const (
	// DefaultRetentionDays is how long resolved conflicts are kept when no window is given.
	DefaultRetentionDays = 30

	cleanupPageSize = 100
)

// Manager persists conflicts and moves them from pending to resolved.
// It keeps no state of its own; every call reads the store.
type Manager struct {
	store    store.Store
	applier  *Applier
	now      func() time.Time
	notifier Notifier
}

// NewManager creates a Manager over s. A nil clock falls back to time.Now.
func NewManager(s store.Store, applier *Applier, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: s, applier: applier, now: now, notifier: nopNotifier{}}
}

// Save stores newly detected conflicts.
func (m *Manager) Save(ctx context.Context, conflicts []*models.Conflict) error {
	for _, c := range conflicts {
		data, err := store.Marshal(c)
		if err != nil {
			return err
		}
		if err := m.store.Put(ctx, store.CollectionConflicts, c.ID, data); err != nil {
			return err
		}
	}
	return nil
}

// ResolveAutomatically applies an automatic strategy to each conflict and
// marks it resolved. Nothing happens for a manual strategy. Conflicts that are
// gone or already resolved are skipped, so the result may be shorter than the
// input. On a storage failure the resolutions produced so far are returned
// along with the error.
func (m *Manager) ResolveAutomatically(ctx context.Context, conflicts []*models.Conflict, strategy models.ResolutionStrategy) ([]*models.ConflictResolution, error) {
	known, ok := Strategy(strategy.ID)
	if !ok {
		return nil, apperrors.Validation("unknown strategy %q", strategy.ID)
	}
	resolutions := []*models.ConflictResolution{}
	if !known.Automatic {
		return resolutions, nil
	}

	for _, c := range conflicts {
		if c == nil {
			continue
		}
		resolved, err := m.transition(ctx, c.ID, func(stored *models.Conflict) (*models.ConflictResolution, error) {
			return m.applier.Apply(stored, known)
		})
		if err != nil {
			if apperrors.Is(err, apperrors.ErrNotFound) {
				logging.Debug("Skipping conflict that is no longer pending", map[string]interface{}{
					"conflict_id": c.ID,
				})
				continue
			}
			return resolutions, err
		}
		resolutions = append(resolutions, resolved.Resolution)
	}
	return resolutions, nil
}

// ResolveManually records a person's decision on a pending conflict.
func (m *Manager) ResolveManually(ctx context.Context, conflictID string, outcome models.Outcome, details string) (*models.ConflictResolution, error) {
	if !outcome.Valid() {
		return nil, apperrors.Validation("unknown resolution %q", outcome)
	}

	resolved, err := m.transition(ctx, conflictID, func(stored *models.Conflict) (*models.ConflictResolution, error) {
		return &models.ConflictResolution{
			ConflictID: stored.ID,
			Strategy:   manualStrategy,
			ResolvedAt: m.now().UnixMilli(),
			ResolvedBy: models.ResolvedByUser,
			Resolution: outcome,
			Details:    details,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return resolved.Resolution, nil
}

// transition resolves the stored conflict id with the resolution built from
// its current state. The write is a compare-and-swap on the bytes that were
// read, so of two concurrent callers only one can win.
func (m *Manager) transition(ctx context.Context, id string, build func(*models.Conflict) (*models.ConflictResolution, error)) (*models.Conflict, error) {
	raw, err := m.store.Get(ctx, store.CollectionConflicts, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("conflict %s not found", id)
		}
		return nil, err
	}

	var current models.Conflict
	if err := store.Unmarshal(raw, &current); err != nil {
		return nil, err
	}
	if !current.IsPending() {
		return nil, apperrors.NotFound("conflict %s is not pending", id)
	}

	res, err := build(&current)
	if err != nil {
		return nil, err
	}
	resolved := current.Resolved(res)

	data, err := store.Marshal(resolved)
	if err != nil {
		return nil, err
	}
	swapped, err := m.store.CompareAndSwap(ctx, store.CollectionConflicts, id, raw, data)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("conflict %s not found", id)
		}
		return nil, err
	}
	if !swapped {
		return nil, apperrors.NotFound("conflict %s is not pending", id)
	}

	logging.Info("Conflict resolved", map[string]interface{}{
		"conflict_id": id,
		"entity_id":   resolved.EntityID,
		"strategy":    res.Strategy.ID,
		"resolution":  res.Resolution,
		"resolved_by": res.ResolvedBy,
	})
	m.notifier.ConflictResolved(resolved)
	return resolved, nil
}

// Conflict returns one stored conflict.
func (m *Manager) Conflict(ctx context.Context, id string) (*models.Conflict, error) {
	raw, err := m.store.Get(ctx, store.CollectionConflicts, id)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("conflict %s not found", id)
		}
		return nil, err
	}
	var c models.Conflict
	if err := store.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PendingConflicts returns every unresolved conflict, oldest first.
func (m *Manager) PendingConflicts(ctx context.Context) ([]*models.Conflict, error) {
	return m.PendingConflictsFor(ctx, "")
}

// PendingConflictsFor returns unresolved conflicts on one entity, or on all
// entities when entityID is empty.
func (m *Manager) PendingConflictsFor(ctx context.Context, entityID string) ([]*models.Conflict, error) {
	all, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}

	pending := []*models.Conflict{}
	for _, c := range all {
		if c.IsPending() && (entityID == "" || c.EntityID == entityID) {
			pending = append(pending, c)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].DetectedAt < pending[j].DetectedAt
	})
	return pending, nil
}

// ResolutionHistory returns the resolution of every resolved conflict in no particular order.
func (m *Manager) ResolutionHistory(ctx context.Context) ([]*models.ConflictResolution, error) {
	all, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}

	history := []*models.ConflictResolution{}
	for _, c := range all {
		if !c.IsPending() && c.Resolution != nil {
			history = append(history, c.Resolution)
		}
	}
	return history, nil
}

// Statistics counts conflicts in a single pass over the store.
func (m *Manager) Statistics(ctx context.Context) (*models.ConflictStatistics, error) {
	all, err := m.scan(ctx)
	if err != nil {
		return nil, err
	}

	stats := &models.ConflictStatistics{
		ByType:     make(map[models.ConflictType]int),
		BySeverity: make(map[models.Severity]int),
	}
	for _, c := range all {
		stats.Total++
		if c.IsPending() {
			stats.Pending++
		} else {
			stats.Resolved++
		}
		stats.ByType[c.Type]++
		stats.BySeverity[c.Severity]++
	}
	return stats, nil
}

// Cleanup deletes resolved conflicts whose resolution is older than
// retentionDays. Pending conflicts are never deleted. A non-positive window
// means DefaultRetentionDays. It walks the store page by page and returns the
// number of conflicts deleted.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := m.now().Add(-time.Duration(retentionDays) * 24 * time.Hour).UnixMilli()

	deleted := 0
	after := ""
	for {
		page, err := m.store.Page(ctx, store.CollectionConflicts, after, cleanupPageSize)
		if err != nil {
			return deleted, err
		}
		for _, e := range page {
			c, ok := decodeStored(e.ID, e.Data)
			if !ok {
				continue
			}
			if c.IsPending() || c.ResolvedAt >= cutoff {
				continue
			}
			if err := m.store.Delete(ctx, store.CollectionConflicts, e.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
		if len(page) < cleanupPageSize {
			break
		}
		after = page[len(page)-1].ID
	}

	logging.Info("Resolved conflicts cleaned up", map[string]interface{}{
		"deleted":        deleted,
		"retention_days": retentionDays,
	})
	if deleted > 0 {
		m.notifier.ConflictsCleaned(deleted)
	}
	return deleted, nil
}

func (m *Manager) scan(ctx context.Context) ([]*models.Conflict, error) {
	raws, err := m.store.GetAll(ctx, store.CollectionConflicts)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Conflict, 0, len(raws))
	for _, raw := range raws {
		if c, ok := decodeStored("", raw); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// decodeStored decodes a stored conflict. Records that do not decode or are
// malformed are logged and skipped so they cannot hide the rest of the store.
func decodeStored(id string, raw []byte) (*models.Conflict, bool) {
	var c models.Conflict
	err := store.Unmarshal(raw, &c)
	if err == nil {
		err = c.Validate()
	}
	if err != nil {
		if id == "" {
			id = c.ID
		}
		logging.Warn("Skipping malformed stored conflict", map[string]interface{}{
			"conflict_id": id,
			"error":       err.Error(),
		})
		return nil, false
	}
	return &c, true
}
