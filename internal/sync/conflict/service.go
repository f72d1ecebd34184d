package conflict

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/store"
	"github.com/kimhsiao/pricewatch/backend/internal/uuid"
)

// Service is the entry point used by the sync driver, the CLI and the HTTP handlers.
type Service struct {
	detector *Detector
	applier  *Applier
	manager  *Manager
}

type serviceOptions struct {
	now      func() time.Time
	newID    uuid.Generator
	notifier Notifier
}

// Option configures a Service.
type Option func(*serviceOptions)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		o.now = now
	}
}

// WithIDGenerator replaces the conflict id generator.
func WithIDGenerator(gen uuid.Generator) Option {
	return func(o *serviceOptions) {
		o.newID = gen
	}
}

// WithNotifier registers an observer for lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(o *serviceOptions) {
		o.notifier = n
	}
}

// NewService creates a Service persisting into s.
func NewService(s store.Store, opts ...Option) *Service {
	o := &serviceOptions{now: time.Now, newID: uuid.New}
	for _, opt := range opts {
		opt(o)
	}

	applier := NewApplier(o.now)
	manager := NewManager(s, applier, o.now)
	if o.notifier != nil {
		manager.notifier = o.notifier
	}

	return &Service{
		detector: NewDetector(o.now, o.newID),
		applier:  applier,
		manager:  manager,
	}
}

// DetectConflicts compares local with remote and stores any conflicts found
// as pending. Detection fails open: on any error the result reports no
// conflicts and the error is returned alongside it so the sync can proceed.
func (s *Service) DetectConflicts(ctx context.Context, local, remote models.Record, action models.Action) (*DetectionResult, error) {
	result, err := s.detector.Detect(local, remote, action)
	if err != nil {
		logging.Warn("Conflict detection failed", map[string]interface{}{
			"entity_id": local.ID(),
			"action":    action,
			"error":     err.Error(),
		})
		return emptyResult(), err
	}
	if !result.HasConflicts {
		return result, nil
	}

	if err := s.manager.Save(ctx, result.Conflicts); err != nil {
		logging.Error("Failed to store detected conflicts", err, map[string]interface{}{
			"entity_id": local.ID(),
			"count":     len(result.Conflicts),
		})
		return emptyResult(), err
	}
	s.manager.notifier.ConflictsDetected(result.Conflicts)
	return result, nil
}

// ResolveConflictsAutomatically applies the strategy with id strategyID to
// each conflict. Manual strategies resolve nothing.
func (s *Service) ResolveConflictsAutomatically(ctx context.Context, conflicts []*models.Conflict, strategyID string) ([]*models.ConflictResolution, error) {
	strategy, ok := Strategy(strategyID)
	if !ok {
		return nil, apperrors.Validation("unknown strategy %q", strategyID)
	}
	return s.manager.ResolveAutomatically(ctx, conflicts, strategy)
}

// ResolveConflictManually records a person's choice for a pending conflict.
func (s *Service) ResolveConflictManually(ctx context.Context, conflictID string, outcome models.Outcome, details string) (*models.ConflictResolution, error) {
	return s.manager.ResolveManually(ctx, conflictID, outcome, details)
}

// ApplyStrategy runs one strategy against a stored pending conflict. An
// automatic strategy resolves the conflict; any other strategy only returns
// the proposed resolution and leaves the conflict pending.
func (s *Service) ApplyStrategy(ctx context.Context, conflictID, strategyID string) (*models.ConflictResolution, error) {
	strategy, ok := Strategy(strategyID)
	if !ok {
		return nil, apperrors.Validation("unknown strategy %q", strategyID)
	}

	c, err := s.manager.Conflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if !c.IsPending() {
		return nil, apperrors.NotFound("conflict %s is not pending", conflictID)
	}

	if !strategy.Automatic {
		return s.applier.Apply(c, strategy)
	}

	resolutions, err := s.manager.ResolveAutomatically(ctx, []*models.Conflict{c}, strategy)
	if err != nil {
		return nil, err
	}
	if len(resolutions) == 0 {
		return nil, apperrors.NotFound("conflict %s is not pending", conflictID)
	}
	return resolutions[0], nil
}

// GetConflict returns one conflict by id.
func (s *Service) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	return s.manager.Conflict(ctx, id)
}

// GetPendingConflicts returns all pending conflicts.
func (s *Service) GetPendingConflicts(ctx context.Context) ([]*models.Conflict, error) {
	return s.manager.PendingConflicts(ctx)
}

// GetPendingConflictsFor returns the pending conflicts on one entity.
func (s *Service) GetPendingConflictsFor(ctx context.Context, entityID string) ([]*models.Conflict, error) {
	return s.manager.PendingConflictsFor(ctx, entityID)
}

// GetResolutionHistory returns the resolutions of all resolved conflicts.
func (s *Service) GetResolutionHistory(ctx context.Context) ([]*models.ConflictResolution, error) {
	return s.manager.ResolutionHistory(ctx)
}

// GetConflictStatistics aggregates all stored conflicts.
func (s *Service) GetConflictStatistics(ctx context.Context) (*models.ConflictStatistics, error) {
	return s.manager.Statistics(ctx)
}

// CleanupResolvedConflicts deletes resolved conflicts older than days.
func (s *Service) CleanupResolvedConflicts(ctx context.Context, days int) (int, error) {
	return s.manager.Cleanup(ctx, days)
}

// Strategies lists the strategy catalog.
func (s *Service) Strategies() []models.ResolutionStrategy {
	return Strategies()
}
