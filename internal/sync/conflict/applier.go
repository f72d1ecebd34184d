package conflict

import (
	"time"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
)

// Applier turns a conflict and a strategy into a resolution. It does not persist anything.
type Applier struct {
	now func() time.Time
}

// NewApplier creates an Applier. A nil clock falls back to time.Now.
func NewApplier(now func() time.Time) *Applier {
	if now == nil {
		now = time.Now
	}
	return &Applier{now: now}
}

// Apply decides the outcome of c under strategy. The strategy must exist in
// the catalog; the catalog's own definition is what gets recorded.
func (a *Applier) Apply(c *models.Conflict, strategy models.ResolutionStrategy) (*models.ConflictResolution, error) {
	if c == nil || c.ID == "" {
		return nil, apperrors.Validation("conflict must have an id")
	}
	known, ok := Strategy(strategy.ID)
	if !ok {
		return nil, apperrors.Validation("unknown strategy %q", strategy.ID)
	}

	outcome, details := decide(c, known.ID)

	resolvedBy := models.ResolvedByUser
	if known.Automatic {
		resolvedBy = models.ResolvedBySystem
	}

	return &models.ConflictResolution{
		ConflictID: c.ID,
		Strategy:   known,
		ResolvedAt: a.now().UnixMilli(),
		ResolvedBy: resolvedBy,
		Resolution: outcome,
		Details:    details,
	}, nil
}

func decide(c *models.Conflict, strategyID string) (models.Outcome, string) {
	switch strategyID {
	case StrategyLastModified:
		localAt, okLocal := c.LocalData.UpdatedAt()
		remoteAt, okRemote := c.RemoteData.UpdatedAt()
		if !okLocal || !okRemote {
			return models.OutcomeSkip, "modification time missing on one side"
		}
		if localAt.After(remoteAt) {
			return models.OutcomeLocal, "local version is newer"
		}
		return models.OutcomeRemote, "remote version is newer or equally recent"
	case StrategyLocalPriority:
		return models.OutcomeLocal, "local version takes priority"
	case StrategyRemotePriority:
		return models.OutcomeRemote, "remote version takes priority"
	case StrategyMergeData:
		return models.OutcomeMerge, "versions to be merged"
	default:
		return models.OutcomeSkip, "awaiting a decision"
	}
}
