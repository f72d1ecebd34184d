package conflict

import "github.com/kimhsiao/pricewatch/backend/internal/models"

// Notifier observes conflict lifecycle changes. Calls happen after the change
// is persisted, on the caller's goroutine, so implementations must not block.
type Notifier interface {
	ConflictsDetected(conflicts []*models.Conflict)
	ConflictResolved(conflict *models.Conflict)
	ConflictsCleaned(count int)
}

type nopNotifier struct{}

func (nopNotifier) ConflictsDetected([]*models.Conflict) {}
func (nopNotifier) ConflictResolved(*models.Conflict)    {}
func (nopNotifier) ConflictsCleaned(int)                 {}
