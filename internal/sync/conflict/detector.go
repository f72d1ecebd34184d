// Package conflict detects divergences between a local and a remote record,
// proposes and applies resolution strategies, and tracks conflicts from
// detection to resolution.
package conflict

import (
	"time"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/logging"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/uuid"
)

// DataConflictThreshold is the largest modification time difference treated as clock noise.
const DataConflictThreshold = time.Second

var descriptions = map[models.ConflictType]string{
	models.ConflictTypeData:     "Local and remote versions were modified at different times",
	models.ConflictTypeDeletion: "Record was deleted locally but still exists remotely",
	models.ConflictTypeCreation: "Record was created locally but already exists remotely",
}

// DetectionResult is the outcome of comparing one local record with its remote counterpart.
type DetectionResult struct {
	HasConflicts          bool                        `json:"hasConflicts"`
	Conflicts             []*models.Conflict          `json:"conflicts"`
	ResolutionSuggestions []models.ResolutionStrategy `json:"resolutionSuggestions"`
}

func emptyResult() *DetectionResult {
	return &DetectionResult{
		Conflicts:             []*models.Conflict{},
		ResolutionSuggestions: []models.ResolutionStrategy{},
	}
}

// Detector classifies divergences. It holds no state besides its clock and id source.
type Detector struct {
	now   func() time.Time
	newID uuid.Generator
}

// NewDetector creates a Detector. A nil clock or generator falls back to time.Now and uuid.New.
func NewDetector(now func() time.Time, newID uuid.Generator) *Detector {
	if now == nil {
		now = time.Now
	}
	if newID == nil {
		newID = uuid.New
	}
	return &Detector{now: now, newID: newID}
}

// Detect compares local against remote for the attempted action. remote may be
// nil when the server has no such record. Each rule is evaluated independently,
// so one call may report several conflicts.
func (d *Detector) Detect(local, remote models.Record, action models.Action) (*DetectionResult, error) {
	if err := validateInput(local, remote, action); err != nil {
		return nil, err
	}

	result := emptyResult()
	detectedAt := d.now().UnixMilli()
	add := func(t models.ConflictType, sev models.Severity) {
		result.Conflicts = append(result.Conflicts, &models.Conflict{
			ID:          d.newID(),
			Type:        t,
			Severity:    sev,
			Description: descriptions[t],
			EntityID:    local.ID(),
			LocalData:   local.Clone(),
			RemoteData:  remote.Clone(),
			DetectedAt:  detectedAt,
			Action:      action,
			Status:      models.ConflictStatusPending,
		})
	}

	if remote != nil {
		localAt, okLocal := local.UpdatedAt()
		remoteAt, okRemote := remote.UpdatedAt()
		if okLocal && okRemote && absDuration(localAt.Sub(remoteAt)) > DataConflictThreshold {
			add(models.ConflictTypeData, models.SeverityMedium)
		}
		if action == models.ActionDelete && !remote.IsDeleted() {
			add(models.ConflictTypeDeletion, models.SeverityHigh)
		}
		if action == models.ActionCreate {
			add(models.ConflictTypeCreation, models.SeverityLow)
		}
	}

	if len(result.Conflicts) == 0 {
		return result, nil
	}

	result.HasConflicts = true
	result.ResolutionSuggestions = suggestions(result.Conflicts)

	types := make([]string, len(result.Conflicts))
	for i, c := range result.Conflicts {
		types[i] = string(c.Type)
	}
	logging.Warn("Conflicts detected", map[string]interface{}{
		"entity_id": local.ID(),
		"action":    action,
		"types":     types,
	})
	return result, nil
}

func validateInput(local, remote models.Record, action models.Action) error {
	if local == nil || local.ID() == "" {
		return apperrors.Validation("local record must have an id")
	}
	if !action.Valid() {
		return apperrors.Validation("unknown action %q", action)
	}
	if remote == nil {
		return nil
	}
	if remote.ID() == "" {
		return apperrors.Validation("remote record must have an id")
	}
	if remote.ID() != local.ID() {
		return apperrors.Validation("record id mismatch: local %q, remote %q", local.ID(), remote.ID())
	}
	return nil
}

// suggestions unions the applicable strategies of every conflict type present.
func suggestions(conflicts []*models.Conflict) []models.ResolutionStrategy {
	seen := make(map[string]bool)
	out := []models.ResolutionStrategy{}
	for _, c := range conflicts {
		for _, s := range ApplicableStrategies(c.Type) {
			if seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			out = append(out, s)
		}
	}
	sortByPriority(out)
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
