package models

import (
	"fmt"
	"time"
)

// ConflictType classifies a divergence between the local and remote replica.
type ConflictType string

const (
	ConflictTypeData     ConflictType = "data_conflict"
	ConflictTypeDeletion ConflictType = "deletion_conflict"
	ConflictTypeCreation ConflictType = "creation_conflict"
)

// ConflictTypes lists every conflict type.
var ConflictTypes = []ConflictType{ConflictTypeData, ConflictTypeDeletion, ConflictTypeCreation}

// Valid reports whether t is a known conflict type.
func (t ConflictType) Valid() bool {
	switch t {
	case ConflictTypeData, ConflictTypeDeletion, ConflictTypeCreation:
		return true
	}
	return false
}

// Severity ranks how much data is at risk in a conflict.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Action is the mutation the local replica attempted.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// ConflictStatus is the lifecycle state of a conflict.
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s ConflictStatus) Valid() bool {
	return s == ConflictStatusPending || s == ConflictStatusResolved
}

// Outcome says which side of a conflict was kept.
type Outcome string

const (
	OutcomeLocal  Outcome = "local"
	OutcomeRemote Outcome = "remote"
	OutcomeMerge  Outcome = "merge"
	OutcomeSkip   Outcome = "skip"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeLocal, OutcomeRemote, OutcomeMerge, OutcomeSkip:
		return true
	}
	return false
}

// ResolvedBy records who settled a conflict.
type ResolvedBy string

const (
	ResolvedBySystem ResolvedBy = "system"
	ResolvedByUser   ResolvedBy = "user"
)

// ResolutionStrategy is a named resolution policy from the strategy catalog.
type ResolutionStrategy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Automatic   bool   `json:"automatic"`
	Priority    int    `json:"priority"`
}

// ConflictResolution records how a conflict was settled.
type ConflictResolution struct {
	ConflictID string             `json:"conflictId"`
	Strategy   ResolutionStrategy `json:"strategy"`
	ResolvedAt int64              `json:"resolvedAt"` // Unix milliseconds
	ResolvedBy ResolvedBy         `json:"resolvedBy"`
	Resolution Outcome            `json:"resolution"`
	Details    string             `json:"details,omitempty"`
}

// ResolvedAtTime returns ResolvedAt as time.Time.
func (r *ConflictResolution) ResolvedAtTime() time.Time {
	return time.UnixMilli(r.ResolvedAt)
}

// Conflict is a detected divergence awaiting (or past) resolution.
type Conflict struct {
	ID          string              `json:"id"`
	Type        ConflictType        `json:"type"`
	Severity    Severity            `json:"severity"`
	Description string              `json:"description"`
	EntityID    string              `json:"entityId"`
	LocalData   Record              `json:"localData"`
	RemoteData  Record              `json:"remoteData"`
	DetectedAt  int64               `json:"detectedAt"` // Unix milliseconds
	Action      Action              `json:"action"`
	Status      ConflictStatus      `json:"status"`
	ResolvedAt  int64               `json:"resolvedAt,omitempty"`
	Resolution  *ConflictResolution `json:"resolution,omitempty"`
}

// CollectionName is the store collection holding conflicts.
func (Conflict) CollectionName() string {
	return "conflicts"
}

// IsPending reports whether the conflict still awaits resolution.
func (c *Conflict) IsPending() bool {
	return c.Status == ConflictStatusPending
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}

// ResolvedAtTime returns ResolvedAt as time.Time, or the zero time while pending.
func (c *Conflict) ResolvedAtTime() time.Time {
	if c.ResolvedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ResolvedAt)
}

// Validate checks the shape a stored conflict must have: known enums, and a
// resolution exactly when the conflict is resolved.
func (c *Conflict) Validate() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("conflict without id")
	case !c.Type.Valid():
		return fmt.Errorf("conflict %s: unknown type %q", c.ID, c.Type)
	case !c.Severity.Valid():
		return fmt.Errorf("conflict %s: unknown severity %q", c.ID, c.Severity)
	case !c.Action.Valid():
		return fmt.Errorf("conflict %s: unknown action %q", c.ID, c.Action)
	case !c.Status.Valid():
		return fmt.Errorf("conflict %s: unknown status %q", c.ID, c.Status)
	}

	if c.IsPending() {
		if c.Resolution != nil || c.ResolvedAt != 0 {
			return fmt.Errorf("conflict %s: pending conflict carries a resolution", c.ID)
		}
		return nil
	}
	if c.Resolution == nil {
		return fmt.Errorf("conflict %s: resolved without a resolution", c.ID)
	}
	if c.Resolution.ConflictID != c.ID {
		return fmt.Errorf("conflict %s: resolution belongs to %q", c.ID, c.Resolution.ConflictID)
	}
	if !c.Resolution.Resolution.Valid() {
		return fmt.Errorf("conflict %s: unknown resolution %q", c.ID, c.Resolution.Resolution)
	}
	return nil
}

// Resolved returns a copy of c carrying the resolution. c itself is not modified.
func (c *Conflict) Resolved(res *ConflictResolution) *Conflict {
	out := *c
	out.Status = ConflictStatusResolved
	out.ResolvedAt = res.ResolvedAt
	out.Resolution = res
	return &out
}

// ConflictStatistics aggregates conflicts by lifecycle state, type and severity.
type ConflictStatistics struct {
	Total      int                  `json:"total"`
	Pending    int                  `json:"pending"`
	Resolved   int                  `json:"resolved"`
	ByType     map[ConflictType]int `json:"byType"`
	BySeverity map[Severity]int     `json:"bySeverity"`
}
