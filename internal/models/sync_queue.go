package models

import (
	"encoding/json"
	"fmt"
)

// PendingMutation is the persisted form of a mutation made offline and not yet synced.
type PendingMutation struct {
	ID          string          `json:"id"`
	Collection  string          `json:"collection"`
	Action      Action          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	NextRetryAt int64           `json:"nextRetryAt"`
	Status      string          `json:"status"` // pending, in_progress, failed, completed
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt"`

	// Outcome is the automatic decision already taken for this mutation, so a
	// retried delivery does not detect the same conflict again.
	Outcome Outcome `json:"outcome,omitempty"`
}

// CollectionName is the store collection holding queued mutations.
func (PendingMutation) CollectionName() string {
	return "mutations"
}

// Validate checks the fields a stored mutation needs before it can be queued.
func (m *PendingMutation) Validate() error {
	switch {
	case m.ID == "":
		return fmt.Errorf("mutation without id")
	case m.Status != "pending" && m.Status != "in_progress" && m.Status != "failed" && m.Status != "completed":
		return fmt.Errorf("mutation %s: unknown status %q", m.ID, m.Status)
	case m.Collection == "":
		return fmt.Errorf("mutation %s: no collection", m.ID)
	case !m.Action.Valid():
		return fmt.Errorf("mutation %s: unknown action %q", m.ID, m.Action)
	case m.Outcome != "" && !m.Outcome.Valid():
		return fmt.Errorf("mutation %s: unknown outcome %q", m.ID, m.Outcome)
	case len(m.Payload) == 0:
		return fmt.Errorf("mutation %s: no payload", m.ID)
	}
	return nil
}
