package conflict

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/pricewatch/backend/internal/errors"
	"github.com/kimhsiao/pricewatch/backend/internal/models"
	"github.com/kimhsiao/pricewatch/backend/internal/uuid"
)

func newTestDetector() *Detector {
	return NewDetector(newFakeClock().Now, uuid.Sequence("c"))
}

func countType(conflicts []*models.Conflict, t models.ConflictType) int {
	n := 0
	for _, c := range conflicts {
		if c.Type == t {
			n++
		}
	}
	return n
}

func TestDetect_withinThresholdIsNotDataConflict(t *testing.T) {
	d := newTestDetector()
	for _, delta := range []int64{0, 1, 500, 999, 1000, -1000, -1} {
		t.Run(fmt.Sprintf("delta=%d", delta), func(t *testing.T) {
			local := models.Record{"id": "p1", "updatedAt": ms(baseTime)}
			remote := models.Record{"id": "p1", "updatedAt": ms(baseTime) + delta}

			res, err := d.Detect(local, remote, models.ActionUpdate)
			require.NoError(t, err)
			assert.False(t, res.HasConflicts)
			assert.Empty(t, res.Conflicts)
			assert.NotNil(t, res.Conflicts)
			assert.NotNil(t, res.ResolutionSuggestions)
		})
	}
}

func TestDetect_beyondThresholdIsDataConflict(t *testing.T) {
	d := newTestDetector()
	for _, delta := range []int64{1001, -1001, 2000, int64(time.Hour / time.Millisecond)} {
		t.Run(fmt.Sprintf("delta=%d", delta), func(t *testing.T) {
			local := models.Record{"id": "p1", "updatedAt": ms(baseTime)}
			remote := models.Record{"id": "p1", "updatedAt": ms(baseTime) + delta}

			res, err := d.Detect(local, remote, models.ActionUpdate)
			require.NoError(t, err)
			require.Len(t, res.Conflicts, 1)
			assert.Equal(t, models.ConflictTypeData, res.Conflicts[0].Type)
			assert.Equal(t, models.SeverityMedium, res.Conflicts[0].Severity)
		})
	}
}

func TestDetect_missingTimestampSkipsDataRule(t *testing.T) {
	d := newTestDetector()
	tests := []struct {
		name          string
		local, remote models.Record
	}{
		{"local missing", models.Record{"id": "p1"}, models.Record{"id": "p1", "updatedAt": ms(baseTime)}},
		{"remote missing", models.Record{"id": "p1", "updatedAt": ms(baseTime)}, models.Record{"id": "p1"}},
		{"remote null", models.Record{"id": "p1", "updatedAt": ms(baseTime)}, models.Record{"id": "p1", "updatedAt": nil}},
		{"remote absent", models.Record{"id": "p1", "updatedAt": ms(baseTime)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := d.Detect(tt.local, tt.remote, models.ActionUpdate)
			require.NoError(t, err)
			assert.False(t, res.HasConflicts)
		})
	}
}

func TestDetect_deletionAgainstLiveRemote(t *testing.T) {
	d := newTestDetector()
	local := models.Record{"id": "p2"}

	for _, remote := range []models.Record{
		{"id": "p2"},
		{"id": "p2", "deleted": false},
		{"id": "p2", "deletedAt": nil},
	} {
		res, err := d.Detect(local, remote, models.ActionDelete)
		require.NoError(t, err)
		require.Equal(t, 1, countType(res.Conflicts, models.ConflictTypeDeletion))
		assert.Equal(t, models.SeverityHigh, res.Conflicts[0].Severity)
	}
}

func TestDetect_deletionAgainstDeletedOrMissingRemote(t *testing.T) {
	d := newTestDetector()
	local := models.Record{"id": "p2"}

	for _, remote := range []models.Record{
		nil,
		{"id": "p2", "deleted": true},
		{"id": "p2", "deletedAt": "2026-02-01T00:00:00Z"},
	} {
		res, err := d.Detect(local, remote, models.ActionDelete)
		require.NoError(t, err)
		assert.False(t, res.HasConflicts)
	}
}

func TestDetect_creationAgainstExistingRemote(t *testing.T) {
	d := newTestDetector()
	res, err := d.Detect(models.Record{"id": "p3"}, models.Record{"id": "p3"}, models.ActionCreate)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, models.ConflictTypeCreation, res.Conflicts[0].Type)
	assert.Equal(t, models.SeverityLow, res.Conflicts[0].Severity)

	res, err = d.Detect(models.Record{"id": "p3"}, nil, models.ActionCreate)
	require.NoError(t, err)
	assert.False(t, res.HasConflicts)
}

func TestDetect_rulesAreIndependent(t *testing.T) {
	d := newTestDetector()
	local := models.Record{"id": "p4", "updatedAt": ms(baseTime)}
	remote := models.Record{"id": "p4", "updatedAt": ms(baseTime.Add(5 * time.Second))}

	res, err := d.Detect(local, remote, models.ActionDelete)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 2)
	assert.Equal(t, 1, countType(res.Conflicts, models.ConflictTypeData))
	assert.Equal(t, 1, countType(res.Conflicts, models.ConflictTypeDeletion))

	// Union of data and deletion strategies, de-duplicated and ordered.
	assert.Equal(t,
		[]string{StrategyLastModified, StrategyUserPreference, StrategyLocalPriority, StrategyRemotePriority, StrategyMergeData},
		ids(res.ResolutionSuggestions))
}

func TestDetect_conflictFields(t *testing.T) {
	d := newTestDetector()
	local := models.Record{"id": "p1", "price": 1000}
	remote := models.Record{"id": "p1", "price": 1200}

	res, err := d.Detect(local, remote, models.ActionCreate)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	c := res.Conflicts[0]
	assert.Equal(t, "c-1", c.ID)
	assert.Equal(t, "p1", c.EntityID)
	assert.Equal(t, models.ActionCreate, c.Action)
	assert.Equal(t, models.ConflictStatusPending, c.Status)
	assert.Equal(t, ms(baseTime), c.DetectedAt)
	assert.NotEmpty(t, c.Description)
	assert.Zero(t, c.ResolvedAt)
	assert.Nil(t, c.Resolution)

	// Snapshots are detached from the caller's records.
	local["price"] = 1
	assert.Equal(t, 1000, c.LocalData["price"])
	assert.Equal(t, 1200, c.RemoteData["price"])
}

func TestDetect_validation(t *testing.T) {
	d := newTestDetector()
	tests := []struct {
		name          string
		local, remote models.Record
		action        models.Action
	}{
		{"nil local", nil, models.Record{"id": "p1"}, models.ActionUpdate},
		{"local without id", models.Record{"price": 1}, nil, models.ActionUpdate},
		{"unknown action", models.Record{"id": "p1"}, nil, models.Action("upsert")},
		{"remote without id", models.Record{"id": "p1"}, models.Record{"price": 1}, models.ActionUpdate},
		{"id mismatch", models.Record{"id": "p1"}, models.Record{"id": "p2"}, models.ActionUpdate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Detect(tt.local, tt.remote, tt.action)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
		})
	}
}

func TestNewDetector_defaults(t *testing.T) {
	d := NewDetector(nil, nil)
	res, err := d.Detect(models.Record{"id": "p3"}, models.Record{"id": "p3"}, models.ActionCreate)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.True(t, uuid.IsValid(res.Conflicts[0].ID))
}
