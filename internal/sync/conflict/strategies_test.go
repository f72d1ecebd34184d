package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/pricewatch/backend/internal/models"
)

func ids(strategies []models.ResolutionStrategy) []string {
	out := make([]string, len(strategies))
	for i, s := range strategies {
		out[i] = s.ID
	}
	return out
}

func TestCatalog_table(t *testing.T) {
	tests := []struct {
		id        string
		automatic bool
		priority  int
	}{
		{StrategyLastModified, true, 1},
		{StrategyUserPreference, false, 2},
		{StrategyLocalPriority, true, 3},
		{StrategyRemotePriority, true, 4},
		{StrategyMergeData, false, 5},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			s, ok := Strategy(tt.id)
			require.True(t, ok)
			assert.Equal(t, tt.automatic, s.Automatic)
			assert.Equal(t, tt.priority, s.Priority)
		})
	}

	assert.Equal(t, []string{
		StrategyLastModified, StrategyUserPreference, StrategyLocalPriority,
		StrategyRemotePriority, StrategyMergeData,
	}, ids(Strategies()))
}

func TestApplicableStrategies(t *testing.T) {
	assert.Equal(t,
		[]string{StrategyLastModified, StrategyUserPreference, StrategyLocalPriority, StrategyRemotePriority, StrategyMergeData},
		ids(ApplicableStrategies(models.ConflictTypeData)))
	assert.Equal(t,
		[]string{StrategyUserPreference, StrategyRemotePriority},
		ids(ApplicableStrategies(models.ConflictTypeDeletion)))
	assert.Equal(t,
		[]string{StrategyLocalPriority, StrategyRemotePriority},
		ids(ApplicableStrategies(models.ConflictTypeCreation)))
	assert.Empty(t, ApplicableStrategies(models.ConflictType("schema_conflict")))
}

func TestStrategy_manualIsLookupOnly(t *testing.T) {
	s, ok := Strategy(StrategyManual)
	require.True(t, ok)
	assert.False(t, s.Automatic)
	assert.NotContains(t, ids(Strategies()), StrategyManual)
	for _, ct := range models.ConflictTypes {
		assert.NotContains(t, ids(ApplicableStrategies(ct)), StrategyManual)
	}

	_, ok = Strategy("coin_flip")
	assert.False(t, ok)
}

func TestValidateCatalog(t *testing.T) {
	valid := func() map[string]catalogEntry {
		return map[string]catalogEntry{
			"a": {strategy: models.ResolutionStrategy{ID: "a", Name: "A", Description: "a", Priority: 1}, appliesTo: []models.ConflictType{models.ConflictTypeData}},
			"b": {strategy: models.ResolutionStrategy{ID: "b", Name: "B", Description: "b", Priority: 2}, appliesTo: []models.ConflictType{models.ConflictTypeCreation}},
		}
	}
	require.NoError(t, validateCatalog(valid()))
	require.NoError(t, validateCatalog(catalog))

	tests := []struct {
		name   string
		mutate func(map[string]catalogEntry)
	}{
		{"key mismatch", func(m map[string]catalogEntry) {
			e := m["a"]
			e.strategy.ID = "z"
			m["a"] = e
		}},
		{"duplicate priority", func(m map[string]catalogEntry) {
			e := m["b"]
			e.strategy.Priority = 1
			m["b"] = e
		}},
		{"missing name", func(m map[string]catalogEntry) {
			e := m["a"]
			e.strategy.Name = ""
			m["a"] = e
		}},
		{"zero priority", func(m map[string]catalogEntry) {
			e := m["a"]
			e.strategy.Priority = 0
			m["a"] = e
		}},
		{"no applicability", func(m map[string]catalogEntry) {
			e := m["a"]
			e.appliesTo = nil
			m["a"] = e
		}},
		{"unknown type", func(m map[string]catalogEntry) {
			e := m["a"]
			e.appliesTo = []models.ConflictType{"schema_conflict"}
			m["a"] = e
		}},
		{"reserved manual id", func(m map[string]catalogEntry) {
			m[StrategyManual] = catalogEntry{
				strategy:  models.ResolutionStrategy{ID: StrategyManual, Name: "M", Description: "m", Priority: 9},
				appliesTo: []models.ConflictType{models.ConflictTypeData},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			assert.Error(t, validateCatalog(m))
		})
	}
}
