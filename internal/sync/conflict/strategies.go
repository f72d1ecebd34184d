package conflict

import (
	"fmt"
	"sort"

	"github.com/kimhsiao/pricewatch/backend/internal/models"
)

// Strategy ids. The ids are stable: stored resolutions and API clients refer to them.
const (
	StrategyLastModified   = "last_modified"
	StrategyUserPreference = "user_preference"
	StrategyLocalPriority  = "local_priority"
	StrategyRemotePriority = "remote_priority"
	StrategyMergeData      = "merge_data"

	// StrategyManual is recorded on resolutions chosen by a person. It is never
	// suggested and never applicable to a conflict type.
	StrategyManual = "manual"
)

type catalogEntry struct {
	strategy  models.ResolutionStrategy
	appliesTo []models.ConflictType
}

var catalog = map[string]catalogEntry{
	StrategyLastModified: {
		strategy: models.ResolutionStrategy{
			ID:          StrategyLastModified,
			Name:        "Last modified wins",
			Description: "Keep whichever version was modified most recently",
			Automatic:   true,
			Priority:    1,
		},
		appliesTo: []models.ConflictType{models.ConflictTypeData},
	},
	StrategyUserPreference: {
		strategy: models.ResolutionStrategy{
			ID:          StrategyUserPreference,
			Name:        "Ask the user",
			Description: "Let the user choose which version to keep",
			Automatic:   false,
			Priority:    2,
		},
		appliesTo: []models.ConflictType{models.ConflictTypeData, models.ConflictTypeDeletion},
	},
	StrategyLocalPriority: {
		strategy: models.ResolutionStrategy{
			ID:          StrategyLocalPriority,
			Name:        "Keep local",
			Description: "Keep the version from this device",
			Automatic:   true,
			Priority:    3,
		},
		appliesTo: []models.ConflictType{models.ConflictTypeCreation, models.ConflictTypeData},
	},
	StrategyRemotePriority: {
		strategy: models.ResolutionStrategy{
			ID:          StrategyRemotePriority,
			Name:        "Keep remote",
			Description: "Keep the version from the server",
			Automatic:   true,
			Priority:    4,
		},
		appliesTo: []models.ConflictType{models.ConflictTypeDeletion, models.ConflictTypeCreation, models.ConflictTypeData},
	},
	StrategyMergeData: {
		strategy: models.ResolutionStrategy{
			ID:          StrategyMergeData,
			Name:        "Merge",
			Description: "Combine fields from both versions",
			Automatic:   false,
			Priority:    5,
		},
		appliesTo: []models.ConflictType{models.ConflictTypeData},
	},
}

var manualStrategy = models.ResolutionStrategy{
	ID:          StrategyManual,
	Name:        "Manual resolution",
	Description: "Resolved by a person",
	Automatic:   false,
	Priority:    100,
}

func init() {
	if err := validateCatalog(catalog); err != nil {
		panic(err)
	}
}

// validateCatalog rejects mismatched keys, empty fields, duplicate priorities
// and entries that apply to no (or an unknown) conflict type.
func validateCatalog(entries map[string]catalogEntry) error {
	priorities := make(map[int]string, len(entries))
	for id, e := range entries {
		s := e.strategy
		switch {
		case id == "" || s.ID != id:
			return fmt.Errorf("strategy catalog: key %q does not match id %q", id, s.ID)
		case id == StrategyManual:
			return fmt.Errorf("strategy catalog: %q is reserved", id)
		case s.Name == "" || s.Description == "":
			return fmt.Errorf("strategy catalog: %q is missing a name or description", id)
		case s.Priority <= 0:
			return fmt.Errorf("strategy catalog: %q has non-positive priority %d", id, s.Priority)
		case len(e.appliesTo) == 0:
			return fmt.Errorf("strategy catalog: %q applies to no conflict type", id)
		}
		if other, dup := priorities[s.Priority]; dup {
			return fmt.Errorf("strategy catalog: %q and %q share priority %d", id, other, s.Priority)
		}
		priorities[s.Priority] = id
		for _, t := range e.appliesTo {
			if !t.Valid() {
				return fmt.Errorf("strategy catalog: %q applies to unknown type %q", id, t)
			}
		}
	}
	return nil
}

// ApplicableStrategies returns the strategies that can settle a conflict of
// type t, ordered by ascending priority.
func ApplicableStrategies(t models.ConflictType) []models.ResolutionStrategy {
	var out []models.ResolutionStrategy
	for _, e := range catalog {
		for _, applies := range e.appliesTo {
			if applies == t {
				out = append(out, e.strategy)
				break
			}
		}
	}
	sortByPriority(out)
	return out
}

// Strategy looks up a strategy by id, including the synthetic manual strategy.
func Strategy(id string) (models.ResolutionStrategy, bool) {
	if id == StrategyManual {
		return manualStrategy, true
	}
	e, ok := catalog[id]
	return e.strategy, ok
}

// Strategies returns every catalog strategy ordered by priority.
func Strategies() []models.ResolutionStrategy {
	out := make([]models.ResolutionStrategy, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e.strategy)
	}
	sortByPriority(out)
	return out
}

func sortByPriority(s []models.ResolutionStrategy) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].Priority < s[j].Priority
	})
}
