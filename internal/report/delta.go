package report

import (
	"sort"

	"github.com/fixloop/fixloop/internal/types"
)

// ComputeDelta partitions finding IDs across two evaluation runs. Findings
// are matched by stable ID only. The partition satisfies:
//
//	resolved ∪ unchanged == previous
//	new      ∪ unchanged == current
//
// with the three sets pairwise disjoint. ID lists in the result are sorted
// for deterministic storage and display.
func ComputeDelta(current, previous *Report) *types.DeltaSummary {
	curIDs := idSet(current)
	prevIDs := idSet(previous)

	delta := &types.DeltaSummary{
		Resolved:  []string{},
		New:       []string{},
		Unchanged: []string{},
	}

	for id := range prevIDs {
		if curIDs[id] {
			delta.Unchanged = append(delta.Unchanged, id)
		} else {
			delta.Resolved = append(delta.Resolved, id)
		}
	}
	for id := range curIDs {
		if !prevIDs[id] {
			delta.New = append(delta.New, id)
		}
	}

	sort.Strings(delta.Resolved)
	sort.Strings(delta.New)
	sort.Strings(delta.Unchanged)

	return delta
}

func idSet(r *Report) map[string]bool {
	ids := make(map[string]bool)
	if r == nil {
		return ids
	}
	for _, f := range r.Findings() {
		ids[f.ID] = true
	}
	return ids
}
