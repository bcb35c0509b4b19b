package report

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixloop/fixloop/internal/types"
)

func sampleReport() *Report {
	return &Report{
		Target:  "https://preview.example.app",
		Verdict: types.VerdictNoGo,
		Score:   42.5,
		Summary: "3 critical and 2 low findings block launch.",
		Sections: []Section{
			{Severity: types.SeverityCritical, Findings: []Finding{
				{ID: "F-001", Title: "Checkout crashes on empty cart", Severity: types.SeverityCritical, Lens: "functionality"},
				{ID: "F-002", Title: "Login form accepts empty password", Severity: types.SeverityCritical, Lens: "security"},
				{ID: "F-003", Title: "Payment API key exposed in bundle", Severity: types.SeverityCritical, Lens: "security"},
			}},
			{Severity: types.SeverityHigh, Findings: []Finding{
				{ID: "F-010", Title: "Search returns 500 on unicode input", Severity: types.SeverityHigh, Lens: "functionality"},
			}},
			{Severity: types.SeverityLow, Findings: []Finding{
				{ID: "F-020", Title: "Footer misaligned on mobile", Severity: types.SeverityLow, Lens: "visual"},
				{ID: "F-021", Title: "Missing favicon", Severity: types.SeverityLow, Lens: "visual"},
			}},
		},
	}
}

func TestFilterBySeverity(t *testing.T) {
	r := sampleReport()
	filtered := FilterBySeverity(r, []types.Severity{types.SeverityCritical})

	require.Len(t, filtered.Sections, 1)
	assert.Equal(t, types.SeverityCritical, filtered.Sections[0].Severity)
	assert.Len(t, filtered.Sections[0].Findings, 3)

	// Header is preserved.
	assert.Equal(t, r.Target, filtered.Target)
	assert.Equal(t, r.Verdict, filtered.Verdict)
	assert.Equal(t, r.Score, filtered.Score)
	assert.Equal(t, r.Summary, filtered.Summary)

	// No high/medium/low findings leak through.
	for _, f := range filtered.Findings() {
		assert.Equal(t, types.SeverityCritical, f.Severity)
	}

	// Original report is untouched.
	assert.Equal(t, 6, r.TotalFindings())
}

func TestFilterBySeverityEmptyTierIsWellFormed(t *testing.T) {
	r := sampleReport()
	filtered := FilterBySeverity(r, []types.Severity{types.SeverityCritical, types.SeverityMedium})

	require.Len(t, filtered.Sections, 2)
	medium := filtered.Section(types.SeverityMedium)
	require.NotNil(t, medium, "requested tier with no findings must yield an empty section, not an absent one")
	assert.Empty(t, medium.Findings)
}

func TestFilterBySeverityIdempotent(t *testing.T) {
	r := sampleReport()
	tiers := []types.Severity{types.SeverityCritical, types.SeverityHigh}

	once := FilterBySeverity(r, tiers)
	twice := FilterBySeverity(once, tiers)

	assert.Equal(t, once, twice)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("go"))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}

func TestRenderInstructions(t *testing.T) {
	r := sampleReport()
	filtered := FilterBySeverity(r, []types.Severity{types.SeverityCritical})
	doc := RenderInstructions(filtered, 2)

	assert.Contains(t, doc, "Cycle 2")
	assert.Contains(t, doc, "F-001")
	assert.Contains(t, doc, "Checkout crashes on empty cart")
	assert.Contains(t, doc, "CRITICAL (3)")
	assert.NotContains(t, doc, "Footer misaligned")
}

func TestComputeDelta(t *testing.T) {
	previous := sampleReport()
	current := &Report{
		Target:  previous.Target,
		Verdict: types.VerdictConditional,
		Sections: []Section{
			{Severity: types.SeverityCritical, Findings: []Finding{
				{ID: "F-003", Title: "Payment API key exposed in bundle", Severity: types.SeverityCritical},
			}},
			{Severity: types.SeverityHigh, Findings: []Finding{
				{ID: "F-010", Title: "Search returns 500 on unicode input", Severity: types.SeverityHigh},
				{ID: "F-030", Title: "New regression in signup flow", Severity: types.SeverityHigh},
			}},
		},
	}

	delta := ComputeDelta(current, previous)

	assert.ElementsMatch(t, []string{"F-001", "F-002", "F-020", "F-021"}, delta.Resolved)
	assert.ElementsMatch(t, []string{"F-030"}, delta.New)
	assert.ElementsMatch(t, []string{"F-003", "F-010"}, delta.Unchanged)

	// Partition laws: resolved ∪ unchanged == previous, new ∪ unchanged == current.
	prevUnion := append(append([]string{}, delta.Resolved...), delta.Unchanged...)
	assert.ElementsMatch(t, previous.FindingIDs(), prevUnion)

	curUnion := append(append([]string{}, delta.New...), delta.Unchanged...)
	assert.ElementsMatch(t, current.FindingIDs(), curUnion)
}

func TestComputeDeltaDisjoint(t *testing.T) {
	previous := sampleReport()
	current := sampleReport()
	delta := ComputeDelta(current, previous)

	assert.Empty(t, delta.Resolved)
	assert.Empty(t, delta.New)
	assert.Len(t, delta.Unchanged, 6)

	seen := map[string]int{}
	for _, id := range delta.Resolved {
		seen[id]++
	}
	for _, id := range delta.New {
		seen[id]++
	}
	for _, id := range delta.Unchanged {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "finding %s appears in more than one partition", id)
	}
}

func TestComputeDeltaNilPrevious(t *testing.T) {
	current := sampleReport()
	delta := ComputeDelta(current, nil)

	assert.Empty(t, delta.Resolved)
	assert.Empty(t, delta.Unchanged)
	assert.Len(t, delta.New, 6)
}
