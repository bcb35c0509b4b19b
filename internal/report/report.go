// Package report models the findings artifact produced by the evaluation
// pipeline and the slicing operations the fix loop performs on it: severity
// filtering, size estimation, and cross-run deltas.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/fixloop/fixloop/internal/types"
)

// Finding is one evaluation finding. Findings are matched across runs by
// stable ID only, never by description text.
type Finding struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Severity    types.Severity `json:"severity"`
	Lens        string         `json:"lens,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Section groups the findings of one severity tier.
type Section struct {
	Severity types.Severity `json:"severity"`
	Findings []Finding      `json:"findings"`
}

// Report is the structured findings artifact: findings grouped by severity
// plus a composite verdict and score.
type Report struct {
	Target      string        `json:"target"`
	Verdict     types.Verdict `json:"verdict"`
	Score       float64       `json:"score"`
	Summary     string        `json:"summary,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
	Sections    []Section     `json:"sections"`
}

// Section returns the section for the given tier, or nil if absent.
func (r *Report) Section(sev types.Severity) *Section {
	for i := range r.Sections {
		if r.Sections[i].Severity == sev {
			return &r.Sections[i]
		}
	}
	return nil
}

// Findings returns all findings across sections in severity order.
func (r *Report) Findings() []Finding {
	var all []Finding
	for _, sec := range r.Sections {
		all = append(all, sec.Findings...)
	}
	return all
}

// FindingIDs returns the stable IDs of all findings in the report.
func (r *Report) FindingIDs() []string {
	var ids []string
	for _, f := range r.Findings() {
		ids = append(ids, f.ID)
	}
	return ids
}

// TotalFindings returns the number of findings across all sections.
func (r *Report) TotalFindings() int {
	n := 0
	for _, sec := range r.Sections {
		n += len(sec.Findings)
	}
	return n
}

// FilterBySeverity returns a sub-report containing only the requested tiers.
// The header (target, verdict, score, summary) is preserved. A requested tier
// with no findings yields a well-formed empty section rather than an absent
// one, and the operation is idempotent under repeated filtering to the same
// tier set. The input report is not mutated.
func FilterBySeverity(r *Report, allowed []types.Severity) *Report {
	want := make(map[types.Severity]bool, len(allowed))
	for _, sev := range allowed {
		want[sev] = true
	}

	filtered := &Report{
		Target:      r.Target,
		Verdict:     r.Verdict,
		Score:       r.Score,
		Summary:     r.Summary,
		GeneratedAt: r.GeneratedAt,
	}

	// Emit sections in canonical severity order so filtering is stable.
	for _, sev := range types.SeverityOrder {
		if !want[sev] {
			continue
		}
		sec := Section{Severity: sev, Findings: []Finding{}}
		if src := r.Section(sev); src != nil {
			sec.Findings = append(sec.Findings, src.Findings...)
		}
		filtered.Sections = append(filtered.Sections, sec)
	}

	return filtered
}

// EstimateTokens returns a coarse token estimate for a rendered document.
// It is used only to decide whether tiered feeding is needed, not as a hard
// gate within a cycle.
func EstimateTokens(text string) int {
	// ~4 bytes per token for English prose and markdown.
	return (len(text) + 3) / 4
}

// RenderInstructions renders a (typically filtered) report as the markdown
// instructions document fed to the code-fix agent.
func RenderInstructions(r *Report, cycleNumber int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Fix Instructions: Cycle %d\n\n", cycleNumber)
	fmt.Fprintf(&b, "Target: %s\n", r.Target)
	fmt.Fprintf(&b, "Current verdict: %s (score %.1f)\n\n", r.Verdict, r.Score)
	if r.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", r.Summary)
	}

	b.WriteString("Fix every finding listed below. Findings are ordered by severity.\n")
	b.WriteString("Do not change unrelated code.\n\n")

	for _, sec := range r.Sections {
		fmt.Fprintf(&b, "## %s (%d)\n\n", strings.ToUpper(string(sec.Severity)), len(sec.Findings))
		if len(sec.Findings) == 0 {
			b.WriteString("(no findings in this tier)\n\n")
			continue
		}
		for _, f := range sec.Findings {
			fmt.Fprintf(&b, "### [%s] %s\n\n", f.ID, f.Title)
			if f.Lens != "" {
				fmt.Fprintf(&b, "Lens: %s\n\n", f.Lens)
			}
			if f.Description != "" {
				fmt.Fprintf(&b, "%s\n\n", f.Description)
			}
		}
	}

	return b.String()
}
