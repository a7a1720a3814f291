package agent

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/joescharf/forge/internal/models"
)

// LineStats counts the lines a change adds and removes.
func LineStats(change models.AgentFileChange) (added, removed int) {
	var before string
	if change.OriginalContent != nil {
		before = *change.OriginalContent
	}
	after := change.NewContent
	if change.Action == models.ActionDelete {
		after = ""
	}
	a := difflib.SplitLines(before)
	b := difflib.SplitLines(after)
	if before == "" {
		a = nil
	}
	if after == "" {
		b = nil
	}
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		switch op.Tag {
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

// UnifiedDiff renders a change as a unified diff.
func UnifiedDiff(change models.AgentFileChange) (string, error) {
	var before string
	if change.OriginalContent != nil {
		before = *change.OriginalContent
	}
	after := change.NewContent
	if change.Action == models.ActionDelete {
		after = ""
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + change.FilePath,
		ToFile:   "b/" + change.FilePath,
		Context:  3,
	})
}

// enrichReport fills what the generation service left out of a report from
// the applied changes: file lists when none were given, line counts when both
// are zero.
func enrichReport(r *models.AgentReport, changes []models.AgentFileChange) {
	if r == nil || len(changes) == 0 {
		return
	}
	if r.FilesCreated == nil && r.FilesModified == nil && r.FilesDeleted == nil {
		created, modified, deleted := classify(changes)
		r.FilesCreated, r.FilesModified, r.FilesDeleted = created, modified, deleted
	}
	if r.LinesAdded == 0 && r.LinesRemoved == 0 {
		for _, c := range changes {
			a, d := LineStats(c)
			r.LinesAdded += a
			r.LinesRemoved += d
		}
	}
	if strings.TrimSpace(r.Summary) == "" {
		r.Summary = "Applied changes to " + strings.Join(touched(changes), ", ")
	}
}

// classify groups changed paths by their net effect. A path created earlier
// in the run counts as created even if a later step modified it.
func classify(changes []models.AgentFileChange) (created, modified, deleted []string) {
	created, modified, deleted = []string{}, []string{}, []string{}
	kind := make(map[string]models.FileAction)
	seen := make(map[string]bool)
	var order []string
	for _, c := range changes {
		prev := kind[c.FilePath]
		if !seen[c.FilePath] {
			seen[c.FilePath] = true
			order = append(order, c.FilePath)
		}
		switch {
		case c.Action == models.ActionDelete:
			if prev == models.ActionCreate {
				delete(kind, c.FilePath)
				continue
			}
			kind[c.FilePath] = models.ActionDelete
		case c.OriginalContent == nil && prev != models.ActionModify:
			kind[c.FilePath] = models.ActionCreate
		case prev == models.ActionCreate:
		default:
			kind[c.FilePath] = models.ActionModify
		}
	}
	for _, p := range order {
		switch kind[p] {
		case models.ActionCreate:
			created = append(created, p)
		case models.ActionModify:
			modified = append(modified, p)
		case models.ActionDelete:
			deleted = append(deleted, p)
		}
	}
	return created, modified, deleted
}

func touched(changes []models.AgentFileChange) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range changes {
		if !seen[c.FilePath] {
			seen[c.FilePath] = true
			out = append(out, c.FilePath)
		}
	}
	return out
}
