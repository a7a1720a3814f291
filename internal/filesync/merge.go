package filesync

import (
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// hunk replaces base lines [start, end) with lines.
type hunk struct {
	start, end int
	lines      []string
}

// Merge performs a line-based three-way merge of local and remote against
// their common base. Edits to disjoint regions are combined; identical edits
// are applied once. Overlapping edits that differ yield ErrMergeConflict.
func Merge(base, local, remote string) (string, error) {
	switch {
	case local == remote, remote == base:
		return local, nil
	case local == base:
		return remote, nil
	}

	baseLines := splitLines(base)
	lh := diffHunks(baseLines, splitLines(local))
	rh := diffHunks(baseLines, splitLines(remote))

	var out []string
	pos := 0
	apply := func(h hunk) {
		out = append(out, baseLines[pos:h.start]...)
		out = append(out, h.lines...)
		pos = h.end
	}

	i, j := 0, 0
	for i < len(lh) || j < len(rh) {
		switch {
		case j == len(rh):
			apply(lh[i])
			i++
		case i == len(lh):
			apply(rh[j])
			j++
		default:
			a, b := lh[i], rh[j]
			if overlaps(a, b) {
				if !sameHunk(a, b) {
					return "", ErrMergeConflict
				}
				apply(a)
				i++
				j++
				continue
			}
			if a.start < b.start {
				apply(a)
				i++
			} else {
				apply(b)
				j++
			}
		}
	}
	out = append(out, baseLines[pos:]...)
	return strings.Join(out, ""), nil
}

// diffHunks returns the non-equal regions of b relative to a, with adjacent
// regions coalesced.
func diffHunks(a, b []string) []hunk {
	var hunks []hunk
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		lines := b[op.J1:op.J2]
		if n := len(hunks); n > 0 && hunks[n-1].end == op.I1 {
			hunks[n-1].end = op.I2
			hunks[n-1].lines = append(hunks[n-1].lines, lines...)
			continue
		}
		hunks = append(hunks, hunk{start: op.I1, end: op.I2, lines: slices.Clone(lines)})
	}
	return hunks
}

func overlaps(a, b hunk) bool {
	if a.start == b.start {
		return true
	}
	return a.start < b.end && b.start < a.end
}

func sameHunk(a, b hunk) bool {
	return a.start == b.start && a.end == b.end && slices.Equal(a.lines, b.lines)
}

// splitLines splits s after each newline, keeping the terminators so that
// joining the result reproduces s exactly.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
