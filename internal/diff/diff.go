// Package diff computes line-level insertion/deletion statistics and per-file
// status between two file-content snapshots.
package diff

import (
	"bytes"
	"sort"

	"github.com/zeebo/xxh3"
)

// FileStatus classifies how a file changed between two snapshots.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
)

// Stats summarizes a snapshot diff.
type Stats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// FileDiff describes one changed file.
type FileDiff struct {
	Path       string     `json:"path"`
	Status     FileStatus `json:"status"`
	Insertions int        `json:"insertions"`
	Deletions  int        `json:"deletions"`
}

// DefaultMaxLCSBytes bounds the per-file input size for the O(n*m) LCS pass.
// Files beyond the bound are counted as a wholesale replace. The quadratic
// cost is a known scaling limit; swap in a Myers/patience diff if large files
// ever need exact counts.
const DefaultMaxLCSBytes = 1 << 20

// Engine computes snapshot diffs. The zero value is not usable; use New.
type Engine struct {
	maxLCSBytes int
}

// New returns an Engine with the given LCS size bound. A bound of zero or
// less uses DefaultMaxLCSBytes.
func New(maxLCSBytes int) *Engine {
	if maxLCSBytes <= 0 {
		maxLCSBytes = DefaultMaxLCSBytes
	}
	return &Engine{maxLCSBytes: maxLCSBytes}
}

// Snapshots returns summary statistics for the change from old to new.
func (e *Engine) Snapshots(old, new map[string][]byte) Stats {
	_, stats := e.SnapshotsDetailed(old, new)
	return stats
}

// SnapshotsDetailed returns the per-file breakdown, sorted by path, along
// with summary statistics. Files with byte-identical content in both
// snapshots are excluded entirely.
func (e *Engine) SnapshotsDetailed(old, new map[string][]byte) ([]FileDiff, Stats) {
	var diffs []FileDiff

	for path, newContent := range new {
		oldContent, ok := old[path]
		if !ok {
			diffs = append(diffs, FileDiff{
				Path:       path,
				Status:     StatusAdded,
				Insertions: len(splitLines(newContent)),
			})
			continue
		}
		if sameContent(oldContent, newContent) {
			continue
		}
		ins, del := e.lineDiff(oldContent, newContent)
		diffs = append(diffs, FileDiff{
			Path:       path,
			Status:     StatusModified,
			Insertions: ins,
			Deletions:  del,
		})
	}

	for path, oldContent := range old {
		if _, ok := new[path]; ok {
			continue
		}
		diffs = append(diffs, FileDiff{
			Path:      path,
			Status:    StatusDeleted,
			Deletions: len(splitLines(oldContent)),
		})
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Path < diffs[j].Path })

	stats := Stats{FilesChanged: len(diffs)}
	for _, d := range diffs {
		stats.Insertions += d.Insertions
		stats.Deletions += d.Deletions
	}
	return diffs, stats
}

// sameContent is the byte-identity fast path. The xxh3 fingerprint makes the
// common unchanged-file case cheap before falling back to bytes.Equal.
func sameContent(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	if xxh3.Hash128(a) != xxh3.Hash128(b) {
		return false
	}
	return bytes.Equal(a, b)
}

// lineDiff computes insertions/deletions for a modified file via LCS over
// the line arrays. Oversized inputs degrade to a wholesale replace.
func (e *Engine) lineDiff(old, new []byte) (insertions, deletions int) {
	oldLines := splitLines(old)
	newLines := splitLines(new)

	if len(old) > e.maxLCSBytes || len(new) > e.maxLCSBytes {
		return len(newLines), len(oldLines)
	}

	lcs := lcsLength(oldLines, newLines)
	return len(newLines) - lcs, len(oldLines) - lcs
}

// splitLines normalizes CRLF to LF and splits on LF. The empty trailing
// element produced by a terminal newline is not counted as a line.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	parts := bytes.Split(normalized, []byte("\n"))
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = string(p)
	}
	return lines
}

// lcsLength is the classic O(n*m) dynamic program, kept to two rows.
func lcsLength(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
