package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModifiedInsertion(t *testing.T) {
	e := New(0)
	old := map[string][]byte{"a.txt": []byte("line1\nline2\n")}
	new := map[string][]byte{"a.txt": []byte("line1\nline2\nline3\n")}

	diffs, stats := e.SnapshotsDetailed(old, new)

	require.Len(t, diffs, 1)
	assert.Equal(t, StatusModified, diffs[0].Status)
	assert.Equal(t, 1, stats.Insertions)
	assert.Equal(t, 0, stats.Deletions)
	assert.Equal(t, 1, stats.FilesChanged)
}

func TestAddedFile(t *testing.T) {
	e := New(0)
	diffs, stats := e.SnapshotsDetailed(
		map[string][]byte{},
		map[string][]byte{"a.txt": []byte("x\ny\n")},
	)

	require.Len(t, diffs, 1)
	assert.Equal(t, StatusAdded, diffs[0].Status)
	assert.Equal(t, Stats{FilesChanged: 1, Insertions: 2, Deletions: 0}, stats)
}

func TestDeletedFile(t *testing.T) {
	e := New(0)
	diffs, stats := e.SnapshotsDetailed(
		map[string][]byte{"a.txt": []byte("x\ny\n")},
		map[string][]byte{},
	)

	require.Len(t, diffs, 1)
	assert.Equal(t, StatusDeleted, diffs[0].Status)
	assert.Equal(t, Stats{FilesChanged: 1, Insertions: 0, Deletions: 2}, stats)
}

func TestIdenticalContentExcluded(t *testing.T) {
	e := New(0)
	content := []byte("same\nbytes\n")
	diffs, stats := e.SnapshotsDetailed(
		map[string][]byte{"a.txt": content, "b.txt": []byte("old\n")},
		map[string][]byte{"a.txt": content, "b.txt": []byte("new\n")},
	)

	require.Len(t, diffs, 1)
	assert.Equal(t, "b.txt", diffs[0].Path)
	assert.Equal(t, 1, stats.FilesChanged)
}

func TestCRLFNormalization(t *testing.T) {
	e := New(0)
	stats := e.Snapshots(
		map[string][]byte{"a.txt": []byte("line1\r\nline2\r\n")},
		map[string][]byte{"a.txt": []byte("line1\nline2\nline3\n")},
	)

	assert.Equal(t, 1, stats.Insertions)
	assert.Equal(t, 0, stats.Deletions)
}

func TestTrailingNewlineNotCounted(t *testing.T) {
	assert.Len(t, splitLines([]byte("a\nb\n")), 2)
	assert.Len(t, splitLines([]byte("a\nb")), 2)
	assert.Len(t, splitLines([]byte("")), 0)
	assert.Len(t, splitLines([]byte("\n")), 1)
}

func TestRewriteCountsBoth(t *testing.T) {
	e := New(0)
	stats := e.Snapshots(
		map[string][]byte{"a.txt": []byte("a\nb\nc\n")},
		map[string][]byte{"a.txt": []byte("x\ny\n")},
	)

	assert.Equal(t, 2, stats.Insertions)
	assert.Equal(t, 3, stats.Deletions)
}

func TestDetailedSortedByPath(t *testing.T) {
	e := New(0)
	diffs, _ := e.SnapshotsDetailed(
		map[string][]byte{},
		map[string][]byte{
			"z.txt": []byte("z\n"),
			"a.txt": []byte("a\n"),
			"m.txt": []byte("m\n"),
		},
	)

	require.Len(t, diffs, 3)
	assert.Equal(t, "a.txt", diffs[0].Path)
	assert.Equal(t, "m.txt", diffs[1].Path)
	assert.Equal(t, "z.txt", diffs[2].Path)
}

func TestOversizedFileWholesaleReplace(t *testing.T) {
	// A tiny LCS bound forces the wholesale-replace path even though most
	// lines are shared.
	e := New(8)
	old := []byte(strings.Repeat("shared line\n", 10))
	new := []byte(strings.Repeat("shared line\n", 10) + "extra\n")

	stats := e.Snapshots(
		map[string][]byte{"big.txt": old},
		map[string][]byte{"big.txt": new},
	)

	assert.Equal(t, 11, stats.Insertions)
	assert.Equal(t, 10, stats.Deletions)
}

func TestLCSLength(t *testing.T) {
	assert.Equal(t, 0, lcsLength(nil, []string{"a"}))
	assert.Equal(t, 2, lcsLength([]string{"a", "b", "c"}, []string{"a", "c"}))
	assert.Equal(t, 3, lcsLength([]string{"a", "b", "c"}, []string{"a", "b", "c"}))
	assert.Equal(t, 0, lcsLength([]string{"a"}, []string{"b"}))
}
