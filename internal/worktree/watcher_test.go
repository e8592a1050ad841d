package worktree

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitDirty polls until rel appears in the tracker's dirty set or the
// deadline expires.
func waitDirty(t *testing.T, tr *Tracker, rel string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range tr.Dirty() {
			if p == rel {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("path %s never became dirty; dirty set: %v", rel, tr.Dirty())
}

func TestTrackerRecordsChanges(t *testing.T) {
	root := t.TempDir()

	tr, err := NewTracker(root)
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Start())

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello\n"), 0644))
	waitDirty(t, tr, "a.txt")

	tr.Reset()
	assert.Empty(t, tr.Dirty())

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("changed\n"), 0644))
	waitDirty(t, tr, "a.txt")
}

func TestTrackerFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()

	tr, err := NewTracker(root)
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Start())

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))

	// The create event for sub must land before the watch is extended, so
	// give the loop a moment before writing into it.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "nested.txt"), []byte("deep\n"), 0644))
	waitDirty(t, tr, "sub/nested.txt")
}

func TestTrackerCloseIdempotent(t *testing.T) {
	tr, err := NewTracker(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, tr.Start())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Error(t, tr.Start())
}
