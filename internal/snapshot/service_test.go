package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewind/internal/blobstore"
	"rewind/internal/common"
	"rewind/internal/database"
	"rewind/internal/graph"
	"rewind/internal/treestore"
	"rewind/internal/worktree"
)

type testEnv struct {
	svc   *Service
	db    *database.Database
	blobs *blobstore.Store
	trees *treestore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := database.Open(filepath.Join(dir, "checkpoints.db"))
	require.NoError(t, err)
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"), 3)
	require.NoError(t, err)
	trees, err := treestore.New(filepath.Join(dir, "trees"))
	require.NoError(t, err)

	svc, err := NewService(Options{
		Database: db,
		Blobs:    blobs,
		Trees:    trees,
		Graph:    graph.New(db),
		LockPath: filepath.Join(dir, "gc.lock"),
		// Negative grace makes every unreferenced object immediately
		// sweepable, which is what GC tests need.
		GCGrace: -time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	return &testEnv{svc: svc, db: db, blobs: blobs, trees: trees}
}

func (e *testEnv) treeCount(t *testing.T) int {
	t.Helper()
	count := 0
	require.NoError(t, e.trees.Walk(func(string, os.FileInfo) error {
		count++
		return nil
	}))
	return count
}

func (e *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	count := 0
	require.NoError(t, e.blobs.Walk(func(string, os.FileInfo) error {
		count++
		return nil
	}))
	return count
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v1 := map[string][]byte{
		"main.go":   []byte("package main\n"),
		"README.md": []byte("# demo\n"),
	}
	first, err := env.svc.Capture(ctx, "s1", "m1", v1, nil)
	require.NoError(t, err)
	require.NotEmpty(t, first.TreeHash)
	assert.Equal(t, 2, first.FilesChanged)

	v2 := map[string][]byte{
		"main.go": []byte("package main\n\nfunc main() {}\n"),
		"new.txt": []byte("added\n"),
	}
	second, err := env.svc.Capture(ctx, "s1", "m2", v2, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ParentID)

	files, err := env.svc.Restore(ctx, "s1", first.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, v1["main.go"], files["main.go"])
	assert.Equal(t, v1["README.md"], files["README.md"])

	head, err := env.svc.Graph().Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, head.ID)
}

func TestUnchangedCaptureReusesTree(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tree := map[string][]byte{"a.txt": []byte("stable\n")}
	first, err := env.svc.Capture(ctx, "s1", "m1", tree, nil)
	require.NoError(t, err)

	second, err := env.svc.Capture(ctx, "s1", "m2", tree, nil)
	require.NoError(t, err)

	assert.Equal(t, first.TreeHash, second.TreeHash)
	assert.Equal(t, 0, second.FilesChanged)
	assert.Equal(t, 1, env.treeCount(t))
	assert.Equal(t, 1, env.blobCount(t))
}

func TestRestoreMissingBlobLeavesHeadUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.Capture(ctx, "s1", "m1", map[string][]byte{"a.txt": []byte("one\n")}, nil)
	require.NoError(t, err)
	second, err := env.svc.Capture(ctx, "s1", "m2", map[string][]byte{"a.txt": []byte("two\n")}, nil)
	require.NoError(t, err)

	// Corrupt the store under the first checkpoint.
	require.NoError(t, env.blobs.Remove(blobstore.Hash([]byte("one\n"))))

	_, err = env.svc.Restore(ctx, "s1", first.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrCorruptTree)

	head, err := env.svc.Graph().Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, head.ID, "failed restore must not move HEAD")
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Restore(context.Background(), "s1", "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestLegacyInlineCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	files := map[string][]byte{
		"legacy.go": []byte("package legacy\n"),
		"notes.md":  []byte("old format\n"),
	}
	node, err := env.svc.ImportLegacyCheckpoint(ctx, "s1", "m1", files)
	require.NoError(t, err)
	assert.Empty(t, node.TreeHash)
	assert.True(t, node.HasInline)
	assert.True(t, node.HasSnapshot())

	// Inline payloads never touch the blob or tree stores.
	assert.Equal(t, 0, env.blobCount(t))
	assert.Equal(t, 0, env.treeCount(t))

	got, err := env.svc.Restore(ctx, "s1", node.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, files["legacy.go"], got["legacy.go"])
	assert.Equal(t, files["notes.md"], got["notes.md"])
}

func TestLegacyThenBlobBackedChain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	legacy, err := env.svc.ImportLegacyCheckpoint(ctx, "s1", "m1",
		map[string][]byte{"a.txt": []byte("from legacy\n")})
	require.NoError(t, err)

	// The diff against a legacy parent reads its inline payload.
	next, err := env.svc.Capture(ctx, "s1", "m2",
		map[string][]byte{"a.txt": []byte("from legacy\nplus a line\n")}, nil)
	require.NoError(t, err)

	assert.Equal(t, legacy.ID, next.ParentID)
	assert.Equal(t, 1, next.FilesChanged)
	assert.Equal(t, 1, next.Insertions)
	assert.Equal(t, 0, next.Deletions)
}

func TestRestoreToDir(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	work := t.TempDir()

	writeFile := func(rel, content string) {
		t.Helper()
		target := filepath.Join(work, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
		require.NoError(t, os.WriteFile(target, []byte(content), 0644))
	}

	writeFile("keep.txt", "v1\n")
	writeFile("sub/nested.txt", "v1\n")
	node, err := env.svc.CaptureDir(ctx, "s1", "m1", work, worktree.ScanOptions{})
	require.NoError(t, err)

	// Mutate the working dir: edit, add, delete.
	writeFile("keep.txt", "v2\n")
	writeFile("extra.txt", "should vanish\n")
	require.NoError(t, os.Remove(filepath.Join(work, "sub", "nested.txt")))

	require.NoError(t, env.svc.RestoreToDir(ctx, "s1", node.ID, work, worktree.ScanOptions{}))

	got, err := os.ReadFile(filepath.Join(work, "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(got))

	got, err = os.ReadFile(filepath.Join(work, "sub", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(got))

	_, err = os.Stat(filepath.Join(work, "extra.txt"))
	assert.True(t, os.IsNotExist(err), "file absent from snapshot must be removed")
}

func TestGCSweepsUnreachableObjects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.svc.Capture(ctx, "s1", "m1", map[string][]byte{"a.txt": []byte("base\n")}, nil)
	require.NoError(t, err)
	_, err = env.svc.Capture(ctx, "s1", "m2", map[string][]byte{
		"a.txt": []byte("base\n"),
		"b.txt": []byte("doomed content\n"),
	}, nil)
	require.NoError(t, err)

	// Branch from a, orphaning m2, then prune the orphan.
	_, err = env.svc.Restore(ctx, "s1", a.ID)
	require.NoError(t, err)
	_, err = env.svc.Graph().ContinueFrom(ctx, a.ID, graph.AppendRequest{
		SessionID: "s1",
		MessageID: "m3",
		TreeHash:  a.TreeHash,
	})
	require.NoError(t, err)
	deleted, err := env.svc.Prune(ctx, "s1", 2)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	require.Equal(t, 2, env.treeCount(t))
	require.Equal(t, 2, env.blobCount(t))

	result, err := env.svc.GC(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.TreesRemoved)
	assert.Equal(t, 1, result.BlobsRemoved)
	assert.Greater(t, result.BytesFreed, int64(0))
	assert.Equal(t, 1, env.treeCount(t))
	assert.Equal(t, 1, env.blobCount(t))

	// The surviving checkpoint still restores.
	files, err := env.svc.Restore(ctx, "s1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("base\n"), files["a.txt"])
}

func TestGCKeepsEverythingReferenced(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Capture(ctx, "s1", "m1", map[string][]byte{
		"a.txt": []byte("one\n"),
		"b.txt": []byte("two\n"),
	}, nil)
	require.NoError(t, err)

	result, err := env.svc.GC(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TreesRemoved)
	assert.Equal(t, 0, result.BlobsRemoved)
	assert.Equal(t, 1, result.LiveTrees)
	assert.Equal(t, 2, result.LiveBlobs)
}

func TestVerifyDetectsMissingBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Capture(ctx, "s1", "m1", map[string][]byte{
		"a.txt": []byte("intact\n"),
		"b.txt": []byte("goes missing\n"),
	}, nil)
	require.NoError(t, err)

	clean, err := env.svc.Verify(ctx, "s1", true)
	require.NoError(t, err)
	assert.True(t, clean.OK())
	assert.Equal(t, 1, clean.TreesChecked)
	assert.Equal(t, 2, clean.BlobsChecked)

	require.NoError(t, env.blobs.Remove(blobstore.Hash([]byte("goes missing\n"))))

	broken, err := env.svc.Verify(ctx, "s1", false)
	require.NoError(t, err)
	assert.False(t, broken.OK())
	require.Len(t, broken.Problems, 1)
	assert.Contains(t, broken.Problems[0], "missing blob")
}

func TestCapturePrecedesGraphOnFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Content lands in the stores before the node exists, so a capture that
	// never reaches Append leaves no graph entry but may leave blobs; GC
	// reclaims those after the grace period. Here we just pin the ordering
	// invariant for the success path: the node's tree is readable the moment
	// Capture returns.
	node, err := env.svc.Capture(ctx, "s1", "m1", map[string][]byte{"a.txt": []byte("x\n")}, nil)
	require.NoError(t, err)

	mapping, err := env.trees.Read(ctx, node.TreeHash)
	require.NoError(t, err)
	for _, hash := range mapping {
		assert.True(t, env.blobs.Exists(hash))
	}
}
