package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	target := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))
	require.NoError(t, os.WriteFile(target, []byte(content), 0644))
}

func TestScanBasic(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n")
	writeFile(t, root, "sub/util.go", "package sub\n")

	files, err := Scan(root, ScanOptions{})
	require.NoError(t, err)

	require.Len(t, files, 2)
	assert.Equal(t, "package main\n", string(files["main.go"]))
	assert.Equal(t, "package sub\n", string(files["sub/util.go"]))
}

func TestScanSkipsGitDir(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "keep\n")
	writeFile(t, root, ".git/HEAD", "ref: refs/heads/main\n")
	writeFile(t, root, ".git/objects/ab/cdef", "binary\n")

	files, err := Scan(root, ScanOptions{})
	require.NoError(t, err)

	require.Len(t, files, 1)
	_, ok := files["a.txt"]
	assert.True(t, ok)
}

func TestScanHonorsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "*.log\nbuild/\n")
	writeFile(t, root, "app.go", "package app\n")
	writeFile(t, root, "debug.log", "noise\n")
	writeFile(t, root, "build/out.bin", "artifact\n")

	files, err := Scan(root, ScanOptions{})
	require.NoError(t, err)

	_, hasApp := files["app.go"]
	_, hasLog := files["debug.log"]
	_, hasBuild := files["build/out.bin"]
	assert.True(t, hasApp)
	assert.False(t, hasLog)
	assert.False(t, hasBuild)
}

func TestScanExtraPatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/main.go", "package main\n")
	writeFile(t, root, "node_modules/pkg/index.js", "module.exports = {}\n")

	files, err := Scan(root, ScanOptions{IgnorePatterns: []string{"node_modules/"}})
	require.NoError(t, err)

	require.Len(t, files, 1)
	_, ok := files["src/main.go"]
	assert.True(t, ok)
}

func TestScanMaxFileSize(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "small.txt", "ok\n")
	writeFile(t, root, "big.txt", strings.Repeat("x", 1024))

	files, err := Scan(root, ScanOptions{MaxFileSize: 512})
	require.NoError(t, err)

	require.Len(t, files, 1)
	_, ok := files["small.txt"]
	assert.True(t, ok)
}

func TestScanEmptyDir(t *testing.T) {
	files, err := Scan(t.TempDir(), ScanOptions{})
	require.NoError(t, err)
	assert.Empty(t, files)
}
