// Package worktree turns a project directory into the path -> content
// mapping the snapshot service captures, and tracks dirty paths between
// conversation turns.
package worktree

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

// ScanOptions controls what a scan includes.
type ScanOptions struct {
	// MaxFileSize skips files larger than this many bytes. Zero means no limit.
	MaxFileSize int64
	// IgnorePatterns are gitignore-style patterns applied on top of the
	// project's own .gitignore.
	IgnorePatterns []string
}

// Scan reads the project directory into a mapping of forward-slash relative
// paths to file contents. The .git directory is always excluded; further
// exclusions come from the project's .gitignore plus opts.IgnorePatterns.
func Scan(root string, opts ScanOptions) (map[string][]byte, error) {
	ignorer, err := buildIgnorer(root, opts.IgnorePatterns)
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if d.Name() == ".git" || ignorer.MatchesPath(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ignorer.MatchesPath(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if opts.MaxFileSize > 0 && info.Size() > opts.MaxFileSize {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		files[rel] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	return files, nil
}

// buildIgnorer compiles the project's .gitignore (if any) together with the
// extra patterns.
func buildIgnorer(root string, extra []string) (*gitignore.GitIgnore, error) {
	var lines []string
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err == nil {
		lines = strings.Split(string(data), "\n")
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read .gitignore: %w", err)
	}
	lines = append(lines, extra...)
	return gitignore.CompileIgnoreLines(lines...), nil
}
