// Package gitinfo reads lightweight git context for a project directory so
// each checkpoint can record the branch and commit it was captured on.
package gitinfo

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
)

// Context is the git state recorded on a checkpoint node.
type Context struct {
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Dirty  bool   `json:"dirty,omitempty"`
}

// Collect reads the git context for path. A directory that is not inside a
// git repository yields (nil, nil): checkpoints work the same either way.
func Collect(path string) (*Context, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open git repository: %w", err)
	}

	ctx := &Context{}

	head, err := repo.Head()
	if err != nil {
		// Empty repository: no commits yet, nothing useful to record.
		return ctx, nil
	}
	ctx.Commit = head.Hash().String()
	if head.Name().IsBranch() {
		ctx.Branch = head.Name().Short()
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return ctx, nil
	}
	status, err := worktree.Status()
	if err != nil {
		return ctx, nil
	}
	ctx.Dirty = !status.IsClean()

	return ctx, nil
}
