// internal/database/models.go
package database

import "time"

// Session is one conversation session. HEAD and its version counter live
// here; the version increments on every HEAD move so concurrent writers can
// detect a conflicting update.
type Session struct {
	ID               string    `json:"id"`
	HeadCheckpointID string    `json:"head_checkpoint_id,omitempty"`
	Version          int64     `json:"version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Checkpoint is the persisted form of one checkpoint node. Parent/child
// edges stored here are ground truth; the in-memory graph cache is always
// rebuilt from these rows.
//
// TreeHash is empty for legacy checkpoints that carry their file contents
// inline (HasInline true) and for stat-only nodes with no snapshot at all.
type Checkpoint struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	MessageID     string    `json:"message_id"`
	ParentID      string    `json:"parent_id,omitempty"`
	ActiveChildID string    `json:"active_child_id,omitempty"`
	TreeHash      string    `json:"tree_hash,omitempty"`
	HasInline     bool      `json:"has_inline,omitempty"`
	GitBranch     string    `json:"git_branch,omitempty"`
	GitCommit     string    `json:"git_commit,omitempty"`
	Timestamp     time.Time `json:"timestamp"`

	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`

	IsOnActivePath bool `json:"is_on_active_path"`
	IsOrphaned     bool `json:"is_orphaned"`
}

// HasSnapshot reports whether the node has restorable file state, either
// blob-backed or legacy inline.
func (c *Checkpoint) HasSnapshot() bool {
	return c.TreeHash != "" || c.HasInline
}

// Flags is the derived active-path state recomputed on every HEAD move.
type Flags struct {
	OnActivePath bool
	Orphaned     bool
}
