// internal/database/db.go
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"rewind/internal/common"
)

// Database wraps the SQLite database holding sessions and checkpoint nodes.
type Database struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
func Open(path string) (*Database, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	d := &Database{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}

	return d, nil
}

// init creates the database schema. Migration is forward-only: the tree_hash
// column cannot be rolled back to inline-only checkpoints.
func (d *Database) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		head_checkpoint_id TEXT,
		version INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		parent_id TEXT,
		active_child_id TEXT,
		tree_hash TEXT,
		inline_files BLOB,
		git_branch TEXT,
		git_commit TEXT,
		timestamp INTEGER NOT NULL,
		files_changed INTEGER NOT NULL DEFAULT 0,
		insertions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		is_on_active_path INTEGER NOT NULL DEFAULT 0,
		is_orphaned INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_parent ON checkpoints(parent_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// EnsureSession creates the session row if it does not exist yet.
func (d *Database) EnsureSession(sessionID string) error {
	now := time.Now().Unix()
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO sessions (id, head_checkpoint_id, version, created_at, updated_at)
		VALUES (?, NULL, 0, ?, ?)`, sessionID, now, now)
	return err
}

// GetSession retrieves a session by ID.
func (d *Database) GetSession(sessionID string) (*Session, error) {
	row := d.db.QueryRow(`
		SELECT id, head_checkpoint_id, version, created_at, updated_at
		FROM sessions WHERE id = ?`, sessionID)

	s := &Session{}
	var head sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&s.ID, &head, &s.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if head.Valid {
		s.HeadCheckpointID = head.String
	}
	s.CreatedAt = time.Unix(createdAt, 0)
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return s, nil
}

// ListSessions retrieves all sessions.
func (d *Database) ListSessions() ([]*Session, error) {
	rows, err := d.db.Query(`
		SELECT id, head_checkpoint_id, version, created_at, updated_at
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s := &Session{}
		var head sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&s.ID, &head, &s.Version, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if head.Valid {
			s.HeadCheckpointID = head.String
		}
		s.CreatedAt = time.Unix(createdAt, 0)
		s.UpdatedAt = time.Unix(updatedAt, 0)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// MoveHead updates the session HEAD pointer iff the version still matches
// expectedVersion. A stale version means another writer moved HEAD between
// our read and this write, which surfaces as ErrConflict.
func (d *Database) MoveHead(sessionID, headID string, expectedVersion int64) error {
	res, err := d.db.Exec(`
		UPDATE sessions
		SET head_checkpoint_id = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		headID, time.Now().Unix(), sessionID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s head move: %w", sessionID, common.ErrConflict)
	}
	return nil
}

const checkpointColumns = `id, session_id, message_id, parent_id, active_child_id, tree_hash,
	inline_files IS NOT NULL, git_branch, git_commit, timestamp,
	files_changed, insertions, deletions, is_on_active_path, is_orphaned`

// InsertCheckpoint persists a new checkpoint node. The inline payload, if
// any, is stored as given (the caller owns compression).
func (d *Database) InsertCheckpoint(cp *Checkpoint, inlineFiles []byte) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}

	_, err := d.db.Exec(`
		INSERT INTO checkpoints
		(id, session_id, message_id, parent_id, active_child_id, tree_hash, inline_files,
		 git_branch, git_commit, timestamp, files_changed, insertions, deletions,
		 is_on_active_path, is_orphaned)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.SessionID, cp.MessageID, nullable(cp.ParentID), nullable(cp.ActiveChildID),
		nullable(cp.TreeHash), inlineFiles, nullable(cp.GitBranch), nullable(cp.GitCommit),
		cp.Timestamp.UnixNano(), cp.FilesChanged, cp.Insertions, cp.Deletions,
		cp.IsOnActivePath, cp.IsOrphaned)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}
	cp.HasInline = len(inlineFiles) > 0
	return nil
}

// GetCheckpoint retrieves a checkpoint node by ID.
func (d *Database) GetCheckpoint(id string) (*Checkpoint, error) {
	row := d.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, common.ErrNotFound)
	}
	return cp, err
}

// ListCheckpoints retrieves all checkpoint nodes for a session, ordered by
// creation time. Inline payloads are not fetched; use GetInlineFiles.
func (d *Database) ListCheckpoints(sessionID string) ([]*Checkpoint, error) {
	rows, err := d.db.Query(`
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ? ORDER BY timestamp, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// GetInlineFiles returns the legacy inline payload of a checkpoint, or
// ErrNotFound if the checkpoint has none.
func (d *Database) GetInlineFiles(id string) ([]byte, error) {
	var payload []byte
	err := d.db.QueryRow(`SELECT inline_files FROM checkpoints WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("checkpoint %s inline files: %w", id, common.ErrNotFound)
	}
	return payload, nil
}

// SetActiveChild updates which child continues the straight line below a node.
func (d *Database) SetActiveChild(id, childID string) error {
	_, err := d.db.Exec(`UPDATE checkpoints SET active_child_id = ? WHERE id = ?`,
		nullable(childID), id)
	return err
}

// UpdateFlags rewrites the derived active-path flags for a set of nodes in
// one transaction.
func (d *Database) UpdateFlags(flags map[string]Flags) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`UPDATE checkpoints SET is_on_active_path = ?, is_orphaned = ? WHERE id = ?`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for id, f := range flags {
		if _, err := stmt.Exec(f.OnActivePath, f.Orphaned, id); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// DeleteCheckpoint removes a checkpoint row. Used only by retention pruning
// of orphaned branches; nodes on an active path are never deleted.
func (d *Database) DeleteCheckpoint(id string) error {
	_, err := d.db.Exec(`DELETE FROM checkpoints WHERE id = ?`, id)
	return err
}

// ListTreeHashes returns every distinct tree hash referenced by any
// checkpoint across all sessions. This is the GC mark root set.
func (d *Database) ListTreeHashes() ([]string, error) {
	rows, err := d.db.Query(`
		SELECT DISTINCT tree_hash FROM checkpoints
		WHERE tree_hash IS NOT NULL AND tree_hash != ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// Helper functions

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func scanCheckpoint(scan func(...interface{}) error) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var parentID, activeChildID, treeHash, gitBranch, gitCommit sql.NullString
	var timestamp int64

	err := scan(&cp.ID, &cp.SessionID, &cp.MessageID, &parentID, &activeChildID, &treeHash,
		&cp.HasInline, &gitBranch, &gitCommit, &timestamp,
		&cp.FilesChanged, &cp.Insertions, &cp.Deletions, &cp.IsOnActivePath, &cp.IsOrphaned)
	if err != nil {
		return nil, err
	}

	cp.ParentID = parentID.String
	cp.ActiveChildID = activeChildID.String
	cp.TreeHash = treeHash.String
	cp.GitBranch = gitBranch.String
	cp.GitCommit = gitCommit.String
	cp.Timestamp = time.Unix(0, timestamp)
	return cp, nil
}
