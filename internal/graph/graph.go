// Package graph maintains the versioned checkpoint history: a forest of
// checkpoint nodes linked by parent/child edges, with a per-session HEAD,
// branch creation on restore-and-continue, and derived active-path flags.
//
// Durable parent/child edges in the database are ground truth. The in-memory
// cache only accelerates reads and is reloaded whenever a HEAD-move conflict
// reveals it is stale.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"rewind/internal/common"
	"rewind/internal/database"
	"rewind/internal/diff"
)

// Node is one checkpoint in the history graph.
type Node = database.Checkpoint

// Timeline is the read interface consumed by the visualization layer: the
// full node list with flags and the current HEAD, sufficient to render a
// branch graph without re-deriving history logic.
type Timeline struct {
	SessionID        string  `json:"session_id"`
	Nodes            []*Node `json:"nodes"`
	HeadID           string  `json:"head_id,omitempty"`
	TotalCheckpoints int     `json:"total_checkpoints"`
}

// AppendRequest describes a new checkpoint node to append.
type AppendRequest struct {
	SessionID   string
	ParentID    string // empty for a root node
	MessageID   string
	TreeHash    string
	InlineFiles []byte // legacy payload, normally nil
	GitBranch   string
	GitCommit   string
	Stats       diff.Stats
	Timestamp   time.Time // zero means now
}

// Graph wraps the persistent checkpoint table with a per-session node cache.
type Graph struct {
	db    *database.Database
	mu    sync.Mutex
	cache map[string]map[string]*Node // sessionID -> nodeID -> node
}

// New creates a Graph over the given database.
func New(db *database.Database) *Graph {
	return &Graph{
		db:    db,
		cache: make(map[string]map[string]*Node),
	}
}

// load returns the node map for a session, reading it from the database on
// first access. Callers must hold g.mu.
func (g *Graph) load(sessionID string) (map[string]*Node, error) {
	if nodes, ok := g.cache[sessionID]; ok {
		return nodes, nil
	}
	return g.reload(sessionID)
}

// reload discards the cached nodes for a session and re-reads them from the
// database. Callers must hold g.mu.
func (g *Graph) reload(sessionID string) (map[string]*Node, error) {
	list, err := g.db.ListCheckpoints(sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", sessionID, err)
	}
	nodes := make(map[string]*Node, len(list))
	for _, cp := range list {
		nodes[cp.ID] = cp
	}
	g.cache[sessionID] = nodes
	return nodes, nil
}

// Append creates a new node as a child of req.ParentID, makes it the
// parent's straight continuation and moves HEAD to it. When the parent
// already had a different active child, that subtree becomes orphaned.
func (g *Graph) Append(ctx context.Context, req AppendRequest) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.db.EnsureSession(req.SessionID); err != nil {
		return nil, fmt.Errorf("ensure session %s: %w", req.SessionID, err)
	}

	nodes, err := g.load(req.SessionID)
	if err != nil {
		return nil, err
	}

	var parent *Node
	if req.ParentID != "" {
		parent = nodes[req.ParentID]
		if parent == nil {
			return nil, fmt.Errorf("parent checkpoint %s: %w", req.ParentID, common.ErrNotFound)
		}
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	node := &Node{
		ID:             uuid.New().String(),
		SessionID:      req.SessionID,
		MessageID:      req.MessageID,
		ParentID:       req.ParentID,
		TreeHash:       req.TreeHash,
		GitBranch:      req.GitBranch,
		GitCommit:      req.GitCommit,
		Timestamp:      ts,
		FilesChanged:   req.Stats.FilesChanged,
		Insertions:     req.Stats.Insertions,
		Deletions:      req.Stats.Deletions,
		IsOnActivePath: true,
	}

	// Content before reference: by the time the caller reaches Append, all
	// blob and tree writes for this capture have already succeeded. The node
	// row is the last thing written, so readers never see a partial capture.
	if err := g.db.InsertCheckpoint(node, req.InlineFiles); err != nil {
		return nil, err
	}
	nodes[node.ID] = node

	if parent != nil {
		if err := g.db.SetActiveChild(parent.ID, node.ID); err != nil {
			return nil, fmt.Errorf("set active child of %s: %w", parent.ID, err)
		}
		parent.ActiveChildID = node.ID
	}

	if err := g.moveHead(req.SessionID, node.ID); err != nil {
		return nil, err
	}

	if err := g.recomputeFlags(req.SessionID, node.ID); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"session":    req.SessionID,
		"checkpoint": node.ID,
		"parent":     req.ParentID,
		"tree":       req.TreeHash,
	}).Debug("appended checkpoint")

	return node, nil
}

// Restore moves HEAD to targetID without mutating any node, then recomputes
// the derived flags for the whole session.
func (g *Graph) Restore(ctx context.Context, sessionID, targetID string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes, err := g.load(sessionID)
	if err != nil {
		return nil, err
	}
	target := nodes[targetID]
	if target == nil {
		return nil, fmt.Errorf("checkpoint %s: %w", targetID, common.ErrNotFound)
	}

	if err := g.moveHead(sessionID, targetID); err != nil {
		return nil, err
	}
	if err := g.recomputeFlags(sessionID, targetID); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"session":    sessionID,
		"checkpoint": targetID,
	}).Debug("restored checkpoint")

	return target, nil
}

// ContinueFrom restores to targetID and appends a new child in one step.
// If targetID already had a different active child, that subtree becomes a
// retained but orphaned sibling branch.
func (g *Graph) ContinueFrom(ctx context.Context, targetID string, req AppendRequest) (*Node, error) {
	req.ParentID = targetID
	return g.Append(ctx, req)
}

// moveHead updates the session HEAD with a single conflict retry: on
// ErrConflict the session state and cache are reloaded once and the move is
// reattempted before the error is surfaced. Callers must hold g.mu.
func (g *Graph) moveHead(sessionID, headID string) error {
	for attempt := 0; ; attempt++ {
		session, err := g.db.GetSession(sessionID)
		if err != nil {
			return err
		}
		err = g.db.MoveHead(sessionID, headID, session.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, common.ErrConflict) || attempt >= 1 {
			return err
		}
		if _, err := g.reload(sessionID); err != nil {
			return err
		}
	}
}

// recomputeFlags derives isOnActivePath/isOrphaned for every node of the
// session given the new HEAD: true for HEAD's ancestry up to the root and for
// the straight continuation below HEAD; every other node is orphaned. Only
// rows whose flags actually changed are written. Callers must hold g.mu.
func (g *Graph) recomputeFlags(sessionID, headID string) error {
	nodes, err := g.load(sessionID)
	if err != nil {
		return err
	}

	active := make(map[string]bool, len(nodes))

	// Ancestry: HEAD up to the root.
	for id := headID; id != ""; {
		node := nodes[id]
		if node == nil {
			return fmt.Errorf("checkpoint %s while walking ancestry: %w", id, common.ErrNotFound)
		}
		if active[id] {
			return fmt.Errorf("cycle at checkpoint %s in session %s", id, sessionID)
		}
		active[id] = true
		id = node.ParentID
	}

	// Straight continuation below HEAD.
	head := nodes[headID]
	for id := head.ActiveChildID; id != ""; {
		node := nodes[id]
		if node == nil || active[id] {
			break
		}
		active[id] = true
		id = node.ActiveChildID
	}

	changed := make(map[string]database.Flags)
	for id, node := range nodes {
		onPath := active[id]
		orphaned := !onPath
		if node.IsOnActivePath != onPath || node.IsOrphaned != orphaned {
			changed[id] = database.Flags{OnActivePath: onPath, Orphaned: orphaned}
		}
	}
	if len(changed) == 0 {
		return nil
	}

	if err := g.db.UpdateFlags(changed); err != nil {
		return fmt.Errorf("update flags for %s: %w", sessionID, err)
	}
	for id, f := range changed {
		nodes[id].IsOnActivePath = f.OnActivePath
		nodes[id].IsOrphaned = f.Orphaned
	}
	return nil
}

// Head returns the current HEAD node for a session, or nil when the session
// has no checkpoints yet.
func (g *Graph) Head(ctx context.Context, sessionID string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, err := g.db.GetSession(sessionID)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if session.HeadCheckpointID == "" {
		return nil, nil
	}

	nodes, err := g.load(sessionID)
	if err != nil {
		return nil, err
	}
	head := nodes[session.HeadCheckpointID]
	if head == nil {
		return nil, fmt.Errorf("head checkpoint %s: %w", session.HeadCheckpointID, common.ErrNotFound)
	}
	return head, nil
}

// Node returns a checkpoint node by ID.
func (g *Graph) Node(ctx context.Context, sessionID, nodeID string) (*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes, err := g.load(sessionID)
	if err != nil {
		return nil, err
	}
	node := nodes[nodeID]
	if node == nil {
		return nil, fmt.Errorf("checkpoint %s: %w", nodeID, common.ErrNotFound)
	}
	return node, nil
}

// ActivePath returns the ordered node sequence from root to HEAD.
func (g *Graph) ActivePath(ctx context.Context, sessionID string) ([]*Node, error) {
	head, err := g.Head(ctx, sessionID)
	if err != nil || head == nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	nodes, err := g.load(sessionID)
	if err != nil {
		return nil, err
	}

	var path []*Node
	for id := head.ID; id != ""; {
		node := nodes[id]
		if node == nil {
			return nil, fmt.Errorf("checkpoint %s while walking active path: %w", id, common.ErrNotFound)
		}
		path = append(path, node)
		id = node.ParentID
	}

	// Reverse into root-first order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Timeline returns the full checkpoint list for a session plus the current
// HEAD, ordered by creation time.
func (g *Graph) Timeline(ctx context.Context, sessionID string) (*Timeline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	list, err := g.db.ListCheckpoints(sessionID)
	if err != nil {
		return nil, err
	}

	timeline := &Timeline{
		SessionID:        sessionID,
		Nodes:            list,
		TotalCheckpoints: len(list),
	}

	session, err := g.db.GetSession(sessionID)
	if err == nil {
		timeline.HeadID = session.HeadCheckpointID
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	// Refresh the cache from the rows we just read.
	nodes := make(map[string]*Node, len(list))
	for _, cp := range list {
		nodes[cp.ID] = cp
	}
	g.cache[sessionID] = nodes

	return timeline, nil
}

// Prune deletes the oldest orphaned leaf nodes until the session holds at
// most maxCheckpoints nodes. Nodes on an active path are never deleted, so
// the session may legitimately stay above the limit.
func (g *Graph) Prune(ctx context.Context, sessionID string, maxCheckpoints int) (int, error) {
	if maxCheckpoints <= 0 {
		return 0, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	nodes, err := g.load(sessionID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for len(nodes) > maxCheckpoints {
		leaf := oldestOrphanedLeaf(nodes)
		if leaf == nil {
			break
		}
		if err := g.db.DeleteCheckpoint(leaf.ID); err != nil {
			return deleted, fmt.Errorf("delete checkpoint %s: %w", leaf.ID, err)
		}
		delete(nodes, leaf.ID)
		deleted++
	}

	if deleted > 0 {
		log.WithFields(log.Fields{
			"session": sessionID,
			"deleted": deleted,
		}).Info("pruned orphaned checkpoints")
	}
	return deleted, nil
}

// oldestOrphanedLeaf finds the orphaned node with no children that has the
// oldest timestamp, or nil if none exists.
func oldestOrphanedLeaf(nodes map[string]*Node) *Node {
	hasChild := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.ParentID != "" {
			hasChild[n.ParentID] = true
		}
	}

	var oldest *Node
	for _, n := range nodes {
		if !n.IsOrphaned || hasChild[n.ID] {
			continue
		}
		if oldest == nil || n.Timestamp.Before(oldest.Timestamp) {
			oldest = n
		}
	}
	return oldest
}
