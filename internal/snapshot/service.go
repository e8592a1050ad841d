// Package snapshot orchestrates checkpoint capture and restore: it diffs the
// working tree against the last checkpoint, persists changed content through
// the blob and tree stores, appends graph nodes, and materializes historical
// state back into a working directory.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"

	"rewind/internal/blobstore"
	"rewind/internal/common"
	"rewind/internal/config"
	"rewind/internal/database"
	"rewind/internal/diff"
	"rewind/internal/eventhub"
	"rewind/internal/gitinfo"
	"rewind/internal/graph"
	"rewind/internal/treestore"
	"rewind/internal/worktree"
)

// Options wires the service's collaborators. Database, Blobs, Trees and
// Graph are required; Diff defaults to an engine with the default LCS bound
// and Hub may be nil.
type Options struct {
	Database *database.Database
	Blobs    *blobstore.Store
	Trees    *treestore.Store
	Graph    *graph.Graph
	Diff     *diff.Engine
	Hub      *eventhub.EventHub
	LockPath string
	// GCGrace overrides the sweep grace period; zero keeps the default.
	GCGrace time.Duration
}

// Service is the snapshot orchestrator. Capture, restore and branch
// mutations for one session are serialized through a per-session lock; the
// blob and tree stores are shared freely across sessions.
type Service struct {
	db       *database.Database
	blobs    *blobstore.Store
	trees    *treestore.Store
	graph    *graph.Graph
	engine   *diff.Engine
	hub      *eventhub.EventHub
	lockPath string
	gcGrace  time.Duration

	inlineEncoder *zstd.Encoder
	inlineDecoder *zstd.Decoder

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// NewService creates a Service from explicitly wired collaborators.
func NewService(opts Options) (*Service, error) {
	if opts.Database == nil || opts.Blobs == nil || opts.Trees == nil || opts.Graph == nil {
		return nil, fmt.Errorf("snapshot: database, blob store, tree store and graph are required")
	}
	engine := opts.Diff
	if engine == nil {
		engine = diff.New(0)
	}
	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = filepath.Join(filepath.Dir(opts.Blobs.Root()), "gc.lock")
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	gcGrace := opts.GCGrace
	if gcGrace == 0 {
		gcGrace = gcGracePeriod
	}

	return &Service{
		db:            opts.Database,
		blobs:         opts.Blobs,
		trees:         opts.Trees,
		graph:         opts.Graph,
		engine:        engine,
		hub:           opts.Hub,
		lockPath:      lockPath,
		gcGrace:       gcGrace,
		inlineEncoder: encoder,
		inlineDecoder: decoder,
		sessions:      make(map[string]*sync.Mutex),
	}, nil
}

// Open builds a complete service from a Config: database, blob store, tree
// store and graph, all rooted under the rewind directory. The returned
// service owns the underlying handles; call Close when done.
func Open(cfg *config.Config) (*Service, error) {
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	blobs, err := blobstore.New(cfg.BlobsDir, cfg.Settings.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, err
	}
	trees, err := treestore.New(cfg.TreesDir)
	if err != nil {
		blobs.Close()
		db.Close()
		return nil, err
	}

	return NewService(Options{
		Database: db,
		Blobs:    blobs,
		Trees:    trees,
		Graph:    graph.New(db),
		Diff:     diff.New(cfg.Settings.MaxLCSBytes),
		LockPath: filepath.Join(cfg.RewindDir, "gc.lock"),
	})
}

// SetHub attaches an event hub after construction.
func (s *Service) SetHub(hub *eventhub.EventHub) {
	s.hub = hub
}

// Graph exposes the checkpoint graph for read-side callers. External readers
// must come through the service rather than caching their own copy across
// capture/restore boundaries.
func (s *Service) Graph() *graph.Graph {
	return s.graph
}

// Close releases the service's store handles.
func (s *Service) Close() error {
	s.blobs.Close()
	s.inlineEncoder.Close()
	s.inlineDecoder.Close()
	return s.db.Close()
}

// sessionLock returns the mutex serializing mutations for one session.
func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.sessions[sessionID] = lock
	}
	return lock
}

// Capture records workingTree as a new checkpoint for the given conversation
// turn. Blob and tree writes complete before the node is appended, so a
// failure at any step leaves the graph untouched. An unchanged working tree
// still produces a node (marking the turn) but reuses the parent's tree.
func (s *Service) Capture(ctx context.Context, sessionID, messageID string, workingTree map[string][]byte, gitCtx *gitinfo.Context) (*graph.Node, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.graph.Head(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	parentFiles := map[string][]byte{}
	if head != nil && head.HasSnapshot() {
		parentFiles, err = s.snapshotFiles(ctx, head)
		if err != nil {
			return nil, fmt.Errorf("load parent checkpoint %s: %w", head.ID, err)
		}
	}

	stats := s.engine.Snapshots(parentFiles, workingTree)

	// Content before reference: all blobs first. Put is idempotent, so
	// unchanged files (same bytes, possibly different mtime) cost one hash
	// and an existence check, never a duplicate write.
	mapping := make(map[string]string, len(workingTree))
	for path, content := range workingTree {
		hash, err := s.blobs.Put(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("capture %s in session %s: %w", path, sessionID, err)
		}
		mapping[path] = hash
	}

	var treeHash string
	if stats.FilesChanged == 0 && head != nil && head.TreeHash != "" {
		// Identical file set: reuse the parent's tree instead of writing a
		// duplicate document.
		treeHash = head.TreeHash
	} else {
		treeHash, err = s.trees.Write(ctx, mapping)
		if err != nil {
			return nil, fmt.Errorf("capture session %s: %w", sessionID, err)
		}
	}

	req := graph.AppendRequest{
		SessionID: sessionID,
		MessageID: messageID,
		TreeHash:  treeHash,
		Stats:     stats,
	}
	if head != nil {
		req.ParentID = head.ID
	}
	if gitCtx != nil {
		req.GitBranch = gitCtx.Branch
		req.GitCommit = gitCtx.Commit
	}

	node, err := s.graph.Append(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("append checkpoint in session %s: %w", sessionID, err)
	}

	log.WithFields(log.Fields{
		"session":       sessionID,
		"checkpoint":    node.ID,
		"files_changed": stats.FilesChanged,
		"insertions":    stats.Insertions,
		"deletions":     stats.Deletions,
	}).Info("captured checkpoint")

	if s.hub != nil {
		s.hub.EmitCheckpointCreated(eventhub.CheckpointCreatedEvent{
			SessionID:    sessionID,
			CheckpointID: node.ID,
			MessageID:    messageID,
			TreeHash:     treeHash,
			FilesChanged: stats.FilesChanged,
			Insertions:   stats.Insertions,
			Deletions:    stats.Deletions,
		})
	}

	return node, nil
}

// CaptureDir scans a project directory and captures it, recording the git
// branch and commit the project was on.
func (s *Service) CaptureDir(ctx context.Context, sessionID, messageID, dir string, opts worktree.ScanOptions) (*graph.Node, error) {
	files, err := worktree.Scan(dir, opts)
	if err != nil {
		return nil, err
	}

	gitCtx, err := gitinfo.Collect(dir)
	if err != nil {
		log.WithError(err).WithField("dir", dir).Warn("could not read git context")
		gitCtx = nil
	}

	return s.Capture(ctx, sessionID, messageID, files, gitCtx)
}

// Restore resolves targetID's snapshot, reads every blob, and only then
// moves HEAD. A missing blob or tree is fatal and surfaced; the graph and
// any working directory are left untouched.
func (s *Service) Restore(ctx context.Context, sessionID, targetID string) (map[string][]byte, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	node, err := s.graph.Node(ctx, sessionID, targetID)
	if err != nil {
		return nil, err
	}
	if !node.HasSnapshot() {
		return nil, fmt.Errorf("checkpoint %s in session %s has no snapshot: %w", targetID, sessionID, common.ErrNotFound)
	}

	files, err := s.snapshotFiles(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("restore checkpoint %s in session %s: %w", targetID, sessionID, err)
	}

	if _, err := s.graph.Restore(ctx, sessionID, targetID); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"session":    sessionID,
		"checkpoint": targetID,
		"files":      len(files),
	}).Info("restored checkpoint")

	if s.hub != nil {
		s.hub.EmitCheckpointRestored(eventhub.CheckpointRestoredEvent{
			SessionID:    sessionID,
			CheckpointID: targetID,
			Files:        len(files),
		})
	}

	return files, nil
}

// RestoreToDir restores a checkpoint and materializes it into dir: snapshot
// files are written out and files present in dir but absent from the
// snapshot are removed. All snapshot content is fully read before the first
// write, so a corrupt checkpoint aborts without touching dir.
func (s *Service) RestoreToDir(ctx context.Context, sessionID, targetID, dir string, opts worktree.ScanOptions) error {
	files, err := s.Restore(ctx, sessionID, targetID)
	if err != nil {
		return err
	}

	current, err := worktree.Scan(dir, opts)
	if err != nil {
		return fmt.Errorf("scan %s before restore: %w", dir, err)
	}

	for rel, content := range files {
		target := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}

	for rel := range current {
		if _, ok := files[rel]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(dir, filepath.FromSlash(rel))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
	}

	return nil
}

// Timeline returns the session's full node list and HEAD for the
// visualization layer.
func (s *Service) Timeline(ctx context.Context, sessionID string) (*graph.Timeline, error) {
	return s.graph.Timeline(ctx, sessionID)
}

// Prune applies the retention policy, deleting orphaned branches beyond
// maxCheckpoints. Blobs and trees they referenced become unreachable and are
// reclaimed by the next GC.
func (s *Service) Prune(ctx context.Context, sessionID string, maxCheckpoints int) (int, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return s.graph.Prune(ctx, sessionID, maxCheckpoints)
}

// ImportLegacyCheckpoint appends a checkpoint that carries its file contents
// inline rather than in the blob store, the pre-blob-store format. Used when
// backfilling history from the old schema.
func (s *Service) ImportLegacyCheckpoint(ctx context.Context, sessionID, messageID string, files map[string][]byte) (*graph.Node, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	head, err := s.graph.Head(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	parentFiles := map[string][]byte{}
	if head != nil && head.HasSnapshot() {
		if parentFiles, err = s.snapshotFiles(ctx, head); err != nil {
			return nil, fmt.Errorf("load parent checkpoint %s: %w", head.ID, err)
		}
	}
	stats := s.engine.Snapshots(parentFiles, files)

	payload, err := s.encodeInline(files)
	if err != nil {
		return nil, err
	}

	req := graph.AppendRequest{
		SessionID:   sessionID,
		MessageID:   messageID,
		InlineFiles: payload,
		Stats:       stats,
	}
	if head != nil {
		req.ParentID = head.ID
	}
	return s.graph.Append(ctx, req)
}

// snapshotFiles resolves a node's file contents, dispatching on the storage
// variant: blob-backed (tree hash) or legacy inline.
func (s *Service) snapshotFiles(ctx context.Context, node *graph.Node) (map[string][]byte, error) {
	switch {
	case node.TreeHash != "":
		mapping, err := s.trees.Read(ctx, node.TreeHash)
		if err != nil {
			return nil, err
		}
		files := make(map[string][]byte, len(mapping))
		for path, hash := range mapping {
			content, err := s.blobs.Get(ctx, hash)
			if err != nil {
				if common.IsNotFound(err) {
					return nil, fmt.Errorf("tree %s references missing blob %s for %s: %w",
						node.TreeHash, hash, path, common.ErrCorruptTree)
				}
				return nil, err
			}
			files[path] = content
		}
		return files, nil

	case node.HasInline:
		payload, err := s.db.GetInlineFiles(node.ID)
		if err != nil {
			return nil, err
		}
		return s.decodeInline(payload)

	default:
		return nil, fmt.Errorf("checkpoint %s has no snapshot: %w", node.ID, common.ErrNotFound)
	}
}

// inlineDocument is the legacy per-checkpoint payload: the full file set
// embedded as a single compressed JSON object.
type inlineDocument struct {
	Version int               `json:"version"`
	Files   map[string]string `json:"files"`
}

func (s *Service) encodeInline(files map[string][]byte) ([]byte, error) {
	doc := inlineDocument{Version: 1, Files: make(map[string]string, len(files))}
	for path, content := range files {
		doc.Files[path] = string(content)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal inline files: %w", err)
	}
	return s.inlineEncoder.EncodeAll(data, nil), nil
}

func (s *Service) decodeInline(payload []byte) (map[string][]byte, error) {
	data, err := s.inlineDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress inline files: %w", err)
	}
	var doc inlineDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse inline files: %w", err)
	}
	files := make(map[string][]byte, len(doc.Files))
	for path, content := range doc.Files {
		files[path] = []byte(content)
	}
	return files, nil
}
