// Package treestore persists per-checkpoint manifests mapping file path to
// blob hash. A tree is identified by a hash over its canonical serialization,
// so two checkpoints with identical file sets share one tree document.
package treestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rewind/internal/common"
	"rewind/internal/util"
)

// document is the serialized form of a tree. Entries are sorted by path so
// the encoding is deterministic regardless of map iteration order.
type document struct {
	Version int     `json:"version"`
	Entries []entry `json:"entries"`
}

type entry struct {
	Path string `json:"path"`
	Blob string `json:"blob"`
}

// Store manages the on-disk tree documents under <root>/<hh>/<hash>.
type Store struct {
	root string
}

// New creates a tree store rooted at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create tree root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// serialize produces the canonical encoding of mapping: entries sorted by
// path, compact JSON.
func serialize(mapping map[string]string) ([]byte, error) {
	doc := document{Version: 1, Entries: make([]entry, 0, len(mapping))}
	for path, blob := range mapping {
		doc.Entries = append(doc.Entries, entry{Path: path, Blob: blob})
	}
	sort.Slice(doc.Entries, func(i, j int) bool {
		return doc.Entries[i].Path < doc.Entries[j].Path
	})
	return json.Marshal(doc)
}

// Hash returns the tree hash for mapping without writing anything.
func Hash(mapping map[string]string) (string, error) {
	data, err := serialize(mapping)
	if err != nil {
		return "", fmt.Errorf("serialize tree: %w", err)
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// Write serializes mapping, computes its tree hash and persists the document
// keyed by that hash. Idempotent: an existing document is left untouched.
// The empty mapping is valid and represents "no tracked files".
func (s *Store) Write(ctx context.Context, mapping map[string]string) (string, error) {
	data, err := serialize(mapping)
	if err != nil {
		return "", fmt.Errorf("serialize tree: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if s.Exists(hash) {
		return hash, nil
	}

	dir := filepath.Join(s.root, hash[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create tree shard dir: %w", err)
	}

	err = util.Retry(ctx, func() error {
		tmp, err := os.CreateTemp(dir, "tmp-")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return err
		}
		return os.Rename(tmpName, s.path(hash))
	})
	if err != nil {
		return "", fmt.Errorf("write tree %s: %w: %v", hash, common.ErrIO, err)
	}

	return hash, nil
}

// Read loads the tree document for hash and returns its path to blob-hash
// mapping.
func (s *Store) Read(ctx context.Context, hash string) (map[string]string, error) {
	if !s.Exists(hash) {
		return nil, fmt.Errorf("tree %s: %w", hash, common.ErrNotFound)
	}

	data, err := util.RetryWithResult(ctx, func() ([]byte, error) {
		return os.ReadFile(s.path(hash))
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tree %s: %w", hash, common.ErrNotFound)
		}
		return nil, fmt.Errorf("read tree %s: %w: %v", hash, common.ErrIO, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tree %s: %w: %v", hash, common.ErrCorruptTree, err)
	}

	mapping := make(map[string]string, len(doc.Entries))
	for _, e := range doc.Entries {
		mapping[e.Path] = e.Blob
	}
	return mapping, nil
}

// Exists reports whether a tree document with the given hash is present.
func (s *Store) Exists(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Remove deletes a tree document. Only the garbage collector may call this.
func (s *Store) Remove(hash string) error {
	if len(hash) < 2 {
		return fmt.Errorf("tree %q: %w", hash, common.ErrNotFound)
	}
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove tree %s: %w", hash, err)
	}
	return nil
}

// Walk calls fn for every tree hash in the store.
func (s *Store) Walk(fn func(hash string, info os.FileInfo) error) error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read tree root: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), "tmp-") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if err := fn(e.Name(), info); err != nil {
				return err
			}
		}
	}
	return nil
}
