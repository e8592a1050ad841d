// Package blobstore implements content-addressed, compressed storage of
// individual file contents, keyed by the SHA-256 of the uncompressed bytes.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"rewind/internal/common"
	"rewind/internal/util"
)

// Store manages the on-disk blob pool. Blobs are written compressed under
// <root>/<hh>/<hash> where hh is the first two hex characters of the hash,
// bounding directory fan-out. Writes are put-if-absent: two writers racing on
// the same hash both succeed because the content is identical by definition.
type Store struct {
	root             string
	compressionLevel int
	encoder          *zstd.Encoder
	decoder          *zstd.Decoder
}

// New creates a blob store rooted at root, creating the directory if needed.
func New(root string, compressionLevel int) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{
		root:             root,
		compressionLevel: compressionLevel,
		encoder:          encoder,
		decoder:          decoder,
	}, nil
}

// Hash returns the hex SHA-256 of content. The hash is computed over the
// uncompressed bytes so identical content always maps to the same key
// regardless of compression settings.
func Hash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// path returns the sharded on-disk location for hash.
func (s *Store) path(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}

// Put writes content to the pool and returns its hash. Calling Put twice
// with identical content is a no-op on the second call.
func (s *Store) Put(ctx context.Context, content []byte) (string, error) {
	hash := Hash(content)
	if s.Exists(hash) {
		return hash, nil
	}

	dir := filepath.Join(s.root, hash[:2])
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create blob shard dir: %w", err)
	}

	compressed := s.encoder.EncodeAll(content, nil)

	// Write to a temp file in the same shard, then rename. A rename over an
	// existing blob of the same hash is harmless: the content is identical.
	err := util.Retry(ctx, func() error {
		tmp, err := os.CreateTemp(dir, "tmp-")
		if err != nil {
			return err
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(compressed); err != nil {
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
		return "", fmt.Errorf("write blob %s: %w: %v", hash, common.ErrIO, err)
	}

	return hash, nil
}

// Get decompresses and returns the original bytes for hash.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if !s.Exists(hash) {
		return nil, fmt.Errorf("blob %s: %w", hash, common.ErrNotFound)
	}

	compressed, err := util.RetryWithResult(ctx, func() ([]byte, error) {
		return os.ReadFile(s.path(hash))
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, common.ErrNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w: %v", hash, common.ErrIO, err)
	}

	content, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", hash, err)
	}
	return content, nil
}

// Exists reports whether a blob with the given hash is present, without
// reading its content.
func (s *Store) Exists(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// Remove deletes a blob from the pool. Only the garbage collector may call
// this, and only for blobs proven unreachable from every tree.
func (s *Store) Remove(hash string) error {
	if len(hash) < 2 {
		return fmt.Errorf("blob %q: %w", hash, common.ErrNotFound)
	}
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %s: %w", hash, err)
	}
	return nil
}

// Walk calls fn for every blob hash in the pool.
func (s *Store) Walk(fn func(hash string, info os.FileInfo) error) error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("read blob root: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || strings.HasPrefix(entry.Name(), "tmp-") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if err := fn(entry.Name(), info); err != nil {
				return err
			}
		}
	}
	return nil
}

// CleanupTemp removes leftover temp files from interrupted writes.
func (s *Store) CleanupTemp() error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, shard.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "tmp-") {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
	return nil
}

// Close releases the compression codecs.
func (s *Store) Close() {
	s.encoder.Close()
	s.decoder.Close()
}
