// Package cache owns the on-disk entry layout, the continuity chain between
// entries, and disk-pressure eviction.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	internal "github.com/ZanzyTHEbar/replaycast/rcast"
	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"

	"github.com/armon/go-radix"
	"github.com/rs/zerolog"
)

// Fixed file names inside an entry directory.
const (
	ArchiveFile  = "archive.mp4"
	PreviewFile  = "preview.webp"
	SnapshotFile = "snapshot.dsg"
)

// Store maps sequence keys to entry directories under a cache root.
//
// The disk is the source of truth. The store also keeps a radix tree of keys
// known to be complete; it only feeds diagnostics and may lag the disk.
type Store struct {
	root   string
	logger zerolog.Logger

	mu    sync.RWMutex
	index *radix.Tree
}

// NewStore creates a store rooted at root. The directory is created lazily.
func NewStore(root string, logger zerolog.Logger) *Store {
	return &Store{
		root:   root,
		logger: logger.With().Str("component", "cache_store").Logger(),
		index:  radix.New(),
	}
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// ScratchRoot returns the parent directory for render workspaces.
func (s *Store) ScratchRoot() string {
	return filepath.Join(s.root, internal.ScratchDirName)
}

// EntryPath returns the entry directory for key.
func (s *Store) EntryPath(key string) string {
	return filepath.Join(s.root, key)
}

// EnsureDir creates the entry directory for key if missing.
func (s *Store) EnsureDir(key string) error {
	if err := os.MkdirAll(s.EntryPath(key), 0o755); err != nil {
		return fmt.Errorf("failed to create entry dir for %s: %w", key, err)
	}
	return nil
}

func (s *Store) SnapshotPath(key string) string { return filepath.Join(s.EntryPath(key), SnapshotFile) }
func (s *Store) ArchivePath(key string) string  { return filepath.Join(s.EntryPath(key), ArchiveFile) }
func (s *Store) PreviewPath(key string) string  { return filepath.Join(s.EntryPath(key), PreviewFile) }

// Exists reports whether the entry for key is complete, i.e. its preview exists.
func (s *Store) Exists(key string) bool {
	return fileExists(s.PreviewPath(key))
}

// HasSnapshot reports whether the snapshot for key exists.
func (s *Store) HasSnapshot(key string) bool {
	return fileExists(s.SnapshotPath(key))
}

// ReadPreview returns the preview bytes of a complete entry.
func (s *Store) ReadPreview(key string) ([]byte, error) {
	data, err := os.ReadFile(s.PreviewPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read preview for %s: %w", key, err)
	}
	return data, nil
}

// Scan seeds the prefix index from the entries present on disk and returns
// how many complete entries were found.
func (s *Store) Scan() (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan cache root: %w", err)
	}

	found := 0
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := sequence.ParseKey(e.Name()); err != nil {
			s.logger.Debug().Str("dir", e.Name()).Msg("skipping non-entry directory")
			continue
		}
		if s.Exists(e.Name()) {
			s.MarkComplete(e.Name())
			found++
		}
	}
	return found, nil
}

// MarkComplete records key in the prefix index.
func (s *Store) MarkComplete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Insert(key, struct{}{})
}

// Forget removes key from the prefix index.
func (s *Store) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Delete(key)
}

// NearestAncestor returns the longest indexed key that is a strict prefix of key.
func (s *Store) NearestAncestor(key string) (string, bool) {
	if len(key) <= sequence.PrefixLen {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// LongestPrefix includes key itself; search from its parent.
	found, _, ok := s.index.LongestPrefix(key[:len(key)-1])
	if !ok || len(found) <= sequence.PrefixLen {
		return "", false
	}
	return found, true
}

// Indexed returns the number of keys in the prefix index.
func (s *Store) Indexed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
