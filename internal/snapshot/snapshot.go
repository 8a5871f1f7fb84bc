// Package snapshot captures point-in-time views of a session's working
// directory and computes the file-level diffs between them.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/steward-ai/steward/internal/logging"
	"github.com/steward-ai/steward/internal/storage"
	"github.com/steward-ai/steward/pkg/types"
)

// Patch summarizes the files changed since a snapshot.
type Patch struct {
	Hash  string   `json:"hash"`
	Files []string `json:"files"`
}

// Tracker is the snapshot/diff collaborator consumed by the converter.
type Tracker interface {
	// Track captures the current tree and returns a snapshot handle.
	Track(ctx context.Context) (string, error)
	// Diff returns per-file diffs between two snapshots.
	Diff(ctx context.Context, from, to string) ([]types.FileDiff, error)
	// Patch compares a snapshot against the current tree.
	Patch(ctx context.Context, from string) (*Patch, error)
	// Restore writes a snapshot's contents back to the tree.
	Restore(ctx context.Context, handle string) error
}

// Files larger than this record only their hash; diffs show no content.
const maxInlineSize = 256 * 1024

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".steward":     true,
}

type fileRecord struct {
	Hash    string `json:"hash"`
	Content string `json:"content,omitempty"`
}

type state map[string]fileRecord

// FileTracker is a storage-backed Tracker that hashes the working tree.
// Git-based snapshotting can replace it behind the same interface.
type FileTracker struct {
	dir   string
	store *storage.Storage
}

// NewFileTracker creates a tracker for the given directory.
func NewFileTracker(dir string, store *storage.Storage) *FileTracker {
	return &FileTracker{dir: dir, store: store}
}

func (t *FileTracker) path(handle string) []string {
	sum := sha256.Sum256([]byte(t.dir))
	return []string{"snapshot", hex.EncodeToString(sum[:])[:16], handle}
}

func (t *FileTracker) capture() (state, error) {
	snap := make(state)
	err := filepath.WalkDir(t.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".cache") {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(t.dir, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		sum := sha256.Sum256(data)
		rec := fileRecord{Hash: hex.EncodeToString(sum[:])}
		if info.Size() <= maxInlineSize {
			rec.Content = string(data)
		}
		snap[rel] = rec
		return nil
	})
	return snap, err
}

// Track captures the current tree and persists it under a new handle.
func (t *FileTracker) Track(ctx context.Context) (string, error) {
	snap, err := t.capture()
	if err != nil {
		return "", err
	}
	handle := ulid.Make().String()
	if err := t.store.Put(ctx, t.path(handle), snap); err != nil {
		return "", err
	}
	logging.Debug().Str("handle", handle).Int("files", len(snap)).Msg("snapshot tracked")
	return handle, nil
}

func (t *FileTracker) load(ctx context.Context, handle string) (state, error) {
	var snap state
	if err := t.store.Get(ctx, t.path(handle), &snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Diff returns per-file diffs between two snapshots, path order.
func (t *FileTracker) Diff(ctx context.Context, from, to string) ([]types.FileDiff, error) {
	before, err := t.load(ctx, from)
	if err != nil {
		return nil, err
	}
	after, err := t.load(ctx, to)
	if err != nil {
		return nil, err
	}
	return diffStates(before, after), nil
}

// Patch compares a snapshot against the current tree. The hash covers the
// changed files' contents, so an identical change set hashes identically.
func (t *FileTracker) Patch(ctx context.Context, from string) (*Patch, error) {
	before, err := t.load(ctx, from)
	if err != nil {
		return nil, err
	}
	now, err := t.capture()
	if err != nil {
		return nil, err
	}

	var files []string
	h := sha256.New()
	for _, path := range sortedPaths(before, now) {
		b, inBefore := before[path]
		a, inNow := now[path]
		if inBefore && inNow && b.Hash == a.Hash {
			continue
		}
		files = append(files, path)
		h.Write([]byte(path))
		h.Write([]byte(a.Hash))
	}
	if len(files) == 0 {
		return &Patch{}, nil
	}
	return &Patch{Hash: hex.EncodeToString(h.Sum(nil)), Files: files}, nil
}

// Restore writes a snapshot's inline contents back to the tree.
func (t *FileTracker) Restore(ctx context.Context, handle string) error {
	snap, err := t.load(ctx, handle)
	if err != nil {
		return err
	}
	for rel, rec := range snap {
		if rec.Content == "" {
			continue
		}
		path := filepath.Join(t.dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(rec.Content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func diffStates(before, after state) []types.FileDiff {
	var diffs []types.FileDiff
	for _, path := range sortedPaths(before, after) {
		b, inBefore := before[path]
		a, inAfter := after[path]
		if inBefore && inAfter && b.Hash == a.Hash {
			continue
		}
		adds, dels := LineStats(b.Content, a.Content)
		diffs = append(diffs, types.FileDiff{
			Path:      path,
			Additions: adds,
			Deletions: dels,
			Before:    b.Content,
			After:     a.Content,
		})
	}
	return diffs
}

func sortedPaths(states ...state) []string {
	seen := make(map[string]bool)
	var paths []string
	for _, s := range states {
		for path := range s {
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
		}
	}
	sort.Strings(paths)
	return paths
}
