// Package cache provides the on-disk audio cache store. Each card maps
// to zero-or-one encoded audio file; files are written under unique
// names so an in-flight reader never observes a replaced or half-written
// artifact.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Store owns a directory of cached audio files keyed by card id.
type Store struct {
	dir string
	ext string

	// index maps card id to the path of its current artifact. Seeded
	// from Persist and Adopt; the card row's audio_path column is the
	// authoritative reference across restarts.
	index map[int64]string
	mu    sync.RWMutex
}

// New creates a Store rooted at dir, creating the directory if absent.
// ext is the file extension of cached artifacts, e.g. "mp3".
func New(dir, ext string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: creating directory: %w", err)
	}

	return &Store{
		dir:   dir,
		ext:   ext,
		index: make(map[int64]string),
	}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Lookup returns the cached path for cardID. It reports a miss unless
// the associated file exists on disk with non-zero size; a stale or
// truncated reference is never trusted.
func (s *Store) Lookup(cardID int64) (string, bool) {
	s.mu.RLock()
	path, ok := s.index[cardID]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}

	if !validFile(path) {
		// Reference points at a missing or partial file; drop it so the
		// next lookup doesn't re-stat a known-bad path.
		s.mu.Lock()
		if s.index[cardID] == path {
			delete(s.index, cardID)
		}
		s.mu.Unlock()
		return "", false
	}

	return path, true
}

// Adopt seeds the association for cardID from an externally stored
// reference, typically the card row's audio path after a restart. An
// invalid reference is ignored and will surface as a miss.
func (s *Store) Adopt(cardID int64, path string) {
	if path == "" || !validFile(path) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[cardID]; !ok {
		s.index[cardID] = path
	}
}

// Persist durably writes data as the new artifact for cardID and
// returns its path. The file name carries a uniqueness token so a
// previous generation still held open by a playback session is never
// clobbered. Data is written to a private temp file and renamed into
// place, so a reader can never observe a partial write.
func (s *Store) Persist(cardID int64, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("cache: refusing to persist empty audio for card %d", cardID)
	}

	name := fmt.Sprintf("%d_%s.%s", cardID, uuid.NewString(), s.ext)
	path := filepath.Join(s.dir, name)

	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("cache: persisting card %d: %w", cardID, err)
	}

	s.mu.Lock()
	prev := s.index[cardID]
	s.index[cardID] = path
	s.mu.Unlock()

	// The superseded generation is deleted after the new one is
	// registered; an open reader on the old file keeps it readable
	// until close on POSIX systems.
	if prev != "" && prev != path {
		if err := os.Remove(prev); err != nil && !os.IsNotExist(err) {
			log.Debug("could not remove superseded cache file", "card", cardID, "path", prev, "error", err)
		}
	}

	log.Debug("persisted audio", "card", cardID, "path", path, "bytes", len(data))
	return path, nil
}

// Invalidate deletes the artifact currently associated with cardID.
// A file that is already gone counts as success. Only the path held in
// the association is removed, never a pattern match over the directory.
func (s *Store) Invalidate(cardID int64) error {
	s.mu.Lock()
	path, ok := s.index[cardID]
	delete(s.index, cardID)
	s.mu.Unlock()

	if !ok || path == "" {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cache: invalidating card %d: %w", cardID, err)
	}

	log.Debug("invalidated cached audio", "card", cardID, "path", path)
	return nil
}

// Clear deletes all cached files. Used by storage-reclamation tooling;
// entries that are already gone are not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.index = make(map[int64]string)
			return nil
		}
		return fmt.Errorf("cache: reading directory: %w", err)
	}

	var firstErr error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.index = make(map[int64]string)
	return firstErr
}

// Size returns the total bytes of cached audio. Unreadable entries are
// skipped rather than failing the whole call.
func (s *Store) Size() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("cache: reading directory: %w", err)
	}

	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}

	return total, nil
}

// validFile reports whether path names an existing, non-empty regular
// file. Zero-size files are interrupted writes and count as misses.
func validFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// writeFileAtomic writes data to a private temp file in the target
// directory and renames it into place once the write has fully
// succeeded.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	_, err = file.Write(data)
	if err == nil {
		err = file.Sync()
	}
	closeErr := file.Close()

	if err != nil {
		os.Remove(tempPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tempPath)
		return closeErr
	}

	return os.Rename(tempPath, path)
}
