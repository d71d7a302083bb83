// Package store persists the fingerprint record between runs.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schaermu/vol2git/internal/fingerprint"
	"github.com/schaermu/vol2git/internal/syncerr"
)

// FileName is the name of the record file inside the state directory.
const FileName = "fingerprints.json"

// formatVersion is bumped whenever the on-disk layout changes.
const formatVersion = 1

const tempPrefix = ".fingerprints-tmp-"

// ErrCorrupt is returned by Load when the record file exists but cannot be decoded.
var ErrCorrupt = errors.New("fingerprint record is corrupt")

// State is the persisted result of the last successful publish.
type State struct {
	Version      int                `json:"version"`
	Commit       string             `json:"commit,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
	Fingerprints fingerprint.Record `json:"fingerprints"`
}

// Empty returns the state of a volume that was never published.
func Empty() *State {
	return &State{Version: formatVersion, Fingerprints: make(fingerprint.Record)}
}

// Store loads and atomically replaces the fingerprint record.
type Store interface {
	// Load returns the last committed state, or an empty state on first run.
	Load() (*State, error)
	// Commit durably replaces the stored state. Either the whole new state
	// becomes visible to the next Load or the previous one stays intact.
	Commit(state *State) error
}

// FileStore keeps the state as a JSON document in a directory.
type FileStore struct {
	dir string

	// rename is swapped in tests to simulate a crash before the swap.
	rename func(oldpath, newpath string) error
}

// NewFileStore creates a store rooted at dir. The directory is created on
// first commit.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, rename: os.Rename}
}

// Path returns the location of the record file.
func (s *FileStore) Path() string {
	return filepath.Join(s.dir, FileName)
}

// Load reads the stored state
func (s *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("failed to read fingerprint record: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.Path(), err)
	}
	if state.Version > formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, state.Version)
	}
	if state.Fingerprints == nil {
		state.Fingerprints = make(fingerprint.Record)
	}
	for id, fp := range state.Fingerprints {
		if _, err := fingerprint.Parse(string(fp)); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %v", ErrCorrupt, id, err)
		}
	}

	return &state, nil
}

// Commit writes state to a temporary file, syncs it and renames it over the
// record file. Failures are reported as persistence failures and leave the
// previous record untouched.
func (s *FileStore) Commit(state *State) error {
	if state == nil {
		return syncerr.Wrap(syncerr.ErrPersistence, "commit", errors.New("nil state"))
	}

	out := *state
	out.Version = formatVersion
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = time.Now().UTC()
	}
	if out.Fingerprints == nil {
		out.Fingerprints = make(fingerprint.Record)
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return syncerr.Wrap(syncerr.ErrPersistence, "encode record", err)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return syncerr.Wrap(syncerr.ErrPersistence, "create state directory", err)
	}

	if err := s.writeAtomic(data); err != nil {
		return syncerr.Wrap(syncerr.ErrPersistence, "write record", err)
	}
	return nil
}

// writeAtomic swaps data into place through a temporary file in the same
// directory so the rename stays on one filesystem.
func (s *FileStore) writeAtomic(data []byte) error {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("unable to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("unable to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("unable to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("unable to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("unable to change file permissions: %w", err)
	}

	if err := s.rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("unable to rename temporary file: %w", err)
	}

	return syncDir(s.dir)
}

// syncDir flushes the directory entry of a completed rename.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("unable to open state directory: %w", err)
	}
	defer func() {
		_ = d.Close()
	}()
	// Some filesystems refuse fsync on directories; the rename already happened.
	_ = d.Sync()
	return nil
}
