package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/muaviaUsmani/backupagent/internal/job"
)

// ErrCorruptState is returned (wrapped) when persisted state cannot be decoded
var ErrCorruptState = errors.New("corrupt pending report state")

// Store persists the full pending report list as a single document
type Store interface {
	// Load returns the saved entries; a missing document yields an empty list
	Load(ctx context.Context) ([]job.PendingReport, error)
	// Save overwrites the document with entries
	Save(ctx context.Context, entries []job.PendingReport) error
}

func encodeEntries(entries []job.PendingReport) ([]byte, error) {
	if entries == nil {
		entries = []job.PendingReport{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode pending reports: %w", err)
	}
	return data, nil
}

func decodeEntries(data []byte) ([]job.PendingReport, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrCorruptState)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var entries []job.PendingReport
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after report list", ErrCorruptState)
	}
	return entries, nil
}

// FileStore keeps the pending report list in one JSON file
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the state file location
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the state file. A missing file is an empty queue; an unreadable
// document returns ErrCorruptState and no entries.
func (s *FileStore) Load(_ context.Context) ([]job.PendingReport, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	entries, err := decodeEntries(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	return entries, nil
}

// Save replaces the state file atomically
func (s *FileStore) Save(_ context.Context, entries []job.PendingReport) error {
	data, err := encodeEntries(entries)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory, syncs it,
// renames it over path and syncs the directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
