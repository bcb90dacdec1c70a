package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// DiskStore writes records as JSON files, one per run. Without a configured
// directory it uses a lazily-created temp directory.
type DiskStore struct {
	mu  sync.Mutex
	dir string
}

// NewDiskStore creates a new DiskStore rooted at dir. An empty dir selects
// a temp directory, created on the first Save or Load.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{dir: dir}
}

// Save writes a record as a JSON file to disk.
func (s *DiskStore) Save(rec *Record) error {
	dir, err := s.ensureDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling record %s: %w", rec.ID, err)
	}
	path := filepath.Join(dir, rec.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing record %s: %w", rec.ID, err)
	}
	return nil
}

// Load reads a record from disk.
func (s *DiskStore) Load(runID string) (*Record, error) {
	// Run IDs are UUIDs; anything else could escape the directory.
	if err := uuid.Validate(runID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, runID)
	}
	dir, err := s.ensureDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, runID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", runID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshalling record %s: %w", runID, err)
	}
	return &rec, nil
}

// Dir returns the directory records are written to, or "" before a
// temp directory has been created.
func (s *DiskStore) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *DiskStore) ensureDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir != "" {
		if err := os.MkdirAll(s.dir, 0o755); err != nil {
			return "", fmt.Errorf("creating record directory: %w", err)
		}
		return s.dir, nil
	}
	dir, err := os.MkdirTemp("", "pyrun-runs-*")
	if err != nil {
		return "", fmt.Errorf("creating record directory: %w", err)
	}
	s.dir = dir
	return dir, nil
}
