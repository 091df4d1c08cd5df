package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// FileStore writes each backup as a JSON file under a directory.
//
// Writes go to a temporary file that is renamed into place, so readers never
// see a partial backup. A sibling lock file serialises writers and readers
// across processes sharing the directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("backup directory required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backup directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *FileStore) lock(name string) *flock.Flock {
	return flock.New(filepath.Join(s.dir, name+".lock"))
}

// Backup atomically replaces the backup file for name.
func (s *FileStore) Backup(name string, d *Datum) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if d == nil {
		d = NewDatum()
	}

	data, err := json.MarshalIndent(d.Clone(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup %s: %w", name, err)
	}

	lk := s.lock(name)
	if err := lk.Lock(); err != nil {
		return fmt.Errorf("lock backup %s: %w", name, err)
	}
	defer lk.Unlock()

	filePath := s.path(name)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("write backup %s: %w", name, err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename backup %s: %w", name, err)
	}
	return nil
}

// Restore reads the backup file for name.
func (s *FileStore) Restore(name string) (*Datum, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	lk := s.lock(name)
	if err := lk.RLock(); err != nil {
		return nil, fmt.Errorf("lock backup %s: %w", name, err)
	}
	defer lk.Unlock()

	// #nosec G304 -- path is built from the store directory and a validated name
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read backup %s: %w", name, err)
	}

	d := NewDatum()
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", name, err)
	}
	if d.Clusters == nil {
		d.Clusters = make(map[string][]ShardSnapshot)
	}
	if d.Configs == nil {
		d.Configs = make(map[string]map[string]string)
	}
	return d, nil
}
