package backup

import "sync"

// MemoryStore keeps backups in process memory.
// Suitable for testing and for sharing a bootstrap view between registries
// in one process.
type MemoryStore struct {
	mu    sync.RWMutex
	data  map[string]*Datum
	saves int
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*Datum)}
}

// Backup stores a deep copy of d.
func (s *MemoryStore) Backup(name string, d *Datum) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if d == nil {
		d = NewDatum()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = d.Clone()
	s.saves++
	return nil
}

// Restore returns a deep copy of the stored datum.
func (s *MemoryStore) Restore(name string) (*Datum, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[name]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// Saves returns how many backups have been written.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
