// Package backup persists the last known-good discovery and config
// snapshots so a process can bootstrap when the coordination backend is
// unreachable.
//
// Backups are a disaster-bootstrap aid, not a correctness path: the registry
// writes them opportunistically and restores them once at startup, logging
// failures rather than propagating them.
package backup

import (
	"errors"
	"sort"
	"strings"
)

// Common errors.
var (
	ErrNotFound    = errors.New("backup not found")
	ErrInvalidName = errors.New("invalid backup name")
	ErrClosed      = errors.New("backup store closed")
)

// ShardSnapshot is the persisted form of one discovery shard.
type ShardSnapshot struct {
	Name       string `json:"name"`
	Region     string `json:"region,omitempty"`
	DataCenter string `json:"dataCenter,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	Address    string `json:"address"`
	Weight     int    `json:"weight"`
}

// Datum is one backup: every cluster and config subscription that held a
// full snapshot when it was taken.
type Datum struct {
	// Clusters maps cluster key to its shards, sorted by name.
	Clusters map[string][]ShardSnapshot `json:"clusters"`

	// Configs maps config key to its settings.
	Configs map[string]map[string]string `json:"configs"`
}

// NewDatum returns an empty datum with initialised maps.
func NewDatum() *Datum {
	return &Datum{
		Clusters: make(map[string][]ShardSnapshot),
		Configs:  make(map[string]map[string]string),
	}
}

// Clone returns a deep copy. Shard lists in the copy are sorted by name.
func (d *Datum) Clone() *Datum {
	if d == nil {
		return nil
	}
	c := NewDatum()
	for k, shards := range d.Clusters {
		c.Clusters[k] = SortShards(append([]ShardSnapshot(nil), shards...))
	}
	for k, cfg := range d.Configs {
		m := make(map[string]string, len(cfg))
		for ck, cv := range cfg {
			m[ck] = cv
		}
		c.Configs[k] = m
	}
	return c
}

// Empty reports whether the datum holds nothing.
func (d *Datum) Empty() bool {
	return d == nil || (len(d.Clusters) == 0 && len(d.Configs) == 0)
}

// SortShards sorts shards by name in place and returns them.
func SortShards(shards []ShardSnapshot) []ShardSnapshot {
	sort.Slice(shards, func(i, j int) bool {
		return shards[i].Name < shards[j].Name
	})
	return shards
}

// Store writes and reads backups by name.
type Store interface {
	// Backup replaces the backup stored under name.
	Backup(name string, d *Datum) error

	// Restore returns the backup stored under name.
	// Returns ErrNotFound if nothing was stored.
	Restore(name string) (*Datum, error)
}

// ValidateName checks that a backup name is usable as a file name and as a
// KV key token.
func ValidateName(name string) error {
	if name == "" || len(name) > 255 {
		return ErrInvalidName
	}
	if strings.HasPrefix(name, ".") {
		return ErrInvalidName
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return ErrInvalidName
		}
	}
	return nil
}
