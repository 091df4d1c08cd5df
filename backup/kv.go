package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// kvKeyPrefix namespaces backup entries inside the bucket.
const kvKeyPrefix = "backup."

// KVStore keeps backups in a NATS JetStream KV bucket so that every node in
// a deployment can bootstrap from the most recent snapshot any of them took.
type KVStore struct {
	kv      jetstream.KeyValue
	timeout time.Duration
	closed  atomic.Bool
}

// KVStoreConfig holds NATS KV backup store configuration.
type KVStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// Replicas for the bucket (1-5). Default: 1
	Replicas int

	// Timeout bounds each KV operation. Default: 5s
	Timeout time.Duration
}

// DefaultKVStoreConfig returns configuration with sensible defaults.
func DefaultKVStoreConfig() KVStoreConfig {
	return KVStoreConfig{
		Bucket:   "regsync-backup",
		Replicas: 1,
		Timeout:  5 * time.Second,
	}
}

// NewKVStore creates or opens the backup bucket.
func NewKVStore(cfg KVStoreConfig) (*KVStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	defaults := DefaultKVStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = defaults.Bucket
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = defaults.Replicas
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		History:  1,
		Replicas: cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}

	return NewKVStoreFromBucket(kv, cfg.Timeout), nil
}

// NewKVStoreFromBucket wraps an existing bucket.
func NewKVStoreFromBucket(kv jetstream.KeyValue, timeout time.Duration) *KVStore {
	if timeout <= 0 {
		timeout = DefaultKVStoreConfig().Timeout
	}
	return &KVStore{kv: kv, timeout: timeout}
}

// Backup writes d under name.
func (s *KVStore) Backup(name string, d *Datum) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if d == nil {
		d = NewDatum()
	}

	data, err := json.Marshal(d.Clone())
	if err != nil {
		return fmt.Errorf("marshal backup %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.kv.Put(ctx, kvKeyPrefix+name, data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Restore reads the backup stored under name.
func (s *KVStore) Restore(name string) (*Datum, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	entry, err := s.kv.Get(ctx, kvKeyPrefix+name)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}

	d := NewDatum()
	if err := json.Unmarshal(entry.Value(), d); err != nil {
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

// Close marks the store closed. The underlying connection is owned by the caller.
func (s *KVStore) Close() error {
	s.closed.Store(true)
	return nil
}
