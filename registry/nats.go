package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/svcurl"
)

// NATSBackend implements Backend on NATS JetStream KV buckets.
// Suitable for distributed deployments across multiple nodes.
//
// Registrations are entries in the services bucket keyed
// svc.<cluster>.<address>; config maps are JSON entries in the config
// bucket keyed cfg.<config key>. Key segments are base64url encoded.
// Subscriptions are KV watches and bucket revisions are event versions.
type NATSBackend struct {
	config NATSConfig
	log    *logging.Logger

	mu       sync.Mutex
	conn     *nats.Conn
	ownsConn bool
	services jetstream.KeyValue
	configs  jetstream.KeyValue
	watches  map[watchID]jetstream.KeyWatcher
	cancel   context.CancelFunc
	ctx      context.Context

	disconnectMu  sync.Mutex
	disconnectCBs []func(error)
}

// NATSConfig configures the NATS backend.
type NATSConfig struct {
	// URL is the server URL used when Conn is nil. Default: nats.DefaultURL
	URL string

	// Conn is an existing connection to use. The backend never closes it.
	Conn *nats.Conn

	// ServicesBucket is the KV bucket for registrations. Default: "regsync-services"
	ServicesBucket string

	// ConfigBucket is the KV bucket for config maps. Default: "regsync-config"
	ConfigBucket string

	// Replicas for the KV buckets (1-5). Default: 1
	Replicas int

	// TTL expires registrations that are not re-published. Zero means no expiry.
	TTL time.Duration

	// Timeout bounds each KV operation. Default: 5s
	Timeout time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		ServicesBucket: "regsync-services",
		ConfigBucket:   "regsync-config",
		Replicas:       1,
		Timeout:        5 * time.Second,
	}
}

// watchID identifies one subscription of one handler.
type watchID struct {
	key     string
	handler any
}

// shardRecord is the JSON form of a published shard, shared by the
// NATS and etcd backends.
type shardRecord struct {
	Name       string `json:"name"`
	Region     string `json:"region,omitempty"`
	DataCenter string `json:"dataCenter,omitempty"`
	Protocol   string `json:"protocol"`
	Address    string `json:"address"`
	Weight     int    `json:"weight"`
	URL        string `json:"url"`
}

// NewNATSBackend creates a NATS backend. It does not connect until Connect.
func NewNATSBackend(cfg NATSConfig, log *logging.Logger) *NATSBackend {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ServicesBucket == "" {
		cfg.ServicesBucket = def.ServicesBucket
	}
	if cfg.ConfigBucket == "" {
		cfg.ConfigBucket = def.ConfigBucket
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if log == nil {
		log = logging.New()
	}
	return &NATSBackend{
		config:  cfg,
		log:     log.WithComponent("registry.nats"),
		watches: make(map[watchID]jetstream.KeyWatcher),
	}
}

// OnDisconnect registers fn to be called when the connection drops.
func (b *NATSBackend) OnDisconnect(fn func(error)) {
	b.disconnectMu.Lock()
	b.disconnectCBs = append(b.disconnectCBs, fn)
	b.disconnectMu.Unlock()
}

func (b *NATSBackend) notifyDisconnect(err error) {
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	b.disconnectMu.Lock()
	cbs := slices.Clone(b.disconnectCBs)
	b.disconnectMu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// Connect dials the server if needed and opens both buckets. It fails
// while an existing connection is reconnecting.
func (b *NATSBackend) Connect() *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		return struct{}{}, b.connect()
	})
}

func (b *NATSBackend) connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.services != nil {
		if b.conn.IsConnected() {
			return nil
		}
		if !b.conn.IsClosed() {
			return errors.New(errors.ErrCodeUnavailable, "nats connection is reconnecting")
		}
		b.resetLocked()
	}

	conn := b.config.Conn
	owns := false
	if conn == nil {
		var err error
		conn, err = nats.Connect(b.config.URL,
			nats.Name("regsync"),
			nats.Timeout(b.config.Timeout),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				b.notifyDisconnect(err)
			}),
		)
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrCodeConnect, "connect "+b.config.URL)
		}
		owns = true
	}

	js, err := jetstream.New(conn)
	if err != nil {
		if owns {
			conn.Close()
		}
		return fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
	defer cancel()

	services, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   b.config.ServicesBucket,
		Replicas: b.config.Replicas,
		TTL:      b.config.TTL,
	})
	var configs jetstream.KeyValue
	if err == nil {
		configs, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:   b.config.ConfigBucket,
			Replicas: b.config.Replicas,
		})
	}
	if err != nil {
		if owns {
			conn.Close()
		}
		return fmt.Errorf("create kv bucket: %w", err)
	}

	b.conn = conn
	b.ownsConn = owns
	b.services = services
	b.configs = configs
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.log.Info("connected", logging.Fields{"url": conn.ConnectedUrl()})
	return nil
}

// Disconnect stops every watch and closes the connection if the backend
// opened it.
func (b *NATSBackend) Disconnect() *future.Future[struct{}] {
	b.mu.Lock()
	b.resetLocked()
	b.mu.Unlock()
	return future.Completed(struct{}{})
}

// resetLocked must be called with lock held.
func (b *NATSBackend) resetLocked() {
	for id, w := range b.watches {
		w.Stop()
		delete(b.watches, id)
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.conn != nil && b.ownsConn {
		b.conn.Close()
	}
	b.conn = nil
	b.services = nil
	b.configs = nil
}

// buckets returns the open buckets and the session context.
func (b *NATSBackend) buckets() (jetstream.KeyValue, jetstream.KeyValue, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.services == nil {
		return nil, nil, nil, errors.New(errors.ErrCodeUnavailable, "nats backend not connected")
	}
	return b.services, b.configs, b.ctx, nil
}

// Register puts the shard record for key. Consumer registrations are
// accepted but not published.
func (b *NATSBackend) Register(key URLKey) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		services, _, _, err := b.buckets()
		if err != nil {
			return struct{}{}, err
		}
		if key.URL.Role() == svcurl.RoleConsumer {
			return struct{}{}, nil
		}
		data, err := encodeShard(key.URL)
		if err != nil {
			return struct{}{}, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
		defer cancel()
		if _, err := services.Put(ctx, serviceKey(key.URL), data); err != nil {
			return struct{}{}, errors.Wrap(err, "put to kv")
		}
		return struct{}{}, nil
	})
}

// Deregister deletes the shard record for key.
func (b *NATSBackend) Deregister(key URLKey) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		services, _, _, err := b.buckets()
		if err != nil {
			return struct{}{}, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.config.Timeout)
		defer cancel()
		if err := services.Delete(ctx, serviceKey(key.URL)); err != nil && err != jetstream.ErrKeyNotFound {
			return struct{}{}, errors.Wrap(err, "delete from kv")
		}
		return struct{}{}, nil
	})
}

// SubscribeCluster watches every shard of the cluster. The initial values
// arrive as one FULL event.
func (b *NATSBackend) SubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		services, _, ctx, err := b.buckets()
		if err != nil {
			return struct{}{}, err
		}
		id := watchID{key: key.Key, handler: h}
		return struct{}{}, b.watch(ctx, services, id, clusterPrefix(key.Key)+".*", func(w jetstream.KeyWatcher) {
			b.pumpCluster(w, h)
		})
	})
}

// SubscribeConfig watches the config entry. The initial value, or an
// empty map, arrives as a FULL event.
func (b *NATSBackend) SubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		_, configs, ctx, err := b.buckets()
		if err != nil {
			return struct{}{}, err
		}
		id := watchID{key: key.Key, handler: h}
		return struct{}{}, b.watch(ctx, configs, id, configKey(key.Key), func(w jetstream.KeyWatcher) {
			b.pumpConfig(w, h)
		})
	})
}

// watch starts a KV watch for id unless one is running.
func (b *NATSBackend) watch(ctx context.Context, kv jetstream.KeyValue, id watchID, filter string, pump func(jetstream.KeyWatcher)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.watches[id]; exists {
		return nil
	}
	w, err := kv.Watch(ctx, filter)
	if err != nil {
		return errors.Wrap(err, "watch "+filter)
	}
	b.watches[id] = w
	go pump(w)
	return nil
}

// UnsubscribeCluster stops the handler's watch.
func (b *NATSBackend) UnsubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}] {
	b.unwatch(watchID{key: key.Key, handler: h})
	return future.Completed(struct{}{})
}

// UnsubscribeConfig stops the handler's watch.
func (b *NATSBackend) UnsubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}] {
	b.unwatch(watchID{key: key.Key, handler: h})
	return future.Completed(struct{}{})
}

func (b *NATSBackend) unwatch(id watchID) {
	b.mu.Lock()
	w, ok := b.watches[id]
	delete(b.watches, id)
	b.mu.Unlock()
	if ok {
		w.Stop()
	}
}

// pumpCluster converts watch updates into cluster events.
func (b *NATSBackend) pumpCluster(w jetstream.KeyWatcher, h ClusterHandler) {
	var (
		initial []ShardEvent
		version int64
		live    bool
	)
	for entry := range w.Updates() {
		if entry == nil {
			live = true
			h.HandleCluster(ClusterEvent{Type: UpdateFull, Version: version, Datum: initial})
			initial = nil
			continue
		}

		version = int64(entry.Revision())
		var se ShardEvent
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			shard, err := decodeShard(entry.Value())
			if err != nil {
				b.log.Warn("skip_bad_entry", logging.Fields{"key": entry.Key(), "error": err})
				continue
			}
			se = ShardEvent{Shard: shard, Type: ShardUpdate}
			if !live {
				se.Type = ShardAdd
			}
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			name, err := shardNameFromKey(entry.Key())
			if err != nil {
				continue
			}
			se = ShardEvent{Shard: Shard{Name: name, Address: name}, Type: ShardDelete}
		default:
			continue
		}

		if !live {
			if se.Type != ShardDelete {
				initial = append(initial, se)
			}
			continue
		}
		evType := UpdateUpdate
		if se.Type == ShardDelete {
			evType = UpdateDelete
		}
		h.HandleCluster(ClusterEvent{Type: evType, Version: version, Datum: []ShardEvent{se}})
	}
}

// pumpConfig converts watch updates into config events. Every put
// replaces the whole map; a delete clears it.
func (b *NATSBackend) pumpConfig(w jetstream.KeyWatcher, h ConfigHandler) {
	var (
		datum   = map[string]string{}
		version int64
		live    bool
	)
	for entry := range w.Updates() {
		if entry == nil {
			live = true
			h.HandleConfig(ConfigEvent{Type: UpdateFull, Version: version, Datum: datum})
			continue
		}

		version = int64(entry.Revision())
		ev := ConfigEvent{Type: UpdateFull, Version: version, Datum: map[string]string{}}
		switch entry.Operation() {
		case jetstream.KeyValuePut:
			if err := json.Unmarshal(entry.Value(), &ev.Datum); err != nil {
				b.log.Warn("skip_bad_entry", logging.Fields{"key": entry.Key(), "error": err})
				continue
			}
		case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
			ev.Type = UpdateClear
		default:
			continue
		}

		if !live {
			datum = ev.Datum
			continue
		}
		h.HandleConfig(ev)
	}
}

// PutConfig stores the config map for a config key.
func (b *NATSBackend) PutConfig(ctx context.Context, key string, datum map[string]string) error {
	_, configs, _, err := b.buckets()
	if err != nil {
		return err
	}
	data, err := json.Marshal(datum)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if _, err := configs.Put(ctx, configKey(key), data); err != nil {
		return errors.Wrap(err, "put to kv")
	}
	return nil
}

// Conn returns the underlying NATS connection, or nil before Connect.
func (b *NATSBackend) Conn() *nats.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn
}

func encodeSegment(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func clusterPrefix(clusterKey string) string {
	return "svc." + encodeSegment(clusterKey)
}

func serviceKey(u *svcurl.URL) string {
	return clusterPrefix(svcurl.ClusterKey(u)) + "." + encodeSegment(u.Address())
}

func configKey(key string) string {
	return "cfg." + encodeSegment(key)
}

// shardNameFromKey recovers the address segment of a service key.
func shardNameFromKey(key string) (string, error) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", fmt.Errorf("malformed service key %q", key)
	}
	raw, err := base64.RawURLEncoding.DecodeString(key[i+1:])
	if err != nil {
		return "", fmt.Errorf("malformed service key %q: %w", key, err)
	}
	return string(raw), nil
}

func encodeShard(u *svcurl.URL) ([]byte, error) {
	shard := ShardFromURL(u)
	data, err := json.Marshal(shardRecord{
		Name:       shard.Name,
		Region:     shard.Region,
		DataCenter: shard.DataCenter,
		Protocol:   shard.Protocol,
		Address:    shard.Address,
		Weight:     shard.Weight,
		URL:        u.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal shard: %w", err)
	}
	return data, nil
}

func decodeShard(data []byte) (Shard, error) {
	var rec shardRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return Shard{}, fmt.Errorf("unmarshal shard: %w", err)
	}
	shard := Shard{
		Name:       rec.Name,
		Region:     rec.Region,
		DataCenter: rec.DataCenter,
		Protocol:   rec.Protocol,
		Address:    rec.Address,
		Weight:     rec.Weight,
	}
	if rec.URL != "" {
		if u, err := svcurl.Parse(rec.URL); err == nil {
			shard.URL = u
		}
	}
	return shard, nil
}
