package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/svcurl"
)

// EtcdBackend implements Backend on etcd.
//
// Each registration is a key under <prefix>/services/<cluster>/<address>
// bound to its own lease, kept alive while the session lasts. Config maps
// are JSON values under <prefix>/config/<config key>. Subscriptions read
// the current values and then watch from the next revision; etcd
// revisions are event versions.
type EtcdBackend struct {
	config EtcdConfig
	log    *logging.Logger

	mu      sync.Mutex
	client  *clientv3.Client
	ctx     context.Context
	cancel  context.CancelFunc
	leases  map[string]clientv3.LeaseID // by etcd key
	watches map[watchID]context.CancelFunc

	disconnectMu  sync.Mutex
	disconnectCBs []func(error)
}

// EtcdConfig configures the etcd backend.
type EtcdConfig struct {
	// Endpoints lists etcd members. Default: ["127.0.0.1:2379"]
	Endpoints []string

	// DialTimeout bounds connect and each request. Default: 5s
	DialTimeout time.Duration

	Username string
	Password string

	// Prefix is the root of every key. Default: "/regsync"
	Prefix string

	// LeaseTTL is the registration lease in seconds. Default: 30
	LeaseTTL int64
}

// DefaultEtcdConfig returns configuration with sensible defaults.
func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:   []string{"127.0.0.1:2379"},
		DialTimeout: 5 * time.Second,
		Prefix:      "/regsync",
		LeaseTTL:    30,
	}
}

// Validate checks the configuration.
func (c EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.InvalidConfig("etcd endpoints are required")
	}
	if c.DialTimeout <= 0 {
		return errors.InvalidConfig("etcd dial timeout must be positive")
	}
	if c.LeaseTTL <= 0 {
		return errors.InvalidConfig("etcd lease ttl must be positive")
	}
	return nil
}

// NewEtcdBackend creates an etcd backend. It does not connect until Connect.
func NewEtcdBackend(cfg EtcdConfig, log *logging.Logger) (*EtcdBackend, error) {
	def := DefaultEtcdConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	cfg.Prefix = strings.TrimRight(cfg.Prefix, "/")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.New()
	}
	return &EtcdBackend{
		config:  cfg,
		log:     log.WithComponent("registry.etcd"),
		leases:  make(map[string]clientv3.LeaseID),
		watches: make(map[watchID]context.CancelFunc),
	}, nil
}

// OnDisconnect registers fn to be called when a lease or watch is lost.
func (b *EtcdBackend) OnDisconnect(fn func(error)) {
	b.disconnectMu.Lock()
	b.disconnectCBs = append(b.disconnectCBs, fn)
	b.disconnectMu.Unlock()
}

func (b *EtcdBackend) notifyDisconnect(err error) {
	b.disconnectMu.Lock()
	cbs := slices.Clone(b.disconnectCBs)
	b.disconnectMu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

// Connect dials the cluster and checks its health.
func (b *EtcdBackend) Connect() *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		return struct{}{}, b.connect()
	})
}

func (b *EtcdBackend) connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		ctx, cancel := context.WithTimeout(b.ctx, b.config.DialTimeout)
		defer cancel()
		if _, err := b.client.MemberList(ctx); err == nil {
			return nil
		}
		b.resetLocked()
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   b.config.Endpoints,
		DialTimeout: b.config.DialTimeout,
		Username:    b.config.Username,
		Password:    b.config.Password,
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeConnect, "etcd connect")
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.DialTimeout)
	defer cancel()
	if _, err := client.MemberList(ctx); err != nil {
		client.Close()
		return errors.WrapWithCode(err, errors.ErrCodeConnect, "etcd health check failed")
	}

	b.client = client
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.log.Info("connected", logging.Fields{"endpoints": strings.Join(b.config.Endpoints, ",")})
	return nil
}

// Disconnect revokes every lease, stops every watch and closes the client.
func (b *EtcdBackend) Disconnect() *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		b.mu.Lock()
		client := b.client
		leases := make(map[string]clientv3.LeaseID, len(b.leases))
		for k, v := range b.leases {
			leases[k] = v
		}
		b.mu.Unlock()

		if client != nil {
			for key, id := range leases {
				ctx, cancel := context.WithTimeout(context.Background(), b.config.DialTimeout)
				if _, err := client.Revoke(ctx, id); err != nil {
					b.log.Warn("revoke_failed", logging.Fields{"key": key, "error": err})
				}
				cancel()
			}
		}

		b.mu.Lock()
		defer b.mu.Unlock()
		return struct{}{}, b.resetLocked()
	})
}

// resetLocked must be called with lock held.
func (b *EtcdBackend) resetLocked() error {
	for id, cancel := range b.watches {
		cancel()
		delete(b.watches, id)
	}
	clear(b.leases)
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	var err error
	if b.client != nil {
		err = b.client.Close()
		b.client = nil
	}
	return err
}

func (b *EtcdBackend) session() (*clientv3.Client, context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, nil, errors.New(errors.ErrCodeUnavailable, "etcd backend not connected")
	}
	return b.client, b.ctx, nil
}

// Register puts the shard record under a fresh lease and keeps the lease
// alive. A registration already held by this session is left alone, and
// consumer registrations are not published.
func (b *EtcdBackend) Register(key URLKey) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		client, session, err := b.session()
		if err != nil {
			return struct{}{}, err
		}
		if key.URL.Role() == svcurl.RoleConsumer {
			return struct{}{}, nil
		}
		etcdKey := b.serviceKey(key.URL)
		b.mu.Lock()
		_, held := b.leases[etcdKey]
		b.mu.Unlock()
		if held {
			return struct{}{}, nil
		}

		val, err := encodeShard(key.URL)
		if err != nil {
			return struct{}{}, err
		}

		ctx, cancel := context.WithTimeout(session, b.config.DialTimeout)
		defer cancel()

		lease, err := client.Grant(ctx, b.config.LeaseTTL)
		if err != nil {
			return struct{}{}, errors.Wrap(err, "grant lease")
		}
		if _, err := client.Put(ctx, etcdKey, string(val), clientv3.WithLease(lease.ID)); err != nil {
			return struct{}{}, errors.Wrap(err, "put "+etcdKey)
		}

		ch, err := client.KeepAlive(session, lease.ID)
		if err != nil {
			return struct{}{}, errors.Wrap(err, "keepalive")
		}

		b.mu.Lock()
		b.leases[etcdKey] = lease.ID
		b.mu.Unlock()

		go b.drainKeepAlive(session, etcdKey, lease.ID, ch)
		return struct{}{}, nil
	})
}

// drainKeepAlive consumes keepalive responses. A channel closing before
// the session ends means the lease is lost.
func (b *EtcdBackend) drainKeepAlive(session context.Context, key string, id clientv3.LeaseID, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	for range ch {
	}
	if session.Err() != nil {
		return
	}

	b.mu.Lock()
	owned := b.leases[key] == id
	if owned {
		delete(b.leases, key)
	}
	b.mu.Unlock()
	if owned {
		b.log.Warn("lease_lost", logging.Fields{"key": key})
		b.notifyDisconnect(fmt.Errorf("etcd lease for %s lost", key))
	}
}

// Deregister revokes the registration's lease, or deletes the key if this
// session does not hold it.
func (b *EtcdBackend) Deregister(key URLKey) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		client, session, err := b.session()
		if err != nil {
			return struct{}{}, err
		}

		etcdKey := b.serviceKey(key.URL)
		b.mu.Lock()
		id, held := b.leases[etcdKey]
		delete(b.leases, etcdKey)
		b.mu.Unlock()

		ctx, cancel := context.WithTimeout(session, b.config.DialTimeout)
		defer cancel()
		if held {
			if _, err := client.Revoke(ctx, id); err != nil {
				return struct{}{}, errors.Wrap(err, "revoke "+etcdKey)
			}
			return struct{}{}, nil
		}
		if _, err := client.Delete(ctx, etcdKey); err != nil {
			return struct{}{}, errors.Wrap(err, "delete "+etcdKey)
		}
		return struct{}{}, nil
	})
}

// SubscribeCluster reads every shard of the cluster as a FULL event and
// watches for changes after it.
func (b *EtcdBackend) SubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		prefix := b.clusterPrefix(key.Key)
		return struct{}{}, b.subscribe(watchID{key: key.Key, handler: h}, prefix, true,
			func(resp *clientv3.GetResponse) {
				datum := make([]ShardEvent, 0, len(resp.Kvs))
				for _, kv := range resp.Kvs {
					shard, err := decodeShard(kv.Value)
					if err != nil {
						b.log.Warn("skip_bad_entry", logging.Fields{"key": string(kv.Key), "error": err})
						continue
					}
					datum = append(datum, ShardEvent{Shard: shard, Type: ShardAdd})
				}
				h.HandleCluster(ClusterEvent{Type: UpdateFull, Version: resp.Header.Revision, Datum: datum})
			},
			func(ev *clientv3.Event) {
				version := ev.Kv.ModRevision
				if ev.Type == clientv3.EventTypeDelete {
					name, err := url.PathUnescape(strings.TrimPrefix(string(ev.Kv.Key), prefix))
					if err != nil {
						return
					}
					h.HandleCluster(ClusterEvent{
						Type:    UpdateDelete,
						Version: version,
						Datum:   []ShardEvent{{Shard: Shard{Name: name, Address: name}, Type: ShardDelete}},
					})
					return
				}
				shard, err := decodeShard(ev.Kv.Value)
				if err != nil {
					b.log.Warn("skip_bad_entry", logging.Fields{"key": string(ev.Kv.Key), "error": err})
					return
				}
				h.HandleCluster(ClusterEvent{
					Type:    UpdateUpdate,
					Version: version,
					Datum:   []ShardEvent{{Shard: shard, Type: ShardUpdate}},
				})
			})
	})
}

// SubscribeConfig reads the config map as a FULL event and watches for
// replacements after it.
func (b *EtcdBackend) SubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}] {
	return future.Go(func() (struct{}, error) {
		etcdKey := b.configKey(key.Key)
		return struct{}{}, b.subscribe(watchID{key: key.Key, handler: h}, etcdKey, false,
			func(resp *clientv3.GetResponse) {
				datum := map[string]string{}
				if len(resp.Kvs) > 0 {
					if err := json.Unmarshal(resp.Kvs[0].Value, &datum); err != nil {
						b.log.Warn("skip_bad_entry", logging.Fields{"key": etcdKey, "error": err})
					}
				}
				h.HandleConfig(ConfigEvent{Type: UpdateFull, Version: resp.Header.Revision, Datum: datum})
			},
			func(ev *clientv3.Event) {
				out := ConfigEvent{Type: UpdateFull, Version: ev.Kv.ModRevision, Datum: map[string]string{}}
				if ev.Type == clientv3.EventTypeDelete {
					out.Type = UpdateClear
				} else if err := json.Unmarshal(ev.Kv.Value, &out.Datum); err != nil {
					b.log.Warn("skip_bad_entry", logging.Fields{"key": etcdKey, "error": err})
					return
				}
				h.HandleConfig(out)
			})
	})
}

// subscribe gets the current values under key, hands them to initial and
// then streams later events to update until unsubscribed. A watch that
// fails while the session lasts is reported as a disconnect.
func (b *EtcdBackend) subscribe(id watchID, key string, prefix bool, initial func(*clientv3.GetResponse), update func(*clientv3.Event)) error {
	client, session, err := b.session()
	if err != nil {
		return err
	}

	b.mu.Lock()
	if _, exists := b.watches[id]; exists {
		b.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(session)
	b.watches[id] = cancel
	b.mu.Unlock()

	var opts []clientv3.OpOption
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}

	getCtx, getCancel := context.WithTimeout(ctx, b.config.DialTimeout)
	resp, err := client.Get(getCtx, key, opts...)
	getCancel()
	if err != nil {
		b.dropWatch(id)
		return errors.Wrap(err, "get "+key)
	}
	initial(resp)

	watchCh := client.Watch(ctx, key, append(opts, clientv3.WithRev(resp.Header.Revision+1))...)
	go func() {
		for wr := range watchCh {
			if err := wr.Err(); err != nil {
				b.log.Warn("watch_failed", logging.Fields{"key": key, "error": err})
				break
			}
			for _, ev := range wr.Events {
				update(ev)
			}
		}
		if ctx.Err() == nil {
			b.dropWatch(id)
			b.notifyDisconnect(fmt.Errorf("etcd watch on %s ended", key))
		}
	}()
	return nil
}

func (b *EtcdBackend) dropWatch(id watchID) {
	b.mu.Lock()
	cancel, ok := b.watches[id]
	delete(b.watches, id)
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// UnsubscribeCluster stops the handler's watch.
func (b *EtcdBackend) UnsubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}] {
	b.dropWatch(watchID{key: key.Key, handler: h})
	return future.Completed(struct{}{})
}

// UnsubscribeConfig stops the handler's watch.
func (b *EtcdBackend) UnsubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}] {
	b.dropWatch(watchID{key: key.Key, handler: h})
	return future.Completed(struct{}{})
}

// PutConfig stores the config map for a config key.
func (b *EtcdBackend) PutConfig(ctx context.Context, key string, datum map[string]string) error {
	client, _, err := b.session()
	if err != nil {
		return err
	}
	val, err := json.Marshal(datum)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if _, err := client.Put(ctx, b.configKey(key), string(val)); err != nil {
		return errors.Wrap(err, "put config")
	}
	return nil
}

func (b *EtcdBackend) clusterPrefix(clusterKey string) string {
	return b.config.Prefix + "/services/" + url.PathEscape(clusterKey) + "/"
}

func (b *EtcdBackend) serviceKey(u *svcurl.URL) string {
	return b.clusterPrefix(svcurl.ClusterKey(u)) + url.PathEscape(u.Address())
}

func (b *EtcdBackend) configKey(key string) string {
	return b.config.Prefix + "/config/" + url.PathEscape(key)
}
