package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/svcurl"
)

// testBackend wraps MemoryBackend with call counting and failure injection.
type testBackend struct {
	*MemoryBackend

	mu              sync.Mutex
	calls           map[string]int
	connectErrs     []error
	connectFailing  error
	registerFails   int
	deregisterFails int
	disconnectGate  chan struct{}
}

func newTestBackend() *testBackend {
	return &testBackend{
		MemoryBackend: NewMemoryBackend(),
		calls:         make(map[string]int),
	}
}

func (b *testBackend) count(op string) {
	b.mu.Lock()
	b.calls[op]++
	b.mu.Unlock()
}

func (b *testBackend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *testBackend) Connect() *future.Future[struct{}] {
	b.count("connect")
	b.mu.Lock()
	if len(b.connectErrs) > 0 {
		err := b.connectErrs[0]
		b.connectErrs = b.connectErrs[1:]
		b.mu.Unlock()
		return future.Failed[struct{}](err)
	}
	err := b.connectFailing
	b.mu.Unlock()
	if err != nil {
		return future.Failed[struct{}](err)
	}
	return b.MemoryBackend.Connect()
}

func (b *testBackend) Disconnect() *future.Future[struct{}] {
	b.count("disconnect")
	b.mu.Lock()
	gate := b.disconnectGate
	b.mu.Unlock()
	if gate == nil {
		return b.MemoryBackend.Disconnect()
	}
	return future.Go(func() (struct{}, error) {
		<-gate
		return b.MemoryBackend.Disconnect().Result()
	})
}

func (b *testBackend) Register(key URLKey) *future.Future[struct{}] {
	b.count("register")
	b.mu.Lock()
	fail := b.registerFails > 0
	if fail {
		b.registerFails--
	}
	b.mu.Unlock()
	if fail {
		return future.Failed[struct{}](errMemoryDisconnected)
	}
	return b.MemoryBackend.Register(key)
}

func (b *testBackend) Deregister(key URLKey) *future.Future[struct{}] {
	b.count("deregister")
	b.mu.Lock()
	fail := b.deregisterFails > 0
	if fail {
		b.deregisterFails--
	}
	b.mu.Unlock()
	if fail {
		return future.Failed[struct{}](errMemoryDisconnected)
	}
	return b.MemoryBackend.Deregister(key)
}

func (b *testBackend) SubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}] {
	b.count("subscribe_cluster")
	return b.MemoryBackend.SubscribeCluster(key, h)
}

func (b *testBackend) UnsubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}] {
	b.count("unsubscribe_cluster")
	return b.MemoryBackend.UnsubscribeCluster(key, h)
}

func (b *testBackend) SubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}] {
	b.count("subscribe_config")
	return b.MemoryBackend.SubscribeConfig(key, h)
}

func (b *testBackend) UnsubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}] {
	b.count("unsubscribe_config")
	return b.MemoryBackend.UnsubscribeConfig(key, h)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.TaskRetryInterval = 10 * time.Millisecond
	cfg.PollCeiling = 50 * time.Millisecond
	cfg.ReconnectDelay = 5 * time.Millisecond
	cfg.CloseTimeout = time.Second
	return cfg
}

func newTestRegistry(t *testing.T, b Backend, cfg Config, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	r, err := New(b, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r.Close().Wait(ctx)
	})
	return r
}

func openTestRegistry(t *testing.T, b Backend, opts ...Option) *Registry {
	t.Helper()
	r := newTestRegistry(t, b, testConfig(), opts...)
	_, err := wait(t, r.Open())
	require.NoError(t, err)
	return r
}

func wait[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func providerURL(addr string) *svcurl.URL {
	return svcurl.MustParse("grpc://" + addr + "/orders.Service?alias=prod&role=provider")
}

func consumerURL() *svcurl.URL {
	return svcurl.MustParse("grpc://10.9.9.9:7000/orders.Service?alias=prod&role=consumer")
}

// clusterRecorder collects cluster events.
type clusterRecorder struct {
	mu     sync.Mutex
	events []ClusterEvent
}

func (r *clusterRecorder) HandleCluster(ev ClusterEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *clusterRecorder) Events() []ClusterEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ClusterEvent(nil), r.events...)
}

func (r *clusterRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *clusterRecorder) Last() ClusterEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ClusterEvent{}
	}
	return r.events[len(r.events)-1]
}

// configRecorder collects config events.
type configRecorder struct {
	mu     sync.Mutex
	events []ConfigEvent
}

func (r *configRecorder) HandleConfig(ev ConfigEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *configRecorder) Events() []ConfigEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConfigEvent(nil), r.events...)
}

func (r *configRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *configRecorder) Last() ConfigEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ConfigEvent{}
	}
	return r.events[len(r.events)-1]
}

func testEnv() (metaEnv, *int) {
	dirty := 0
	return metaEnv{log: logging.Nop(), dirty: func() { dirty++ }}, &dirty
}

func shard(name string) Shard {
	return Shard{Name: name, Address: name, Protocol: "grpc", Weight: DefaultWeight}
}

func shardNames(shards []Shard) []string {
	names := make([]string, 0, len(shards))
	for _, s := range shards {
		names = append(names, s.Name)
	}
	return names
}

func eventNames(ev ClusterEvent) []string {
	names := make([]string, 0, len(ev.Datum))
	for _, se := range ev.Datum {
		names = append(names, se.Shard.Name)
	}
	return names
}

// waitClusterSubscribed waits until the backend confirmed the cluster
// subscription for u.
func waitClusterSubscribed(t *testing.T, r *Registry, u *svcurl.URL) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := r.clusters.Load(svcurl.ClusterKey(u))
		return ok && v.(*clusterMeta).subscribed.Load()
	}, 2*time.Second, 5*time.Millisecond)
}
