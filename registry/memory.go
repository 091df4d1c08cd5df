package registry

import (
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/svcurl"
)

// MemoryBackend is an in-process coordination store implementing Backend.
// Suitable for testing and single-node deployments.
//
// Registrations belong to the session that made them and vanish when the
// session drops, as with lease-based stores. Events are delivered
// synchronously and in revision order; handlers must not call back into
// the backend.
type MemoryBackend struct {
	mu        sync.Mutex
	connected bool
	revision  int64

	// cluster key -> shard name -> shard
	clusters map[string]map[string]Shard
	// registrations held by the session, consumers included
	owners  map[memoryOwner]bool
	configs map[string]map[string]string

	clusterWatchers map[string][]ClusterHandler
	configWatchers  map[string][]ConfigHandler

	disconnectCBs []func(error)
}

// memoryOwner is the store identity of a registration: its cluster and
// shard name. Two processes registering one service differ by address.
type memoryOwner struct {
	cluster string
	shard   string
}

func ownerOf(u *svcurl.URL) memoryOwner {
	return memoryOwner{cluster: svcurl.ClusterKey(u), shard: u.Address()}
}

// NewMemoryBackend creates an empty, disconnected in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		clusters:        make(map[string]map[string]Shard),
		owners:          make(map[memoryOwner]bool),
		configs:         make(map[string]map[string]string),
		clusterWatchers: make(map[string][]ClusterHandler),
		configWatchers:  make(map[string][]ConfigHandler),
	}
}

var errMemoryDisconnected = errors.New(errors.ErrCodeUnavailable, "memory backend not connected")

// Connect opens a session.
func (b *MemoryBackend) Connect() *future.Future[struct{}] {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return future.Completed(struct{}{})
}

// Disconnect ends the session, dropping its registrations and watches.
func (b *MemoryBackend) Disconnect() *future.Future[struct{}] {
	b.mu.Lock()
	b.endSession()
	b.mu.Unlock()
	return future.Completed(struct{}{})
}

// Drop simulates a lost session: registrations and watches are gone and
// disconnect listeners are told.
func (b *MemoryBackend) Drop(cause error) {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return
	}
	b.endSession()
	cbs := slices.Clone(b.disconnectCBs)
	b.mu.Unlock()

	for _, cb := range cbs {
		cb(cause)
	}
}

// OnDisconnect registers fn to be called when a session drops.
func (b *MemoryBackend) OnDisconnect(fn func(error)) {
	b.mu.Lock()
	b.disconnectCBs = append(b.disconnectCBs, fn)
	b.mu.Unlock()
}

// endSession must be called with lock held.
func (b *MemoryBackend) endSession() {
	b.connected = false
	clear(b.clusterWatchers)
	clear(b.configWatchers)
	for owner := range b.owners {
		b.removeShard(owner)
		delete(b.owners, owner)
	}
}

// IsConnected reports whether a session is open.
func (b *MemoryBackend) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Register publishes the registration as a shard of its cluster. Consumer
// registrations are recorded but not published.
func (b *MemoryBackend) Register(key URLKey) *future.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return future.Failed[struct{}](errMemoryDisconnected)
	}
	owner := ownerOf(key.URL)
	if b.owners[owner] {
		return future.Completed(struct{}{})
	}

	shard := ShardFromURL(key.URL)
	b.owners[owner] = true
	if key.URL.Role() == svcurl.RoleConsumer {
		return future.Completed(struct{}{})
	}

	shards := b.clusters[owner.cluster]
	if shards == nil {
		shards = make(map[string]Shard)
		b.clusters[owner.cluster] = shards
	}
	eventType := ShardAdd
	if _, exists := shards[shard.Name]; exists {
		eventType = ShardUpdate
	}
	shards[shard.Name] = shard
	b.revision++
	b.notifyCluster(owner.cluster, ClusterEvent{
		Type:    UpdateUpdate,
		Version: b.revision,
		Datum:   []ShardEvent{{Shard: shard, Type: eventType}},
	})
	return future.Completed(struct{}{})
}

// Deregister withdraws the registration. Unknown keys succeed.
func (b *MemoryBackend) Deregister(key URLKey) *future.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return future.Failed[struct{}](errMemoryDisconnected)
	}
	owner := ownerOf(key.URL)
	if !b.owners[owner] {
		return future.Completed(struct{}{})
	}
	delete(b.owners, owner)
	b.removeShard(owner)
	return future.Completed(struct{}{})
}

// removeShard must be called with lock held.
func (b *MemoryBackend) removeShard(owner memoryOwner) {
	shards := b.clusters[owner.cluster]
	shard, exists := shards[owner.shard]
	if !exists {
		return
	}
	delete(shards, owner.shard)
	if len(shards) == 0 {
		delete(b.clusters, owner.cluster)
	}
	b.revision++
	b.notifyCluster(owner.cluster, ClusterEvent{
		Type:    UpdateDelete,
		Version: b.revision,
		Datum:   []ShardEvent{{Shard: shard, Type: ShardDelete}},
	})
}

// SubscribeCluster watches the cluster and sends its current shards as a
// FULL event.
func (b *MemoryBackend) SubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return future.Failed[struct{}](errMemoryDisconnected)
	}
	for _, w := range b.clusterWatchers[key.Key] {
		if w == h {
			return future.Completed(struct{}{})
		}
	}
	b.clusterWatchers[key.Key] = append(b.clusterWatchers[key.Key], h)

	shards := b.shardsLocked(key.Key)
	datum := make([]ShardEvent, 0, len(shards))
	for _, s := range shards {
		datum = append(datum, ShardEvent{Shard: s, Type: ShardAdd})
	}
	h.HandleCluster(ClusterEvent{Type: UpdateFull, Version: b.revision, Datum: datum})
	return future.Completed(struct{}{})
}

// UnsubscribeCluster stops the watch.
func (b *MemoryBackend) UnsubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return future.Failed[struct{}](errMemoryDisconnected)
	}
	b.clusterWatchers[key.Key] = removeHandler(b.clusterWatchers[key.Key], h)
	return future.Completed(struct{}{})
}

// SubscribeConfig watches the config key and sends its current map as a
// FULL event.
func (b *MemoryBackend) SubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return future.Failed[struct{}](errMemoryDisconnected)
	}
	for _, w := range b.configWatchers[key.Key] {
		if w == h {
			return future.Completed(struct{}{})
		}
	}
	b.configWatchers[key.Key] = append(b.configWatchers[key.Key], h)
	h.HandleConfig(ConfigEvent{Type: UpdateFull, Version: b.revision, Datum: maps.Clone(b.configs[key.Key])})
	return future.Completed(struct{}{})
}

// UnsubscribeConfig stops the watch.
func (b *MemoryBackend) UnsubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return future.Failed[struct{}](errMemoryDisconnected)
	}
	b.configWatchers[key.Key] = removeHandler(b.configWatchers[key.Key], h)
	return future.Completed(struct{}{})
}

// PutConfig replaces the config map stored under a config key and pushes
// it to watchers as a FULL event.
func (b *MemoryBackend) PutConfig(configKey string, datum map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.configs[configKey] = maps.Clone(datum)
	b.revision++
	ev := ConfigEvent{Type: UpdateFull, Version: b.revision, Datum: maps.Clone(datum)}
	for _, h := range b.configWatchers[configKey] {
		h.HandleConfig(ev)
	}
}

// UpdateConfig merges entries into the config map and pushes them to
// watchers as an UPDATE event.
func (b *MemoryBackend) UpdateConfig(configKey string, entries map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.configs[configKey]
	if current == nil {
		current = make(map[string]string)
		b.configs[configKey] = current
	}
	maps.Copy(current, entries)
	b.revision++
	ev := ConfigEvent{Type: UpdateUpdate, Version: b.revision, Datum: maps.Clone(entries)}
	for _, h := range b.configWatchers[configKey] {
		h.HandleConfig(ev)
	}
}

// Shards returns the published shards of a cluster key, sorted by name.
func (b *MemoryBackend) Shards(clusterKey string) []Shard {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shardsLocked(clusterKey)
}

func (b *MemoryBackend) shardsLocked(clusterKey string) []Shard {
	result := make([]Shard, 0, len(b.clusters[clusterKey]))
	for _, s := range b.clusters[clusterKey] {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// Registered reports whether the session holds a registration for u.
func (b *MemoryBackend) Registered(u *svcurl.URL) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owners[ownerOf(u)]
}

// notifyCluster must be called with lock held.
func (b *MemoryBackend) notifyCluster(clusterKey string, ev ClusterEvent) {
	for _, h := range b.clusterWatchers[clusterKey] {
		h.HandleCluster(ev)
	}
}

func removeHandler[H comparable](handlers []H, h H) []H {
	for i, x := range handlers {
		if x == h {
			return append(handlers[:i:i], handlers[i+1:]...)
		}
	}
	return handlers
}

// DefaultWeight is the shard weight when a URL carries none.
const DefaultWeight = 100

// ShardFromURL derives the shard a provider URL publishes. The shard name
// is the provider address.
func ShardFromURL(u *svcurl.URL) Shard {
	return Shard{
		Name:       u.Address(),
		Region:     u.Param(svcurl.ParamRegion),
		DataCenter: u.Param(svcurl.ParamDataCenter),
		Protocol:   u.Protocol,
		Address:    u.Address(),
		Weight:     u.ParamInt(svcurl.ParamWeight, DefaultWeight),
		URL:        u,
	}
}
