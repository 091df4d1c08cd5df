package registry

import (
	"maps"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/regsync/backup"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/telemetry"
)

// metaEnv is the part of a Registry a subscription meta reports to.
type metaEnv struct {
	log     *logging.Logger
	metrics *telemetry.Metrics
	dirty   func()
}

// ClusterSnapshot is a read-only copy of a cluster subscription's state.
type ClusterSnapshot struct {
	Key     string
	Version int64
	Full    bool
	Shards  []Shard
}

// clusterMeta is the discovery state of one cluster key. It is the handler
// the backend pushes into.
type clusterMeta struct {
	key         URLKey
	env         metaEnv
	protectNull bool

	// subscribed is set once any subscribe call for this meta succeeded.
	subscribed atomic.Bool

	// gen numbers subscribe tasks; only the latest may run.
	gen atomic.Uint64

	mu      sync.Mutex
	version int64
	full    bool
	shards  map[string]Shard
	pub     publisher[ClusterHandler]
	retired bool
}

func newClusterMeta(key URLKey, env metaEnv, protectNull bool) *clusterMeta {
	return &clusterMeta{
		key:         key,
		env:         env,
		protectNull: protectNull,
		pub:         publisher[ClusterHandler]{key: key.Key, log: env.log},
	}
}

// HandleCluster merges a backend event into the snapshot and publishes the
// result.
func (m *clusterMeta) HandleCluster(ev ClusterEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired {
		return
	}
	if m.version > 0 && ev.Version <= m.version {
		return
	}

	wasFull := m.full
	full := m.full || ev.Type == UpdateFull

	// A FULL event on an already full snapshot replaces it. Otherwise work
	// on a copy so readers never see a half-applied map.
	var shards map[string]Shard
	switch {
	case m.shards == nil, ev.Type == UpdateClear, wasFull && ev.Type == UpdateFull:
		shards = make(map[string]Shard, len(ev.Datum))
	default:
		shards = maps.Clone(m.shards)
	}

	if ev.Type != UpdateClear {
		for _, se := range ev.Datum {
			switch se.Type {
			case ShardAdd, ShardUpdate:
				shards[se.Shard.Name] = se.Shard
			case ShardDelete:
				delete(shards, se.Shard.Name)
			}
		}
	}

	if len(shards) == 0 && m.protectNull && m.version > 0 {
		m.env.log.UpdateRejected(m.key.Key, ev.Version, "would empty protected cluster")
		m.env.metrics.UpdateRejected(m.key.Key)
		return
	}

	m.shards = shards
	m.version = ev.Version
	m.full = full

	out := ev
	if ev.Type != UpdateClear && !wasFull && full {
		out = m.fullEvent()
	}
	m.pub.broadcast(func(h ClusterHandler) { h.HandleCluster(out) })
	m.env.dirty()
}

// fullEvent lists every shard as ADD, ordered by name. Caller holds mu.
func (m *clusterMeta) fullEvent() ClusterEvent {
	datum := make([]ShardEvent, 0, len(m.shards))
	for _, s := range m.shards {
		datum = append(datum, ShardEvent{Shard: s, Type: ShardAdd})
	}
	sort.Slice(datum, func(i, j int) bool {
		return datum[i].Shard.Name < datum[j].Shard.Name
	})
	return ClusterEvent{Type: UpdateFull, Version: m.version, Datum: datum}
}

// addHandler attaches h and replays the full snapshot to it if one is
// held. Returns false if the meta was retired and must be replaced.
func (m *clusterMeta) addHandler(h ClusterHandler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired {
		return false
	}
	if !m.pub.add(h) {
		return true
	}
	if m.full {
		ev := m.fullEvent()
		m.pub.deliver(h, func(h ClusterHandler) { h.HandleCluster(ev) })
	}
	return true
}

// removeHandler detaches h. The meta retires when its last handler goes.
func (m *clusterMeta) removeHandler(h ClusterHandler) (removed, retired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired || !m.pub.remove(h) {
		return false, false
	}
	if m.pub.len() == 0 {
		m.retired = true
	}
	return true, m.retired
}

// retire stops the meta from accepting events or handlers.
func (m *clusterMeta) retire() {
	m.mu.Lock()
	m.retired = true
	m.mu.Unlock()
}

func (m *clusterMeta) snapshot() ClusterSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	shards := make([]Shard, 0, len(m.shards))
	for _, s := range m.shards {
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i].Name < shards[j].Name })
	return ClusterSnapshot{Key: m.key.Key, Version: m.version, Full: m.full, Shards: shards}
}

// backupShards returns the shards for a backup, or false if the snapshot
// is not full.
func (m *clusterMeta) backupShards() ([]backup.ShardSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.full {
		return nil, false
	}
	out := make([]backup.ShardSnapshot, 0, len(m.shards))
	for _, s := range m.shards {
		out = append(out, backup.ShardSnapshot{
			Name:       s.Name,
			Region:     s.Region,
			DataCenter: s.DataCenter,
			Protocol:   s.Protocol,
			Address:    s.Address,
			Weight:     s.Weight,
		})
	}
	return backup.SortShards(out), true
}
