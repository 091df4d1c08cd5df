package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/regsync/svcurl"
)

func newTestClusterMeta(protect bool) (*clusterMeta, *clusterRecorder, *int) {
	env, dirty := testEnv()
	u := consumerURL()
	m := newClusterMeta(URLKey{URL: u, Key: svcurl.ClusterKey(u)}, env, protect)
	rec := &clusterRecorder{}
	m.addHandler(rec)
	return m, rec, dirty
}

func fullEvent(version int64, names ...string) ClusterEvent {
	ev := ClusterEvent{Type: UpdateFull, Version: version}
	for _, n := range names {
		ev.Datum = append(ev.Datum, ShardEvent{Shard: shard(n), Type: ShardAdd})
	}
	return ev
}

func deltaEvent(typ UpdateType, version int64, st ShardEventType, names ...string) ClusterEvent {
	ev := ClusterEvent{Type: typ, Version: version}
	for _, n := range names {
		ev.Datum = append(ev.Datum, ShardEvent{Shard: shard(n), Type: st})
	}
	return ev
}

func TestClusterMeta_FullThenIncremental(t *testing.T) {
	m, rec, dirty := newTestClusterMeta(true)

	m.HandleCluster(fullEvent(1, "b", "a"))
	require.Equal(t, 1, rec.Len())
	first := rec.Last()
	assert.Equal(t, UpdateFull, first.Type)
	assert.Equal(t, []string{"a", "b"}, eventNames(first))

	update := deltaEvent(UpdateUpdate, 2, ShardAdd, "c")
	m.HandleCluster(update)
	require.Equal(t, 2, rec.Len())
	assert.Equal(t, update, rec.Last())

	snap := m.snapshot()
	assert.True(t, snap.Full)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, []string{"a", "b", "c"}, shardNames(snap.Shards))
	assert.Equal(t, 2, *dirty)
}

func TestClusterMeta_StaleVersionIgnored(t *testing.T) {
	m, rec, _ := newTestClusterMeta(true)

	m.HandleCluster(fullEvent(5, "a"))
	m.HandleCluster(deltaEvent(UpdateUpdate, 5, ShardAdd, "b"))
	m.HandleCluster(deltaEvent(UpdateUpdate, 3, ShardAdd, "c"))

	assert.Equal(t, 1, rec.Len())
	assert.Equal(t, []string{"a"}, shardNames(m.snapshot().Shards))
}

func TestClusterMeta_PartialThenFullIsAnnouncedAsFull(t *testing.T) {
	m, rec, _ := newTestClusterMeta(true)

	m.HandleCluster(deltaEvent(UpdateUpdate, 1, ShardAdd, "a"))
	assert.False(t, m.snapshot().Full)

	m.HandleCluster(fullEvent(2, "b"))
	last := rec.Last()
	assert.Equal(t, UpdateFull, last.Type)
	assert.Equal(t, int64(2), last.Version)
	assert.Equal(t, []string{"a", "b"}, eventNames(last))
	for _, se := range last.Datum {
		assert.Equal(t, ShardAdd, se.Type)
	}
}

func TestClusterMeta_FullReplacesFullSnapshot(t *testing.T) {
	m, rec, _ := newTestClusterMeta(true)

	m.HandleCluster(fullEvent(1, "a", "b"))
	m.HandleCluster(fullEvent(2, "c"))

	assert.Equal(t, []string{"c"}, shardNames(m.snapshot().Shards))
	assert.Equal(t, fullEvent(2, "c"), rec.Last())

	// Shards missing from a later full snapshot do not come back.
	m.HandleCluster(fullEvent(3, "a", "c"))
	assert.Equal(t, []string{"a", "c"}, shardNames(m.snapshot().Shards))
	m.HandleCluster(fullEvent(4, "c"))
	assert.Equal(t, []string{"c"}, shardNames(m.snapshot().Shards))
}

func TestClusterMeta_NullProtection(t *testing.T) {
	t.Run("delete of last shard rejected", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(true)
		m.HandleCluster(fullEvent(1, "a"))

		m.HandleCluster(deltaEvent(UpdateDelete, 2, ShardDelete, "a"))

		snap := m.snapshot()
		assert.Equal(t, []string{"a"}, shardNames(snap.Shards))
		assert.Equal(t, int64(1), snap.Version)
		assert.Equal(t, 1, rec.Len())
	})

	t.Run("clear rejected", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(true)
		m.HandleCluster(fullEvent(1, "a", "b"))

		m.HandleCluster(ClusterEvent{Type: UpdateClear, Version: 2})

		assert.Len(t, m.snapshot().Shards, 2)
		assert.Equal(t, 1, rec.Len())
	})

	t.Run("partial delete allowed", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(true)
		m.HandleCluster(fullEvent(1, "a", "b"))

		m.HandleCluster(deltaEvent(UpdateDelete, 2, ShardDelete, "a"))

		assert.Equal(t, []string{"b"}, shardNames(m.snapshot().Shards))
		assert.Equal(t, 2, rec.Len())
	})

	t.Run("empty full over full snapshot rejected", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(true)
		m.HandleCluster(fullEvent(1, "a"))

		m.HandleCluster(fullEvent(2))

		assert.Equal(t, []string{"a"}, shardNames(m.snapshot().Shards))
		assert.Equal(t, int64(1), m.snapshot().Version)
		assert.Equal(t, 1, rec.Len())
	})

	t.Run("batch judged on its result", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(true)
		m.HandleCluster(fullEvent(1, "a"))

		batch := ClusterEvent{Type: UpdateUpdate, Version: 2, Datum: []ShardEvent{
			{Shard: shard("a"), Type: ShardDelete},
			{Shard: shard("b"), Type: ShardAdd},
		}}
		m.HandleCluster(batch)

		assert.Equal(t, []string{"b"}, shardNames(m.snapshot().Shards))
		assert.Equal(t, int64(2), m.snapshot().Version)
		assert.Equal(t, batch, rec.Last())
	})

	t.Run("batch emptying the cluster rejected whole", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(true)
		m.HandleCluster(fullEvent(1, "a"))

		m.HandleCluster(ClusterEvent{Type: UpdateUpdate, Version: 2, Datum: []ShardEvent{
			{Shard: shard("b"), Type: ShardAdd},
			{Shard: shard("a"), Type: ShardDelete},
			{Shard: shard("b"), Type: ShardDelete},
		}})

		assert.Equal(t, []string{"a"}, shardNames(m.snapshot().Shards))
		assert.Equal(t, 1, rec.Len())
	})

	t.Run("empty first snapshot accepted", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(true)
		m.HandleCluster(fullEvent(0))

		assert.True(t, m.snapshot().Full)
		assert.Equal(t, 1, rec.Len())
	})

	t.Run("unprotected cluster may empty", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(false)
		m.HandleCluster(fullEvent(1, "a"))

		m.HandleCluster(deltaEvent(UpdateDelete, 2, ShardDelete, "a"))

		assert.Empty(t, m.snapshot().Shards)
		assert.Equal(t, UpdateDelete, rec.Last().Type)
	})

	t.Run("unprotected clear", func(t *testing.T) {
		m, rec, _ := newTestClusterMeta(false)
		m.HandleCluster(fullEvent(1, "a"))

		m.HandleCluster(ClusterEvent{Type: UpdateClear, Version: 2})

		assert.Empty(t, m.snapshot().Shards)
		assert.Equal(t, UpdateClear, rec.Last().Type)
	})
}

func TestClusterMeta_AddHandlerReplaysFull(t *testing.T) {
	m, _, _ := newTestClusterMeta(true)
	late := &clusterRecorder{}

	m.HandleCluster(deltaEvent(UpdateUpdate, 1, ShardAdd, "a"))
	require.True(t, m.addHandler(late))
	assert.Equal(t, 0, late.Len(), "no replay before the snapshot is full")

	m.HandleCluster(fullEvent(2, "b"))
	other := &clusterRecorder{}
	require.True(t, m.addHandler(other))
	require.Equal(t, 1, other.Len())
	assert.Equal(t, []string{"a", "b"}, eventNames(other.Last()))

	// Adding the same handler twice does not replay again.
	require.True(t, m.addHandler(other))
	assert.Equal(t, 1, other.Len())
}

func TestClusterMeta_RemoveLastHandlerRetires(t *testing.T) {
	m, rec, _ := newTestClusterMeta(true)
	second := &clusterRecorder{}
	m.addHandler(second)

	removed, retired := m.removeHandler(rec)
	assert.True(t, removed)
	assert.False(t, retired)

	removed, retired = m.removeHandler(rec)
	assert.False(t, removed)
	assert.False(t, retired)

	removed, retired = m.removeHandler(second)
	assert.True(t, removed)
	assert.True(t, retired)

	m.HandleCluster(fullEvent(1, "a"))
	assert.Equal(t, 0, second.Len())
	assert.False(t, m.addHandler(second))
}

func TestClusterMeta_PanickingHandlerIsolated(t *testing.T) {
	m, rec, _ := newTestClusterMeta(true)
	m.addHandler(NewClusterHandler(func(ClusterEvent) { panic("boom") }))
	after := &clusterRecorder{}
	m.addHandler(after)

	assert.NotPanics(t, func() { m.HandleCluster(fullEvent(1, "a")) })
	assert.Equal(t, 1, rec.Len())
	assert.Equal(t, 1, after.Len())
}

func TestClusterMeta_BackupShards(t *testing.T) {
	m, _, _ := newTestClusterMeta(true)

	m.HandleCluster(deltaEvent(UpdateUpdate, 1, ShardAdd, "b"))
	_, ok := m.backupShards()
	assert.False(t, ok)

	m.HandleCluster(fullEvent(2, "a"))
	shards, ok := m.backupShards()
	require.True(t, ok)
	require.Len(t, shards, 2)
	assert.Equal(t, "a", shards[0].Name)
	assert.Equal(t, "b", shards[1].Name)
	assert.Equal(t, DefaultWeight, shards[0].Weight)
}
