package registry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/regsync/svcurl"
)

func registerKey(u *svcurl.URL) URLKey {
	return URLKey{URL: u, Key: svcurl.RegisterKey(u)}
}

func clusterKey(u *svcurl.URL) URLKey {
	return URLKey{URL: u, Key: svcurl.ClusterKey(u)}
}

func TestMemoryBackend_RequiresSession(t *testing.T) {
	b := NewMemoryBackend()
	u := providerURL("10.0.0.1:9000")

	_, err := b.Register(registerKey(u)).Result()
	assert.ErrorIs(t, err, errMemoryDisconnected)
	_, err = b.SubscribeCluster(clusterKey(u), &clusterRecorder{}).Result()
	assert.ErrorIs(t, err, errMemoryDisconnected)

	_, err = b.Connect().Result()
	require.NoError(t, err)
	assert.True(t, b.IsConnected())
	_, err = b.Register(registerKey(u)).Result()
	assert.NoError(t, err)
}

func TestMemoryBackend_ClusterEvents(t *testing.T) {
	b := NewMemoryBackend()
	b.Connect()
	p1, p2 := providerURL("10.0.0.1:9000"), providerURL("10.0.0.2:9000")
	b.Register(registerKey(p1))

	rec := &clusterRecorder{}
	b.SubscribeCluster(clusterKey(consumerURL()), rec)
	require.Equal(t, 1, rec.Len())
	full := rec.Last()
	assert.Equal(t, UpdateFull, full.Type)
	assert.Equal(t, []string{"10.0.0.1:9000"}, eventNames(full))

	b.Register(registerKey(p2))
	add := rec.Last()
	assert.Equal(t, UpdateUpdate, add.Type)
	assert.Equal(t, ShardAdd, add.Datum[0].Type)
	assert.Greater(t, add.Version, full.Version)

	// Registering the same key again is a no-op.
	b.Register(registerKey(p2))
	assert.Equal(t, 2, rec.Len())

	b.Deregister(registerKey(p1))
	del := rec.Last()
	assert.Equal(t, UpdateDelete, del.Type)
	assert.Equal(t, ShardDelete, del.Datum[0].Type)
	assert.Equal(t, "10.0.0.1:9000", del.Datum[0].Shard.Name)

	assert.Equal(t, []string{"10.0.0.2:9000"}, shardNames(b.Shards(svcurl.ClusterKey(p1))))

	b.UnsubscribeCluster(clusterKey(consumerURL()), rec)
	b.Deregister(registerKey(p2))
	assert.Equal(t, 3, rec.Len())
}

func TestMemoryBackend_ConsumersNotPublished(t *testing.T) {
	b := NewMemoryBackend()
	b.Connect()
	c := consumerURL()

	_, err := b.Register(registerKey(c)).Result()
	require.NoError(t, err)
	assert.True(t, b.Registered(c))
	assert.Empty(t, b.Shards(svcurl.ClusterKey(c)))
}

func TestMemoryBackend_DropEndsSession(t *testing.T) {
	b := NewMemoryBackend()
	b.Connect()
	p := providerURL("10.0.0.1:9000")
	b.Register(registerKey(p))
	rec := &clusterRecorder{}
	b.SubscribeCluster(clusterKey(p), rec)

	var causes []error
	b.OnDisconnect(func(err error) { causes = append(causes, err) })

	cause := fmt.Errorf("lease expired")
	b.Drop(cause)
	b.Drop(cause)

	require.Len(t, causes, 1)
	assert.Equal(t, cause, causes[0])
	assert.False(t, b.IsConnected())
	assert.False(t, b.Registered(p))
	assert.Empty(t, b.Shards(svcurl.ClusterKey(p)))
	assert.Equal(t, 1, rec.Len(), "watchers are gone before shards are removed")
}

func TestMemoryBackend_Config(t *testing.T) {
	b := NewMemoryBackend()
	b.Connect()
	u := svcurl.MustParse("grpc://10.0.0.1:9000/orders.Service?alias=prod")
	key := URLKey{URL: u, Key: svcurl.ConfigKey(u)}

	b.PutConfig(key.Key, map[string]string{"a": "1"})
	rec := &configRecorder{}
	b.SubscribeConfig(key, rec)
	require.Equal(t, 1, rec.Len())
	assert.Equal(t, map[string]string{"a": "1"}, rec.Last().Datum)

	b.UpdateConfig(key.Key, map[string]string{"b": "2"})
	assert.Equal(t, UpdateUpdate, rec.Last().Type)
	assert.Equal(t, map[string]string{"b": "2"}, rec.Last().Datum)

	b.PutConfig(key.Key, map[string]string{"c": "3"})
	assert.Equal(t, UpdateFull, rec.Last().Type)
	assert.Equal(t, map[string]string{"c": "3"}, rec.Last().Datum)

	b.UnsubscribeConfig(key, rec)
	b.PutConfig(key.Key, map[string]string{})
	assert.Equal(t, 3, rec.Len())
}

func TestShardFromURL(t *testing.T) {
	u := svcurl.MustParse("grpc://10.0.0.1:9000/orders.Service?region=eu&dataCenter=fra1&weight=7")
	s := ShardFromURL(u)
	assert.Equal(t, "10.0.0.1:9000", s.Name)
	assert.Equal(t, "10.0.0.1:9000", s.Address)
	assert.Equal(t, "eu", s.Region)
	assert.Equal(t, "fra1", s.DataCenter)
	assert.Equal(t, "grpc", s.Protocol)
	assert.Equal(t, 7, s.Weight)
	assert.Same(t, u, s.URL)

	assert.Equal(t, DefaultWeight, ShardFromURL(providerURL("10.0.0.1:9000")).Weight)
}
