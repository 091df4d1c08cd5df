package registry

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/svcurl"
)

// getNATSConn returns a NATS connection for testing, or skips the test.
func getNATSConn(t *testing.T) *nats.Conn {
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}

	if testing.Short() {
		t.Skip("skipping NATS test in short mode")
	}

	conn, err := nats.Connect(url,
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(0),
	)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}

	return conn
}

// uniqueBucket generates a unique bucket name for test isolation.
func uniqueBucket() string {
	return "test-" + time.Now().Format("150405") + "-" + fmt.Sprintf("%d", time.Now().UnixNano()%1000000)
}

func newTestNATSBackend(t *testing.T) *NATSBackend {
	conn := getNATSConn(t)
	t.Cleanup(conn.Close)

	cfg := DefaultNATSConfig()
	cfg.Conn = conn
	cfg.ServicesBucket = uniqueBucket() + "-svc"
	cfg.ConfigBucket = uniqueBucket() + "-cfg"
	b := NewNATSBackend(cfg, logging.Nop())
	_, err := wait(t, b.Connect())
	require.NoError(t, err)
	t.Cleanup(func() { b.Disconnect() })
	return b
}

// --- Unit Tests ---

func TestNATSKeys(t *testing.T) {
	u := providerURL("10.0.0.1:9000")
	key := serviceKey(u)

	assert.Contains(t, key, clusterPrefix(svcurl.ClusterKey(u))+".")
	assert.NotContains(t, key, ":")

	name, err := shardNameFromKey(key)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", name)

	_, err = shardNameFromKey("nodots")
	assert.Error(t, err)
	_, err = shardNameFromKey("svc.abc.!!!")
	assert.Error(t, err)

	assert.NotEqual(t, configKey("a"), configKey("b"))
}

func TestShardRecordRoundTrip(t *testing.T) {
	u := svcurl.MustParse("grpc://10.0.0.1:9000/orders.Service?alias=prod&region=eu&weight=3")
	data, err := encodeShard(u)
	require.NoError(t, err)

	s, err := decodeShard(data)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", s.Name)
	assert.Equal(t, "eu", s.Region)
	assert.Equal(t, 3, s.Weight)
	require.NotNil(t, s.URL)
	assert.Equal(t, "prod", s.URL.Alias())

	_, err = decodeShard([]byte("{"))
	assert.Error(t, err)
}

func TestNATSBackend_NotConnected(t *testing.T) {
	b := NewNATSBackend(DefaultNATSConfig(), logging.Nop())
	_, err := wait(t, b.Register(registerKey(providerURL("10.0.0.1:9000"))))
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable))
	assert.Nil(t, b.Conn())
}

// --- Integration Tests ---

func TestNATSBackend_ClusterWatch(t *testing.T) {
	b := newTestNATSBackend(t)
	p1, p2 := providerURL("10.0.0.1:9000"), providerURL("10.0.0.2:9000")

	_, err := wait(t, b.Register(registerKey(p1)))
	require.NoError(t, err)

	rec := &clusterRecorder{}
	_, err = wait(t, b.SubscribeCluster(clusterKey(consumerURL()), rec))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	full := rec.Last()
	assert.Equal(t, UpdateFull, full.Type)
	assert.Equal(t, []string{"10.0.0.1:9000"}, eventNames(full))

	_, err = wait(t, b.Register(registerKey(p2)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, UpdateUpdate, rec.Last().Type)
	assert.Greater(t, rec.Last().Version, full.Version)

	_, err = wait(t, b.Deregister(registerKey(p1)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.Len() == 3 }, 2*time.Second, 10*time.Millisecond)
	del := rec.Last()
	assert.Equal(t, UpdateDelete, del.Type)
	assert.Equal(t, "10.0.0.1:9000", del.Datum[0].Shard.Name)

	_, err = wait(t, b.UnsubscribeCluster(clusterKey(consumerURL()), rec))
	require.NoError(t, err)
}

func TestNATSBackend_ConfigWatch(t *testing.T) {
	b := newTestNATSBackend(t)
	u := svcurl.MustParse("grpc://10.0.0.1:9000/orders.Service?alias=prod")
	key := URLKey{URL: u, Key: svcurl.ConfigKey(u)}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.PutConfig(ctx, key.Key, map[string]string{"a": "1"}))

	rec := &configRecorder{}
	_, err := wait(t, b.SubscribeConfig(key, rec))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]string{"a": "1"}, rec.Last().Datum)

	require.NoError(t, b.PutConfig(ctx, key.Key, map[string]string{"b": "2"}))
	require.Eventually(t, func() bool { return rec.Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, UpdateFull, rec.Last().Type)
	assert.Equal(t, map[string]string{"b": "2"}, rec.Last().Datum)
}

func TestNATSBackend_Registry(t *testing.T) {
	b := newTestNATSBackend(t)
	r := openTestRegistry(t, b)
	p := providerURL("10.0.0.1:9000")

	_, err := wait(t, r.Register(p))
	require.NoError(t, err)

	rec := &clusterRecorder{}
	require.True(t, r.SubscribeCluster(consumerURL(), rec))
	require.Eventually(t, func() bool {
		snap, ok := r.Snapshot(consumerURL())
		return ok && snap.Full && len(snap.Shards) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ := r.Snapshot(consumerURL())
	require.NotNil(t, snap.Shards[0].URL)
	assert.Equal(t, r.ID(), snap.Shards[0].URL.Param(svcurl.ParamInstance))
}
