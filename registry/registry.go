package registry

import (
	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/svcurl"
)

// Common errors. They match any registry error of the same code through
// errors.Is.
var (
	ErrClosed         = errors.FromCode(errors.ErrCodeClosed)
	ErrConnect        = errors.FromCode(errors.ErrCodeConnect)
	ErrRetryExhausted = errors.FromCode(errors.ErrCodeRetryExhausted)
	ErrNotSubscribed  = errors.FromCode(errors.ErrCodeNotSubscribed)
	ErrNotRegistered  = errors.FromCode(errors.ErrCodeNotRegistered)
)

// URLKey pairs a canonical key with the service URL it was derived from.
type URLKey struct {
	URL *svcurl.URL
	Key string
}

// UpdateType classifies a subscription event.
type UpdateType string

const (
	UpdateFull   UpdateType = "FULL"
	UpdateUpdate UpdateType = "UPDATE"
	UpdateDelete UpdateType = "DELETE"
	UpdateClear  UpdateType = "CLEAR"
)

// ShardEventType classifies a change to one shard.
type ShardEventType string

const (
	ShardAdd    ShardEventType = "ADD"
	ShardUpdate ShardEventType = "UPDATE"
	ShardDelete ShardEventType = "DELETE"
)

// Shard is one provider instance of a cluster.
type Shard struct {
	// Name uniquely identifies the shard within its cluster.
	Name string

	Region     string
	DataCenter string
	Protocol   string

	// Address is host:port.
	Address string

	Weight int

	// URL is the provider URL as published, if known.
	URL *svcurl.URL
}

// ShardEvent is a change to one shard.
type ShardEvent struct {
	Shard Shard
	Type  ShardEventType
}

// ClusterEvent is a discovery update for one cluster.
type ClusterEvent struct {
	Type    UpdateType
	Version int64
	Datum   []ShardEvent
}

// ConfigEvent is a config update for one key.
type ConfigEvent struct {
	Type    UpdateType
	Version int64
	Datum   map[string]string
}

// ClusterHandler receives discovery events. Handlers are compared by
// identity, so implementations must be comparable.
type ClusterHandler interface {
	HandleCluster(ClusterEvent)
}

// ConfigHandler receives config events. Handlers are compared by identity,
// so implementations must be comparable.
type ConfigHandler interface {
	HandleConfig(ConfigEvent)
}

// ClusterHandlerFunc adapts a function to ClusterHandler.
type ClusterHandlerFunc struct {
	fn func(ClusterEvent)
}

// NewClusterHandler wraps fn in a handle that can later be passed to
// UnsubscribeCluster.
func NewClusterHandler(fn func(ClusterEvent)) *ClusterHandlerFunc {
	return &ClusterHandlerFunc{fn: fn}
}

// HandleCluster calls the wrapped function.
func (h *ClusterHandlerFunc) HandleCluster(ev ClusterEvent) {
	h.fn(ev)
}

// ConfigHandlerFunc adapts a function to ConfigHandler.
type ConfigHandlerFunc struct {
	fn func(ConfigEvent)
}

// NewConfigHandler wraps fn in a handle that can later be passed to
// UnsubscribeConfig.
func NewConfigHandler(fn func(ConfigEvent)) *ConfigHandlerFunc {
	return &ConfigHandlerFunc{fn: fn}
}

// HandleConfig calls the wrapped function.
func (h *ConfigHandlerFunc) HandleConfig(ev ConfigEvent) {
	h.fn(ev)
}

// Backend is a coordination-service client. Every method must return
// without blocking on I/O; the returned future completes when the backend
// call finishes. Register, Deregister and the subscribe calls must be
// idempotent per key.
type Backend interface {
	// Connect establishes the session with the coordination service.
	Connect() *future.Future[struct{}]

	// Disconnect tears the session down.
	Disconnect() *future.Future[struct{}]

	// Register publishes the registration identified by key.
	Register(key URLKey) *future.Future[struct{}]

	// Deregister withdraws the registration identified by key.
	Deregister(key URLKey) *future.Future[struct{}]

	// SubscribeCluster starts pushing discovery events for key into h.
	SubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}]

	// UnsubscribeCluster stops pushing discovery events for key into h.
	UnsubscribeCluster(key URLKey, h ClusterHandler) *future.Future[struct{}]

	// SubscribeConfig starts pushing config events for key into h.
	SubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}]

	// UnsubscribeConfig stops pushing config events for key into h.
	UnsubscribeConfig(key URLKey, h ConfigHandler) *future.Future[struct{}]
}

// DisconnectNotifier is implemented by backends that can report a lost
// session. The registry installs fn before connecting; the backend calls
// it, from any goroutine, each time an established session drops.
type DisconnectNotifier interface {
	OnDisconnect(fn func(err error))
}
