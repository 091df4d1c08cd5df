// Package registry keeps a process's registrations and discovery/config
// subscriptions in sync with an external coordination backend.
//
// # Overview
//
// A Registry sits between application code and a Backend. Callers
// register provider URLs and subscribe handlers to clusters and config
// keys; the Registry reference-counts registrations per canonical key,
// merges full and incremental backend events into consistent snapshots,
// and retries failed backend calls from a single dispatcher goroutine.
// When the backend connection drops, the Registry reconnects with
// backoff and re-issues every live registration and subscription.
//
// # Available Backends
//
//   - MemoryBackend: in-process backend for tests and single-node use
//   - NATSBackend: NATS JetStream KV buckets for shards and config maps
//   - EtcdBackend: etcd keys bound to leases, observed through watches
//
// # Basic Usage
//
//	backend := registry.NewNATSBackend(registry.DefaultNATSConfig(), log)
//	reg, err := registry.New(backend, registry.DefaultConfig(),
//	    registry.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//
//	if _, err := reg.Open().Wait(ctx); err != nil {
//	    return err
//	}
//	defer reg.Close()
//
// Register a provider:
//
//	u := svcurl.MustParse("grpc://10.0.0.5:9000/orders.Service?alias=prod&role=provider")
//	stamped, err := reg.Register(u).Wait(ctx)
//
// Subscribe to a cluster:
//
//	reg.SubscribeCluster(consumerURL, registry.NewClusterHandler(func(ev registry.ClusterEvent) {
//	    // ev.Type is FULL on first delivery, then UPDATE/DELETE/CLEAR
//	}))
//
// # Reference Counting
//
// Registrations with the same key share one backend registration. Each
// Register adds a reference and each Deregister drops one; the backend
// deregister is issued only when the last reference is released.
//
// # Null Protection
//
// A cluster subscription with protectNullDatum set (the default) rejects
// any update that would leave a previously populated cluster empty. This
// guards consumers against a backend that briefly reports no providers.
//
// # Backup
//
// With a backup store configured, full cluster snapshots and config maps
// are persisted after changes and loaded on Open, so a process can
// bootstrap before the backend is reachable. See Bootstrap.
//
// # Thread Safety
//
// All Registry methods are safe for concurrent use. Handlers run
// synchronously on the delivering goroutine and must not call back into
// the Registry.
package registry
