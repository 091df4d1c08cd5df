package registry

import (
	"context"
	stderrors "errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/regsync/backup"
	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/svcurl"
	"github.com/vinayprograms/regsync/telemetry"
)

// Lifecycle states.
const (
	stateClosed int32 = iota
	stateOpening
	stateOpen
	stateClosing
)

// Task operation names used in logs, spans and metrics.
const (
	opRegister           = "register"
	opDeregister         = "deregister"
	opSubscribeCluster   = "subscribe_cluster"
	opUnsubscribeCluster = "unsubscribe_cluster"
	opSubscribeConfig    = "subscribe_config"
	opUnsubscribeConfig  = "unsubscribe_config"
)

// Registry synchronises registrations and subscriptions with a Backend.
//
// Calls on the same canonical key share one backend registration or
// subscription. Work issued before Open, or while the backend is
// unreachable, is held and replayed once connected.
type Registry struct {
	cfg     Config
	backend Backend
	id      string
	log     *logging.Logger
	tracer   *telemetry.Tracer
	provider *telemetry.Provider // set when cfg.Tracing exports
	metrics  *telemetry.Metrics
	store    backup.Store

	// guard is held shared by every entry point and exclusively while the
	// lifecycle state changes.
	guard       sync.RWMutex
	state       atomic.Int32
	epoch       atomic.Uint64
	connected   atomic.Bool
	dirty       atomic.Bool
	dispatcher  *dispatcher
	openFuture  *future.Future[struct{}]
	closeFuture *future.Future[struct{}]

	registers sync.Map // register key -> *registerMeta
	clusters  sync.Map // cluster key -> *clusterMeta
	configs   sync.Map // config key -> *configMeta

	registerCount atomic.Int64
	clusterCount  atomic.Int64
	configCount   atomic.Int64

	bootstrap atomic.Pointer[backup.Datum]
}

// New creates a closed Registry over backend.
func New(backend Backend, cfg Config, opts ...Option) (*Registry, error) {
	if backend == nil {
		return nil, errors.InvalidConfig("nil backend")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		cfg:     cfg,
		backend: backend,
		id:      uuid.NewString(),
		log:     logging.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	switch {
	case r.tracer != nil:
	case cfg.Tracing.Enabled():
		p, err := telemetry.NewProvider(context.Background(), cfg.Tracing, cfg.Name)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidConfig, "tracing")
		}
		r.provider = p
		r.tracer = p.Tracer()
	default:
		r.tracer = telemetry.GetTracer()
	}
	r.log = r.log.WithComponent("registry").With(logging.Fields{"registry": cfg.Name})

	if n, ok := backend.(DisconnectNotifier); ok {
		n.OnDisconnect(r.onDisconnect)
	}
	return r, nil
}

// ID returns the instance id stamped into published registrations.
func (r *Registry) ID() string {
	return r.id
}

// Open starts the dispatcher and connects. Concurrent and repeated calls
// share one future. If connecting fails within MaxConnectRetryTimes the
// registry closes itself and the future fails with the last connect error.
func (r *Registry) Open() *future.Future[struct{}] {
	r.guard.Lock()
	switch r.state.Load() {
	case stateOpening, stateOpen:
		f := r.openFuture
		r.guard.Unlock()
		return f
	case stateClosing:
		r.guard.Unlock()
		return future.Failed[struct{}](errors.Closed("open"))
	}

	epoch := r.epoch.Add(1)
	r.state.Store(stateOpening)
	r.dirty.Store(false)
	r.connected.Store(false)
	f := future.New[struct{}]()
	r.openFuture = f
	r.closeFuture = nil
	d := newDispatcher(r)
	r.dispatcher = d
	r.guard.Unlock()

	r.log.Info("opening", logging.Fields{"max_connect_retry_times": RetryBudget(r.cfg.MaxConnectRetryTimes).String()})
	d.start()
	f.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			r.log.Error("open_failed", logging.Fields{"error": err})
			r.Close()
		}
	})
	r.connect(d, epoch, f, RetryBudget(r.cfg.MaxConnectRetryTimes))
	return f
}

// Close withdraws every confirmed registration, cancels every subscription,
// disconnects and stops the dispatcher. Pending register futures fail with
// ErrClosed. Concurrent and repeated calls share one future. The registry
// may be opened again once the future completes.
func (r *Registry) Close() *future.Future[struct{}] {
	r.guard.Lock()
	switch r.state.Load() {
	case stateClosing:
		f := r.closeFuture
		r.guard.Unlock()
		return f
	case stateClosed:
		e := r.takeEntries()
		f := r.closeFuture
		r.guard.Unlock()
		e.abandon()
		if f == nil {
			f = future.Completed(struct{}{})
		}
		return f
	}

	r.state.Store(stateClosing)
	cf := future.New[struct{}]()
	r.closeFuture = cf
	connected := r.connected.Swap(false)
	e := r.takeEntries()
	d := r.dispatcher
	openFuture := r.openFuture
	r.guard.Unlock()

	go r.shutdown(cf, d, openFuture, e, connected)
	return cf
}

// OnShutdown closes the registry and waits for it, for use with graceful
// shutdown handlers. Spans still buffered for export are flushed.
func (r *Registry) OnShutdown(ctx context.Context) error {
	_, err := r.Close().Wait(ctx)
	if r.provider != nil {
		if perr := r.provider.Shutdown(ctx); err == nil {
			err = perr
		}
	}
	return err
}

// IsOpen reports whether the registry is open and has connected at least
// once in this cycle.
func (r *Registry) IsOpen() bool {
	return r.state.Load() == stateOpen
}

// IsConnected reports whether the backend session is up.
func (r *Registry) IsConnected() bool {
	return r.connected.Load()
}

// running reports whether tasks may still be retried.
func (r *Registry) running() bool {
	s := r.state.Load()
	return s == stateOpening || s == stateOpen
}

// ready reports whether new work goes straight to the dispatcher.
// Otherwise it waits for recoverState.
func (r *Registry) ready() bool {
	return r.state.Load() == stateOpen && r.connected.Load()
}

// Register adds a logical registration of u. Callers registering the same
// key share one future, which completes with the published URL once the
// backend confirms it.
func (r *Registry) Register(u *svcurl.URL) *future.Future[*svcurl.URL] {
	if u == nil {
		return future.Failed[*svcurl.URL](errors.InvalidURL("", svcurl.ErrEmptyURL))
	}

	r.guard.RLock()
	defer r.guard.RUnlock()

	key := URLKey{URL: u.WithParam(svcurl.ParamInstance, r.id), Key: svcurl.RegisterKey(u)}
	if r.state.Load() == stateClosing {
		return future.Failed[*svcurl.URL](errors.Closed(opRegister, errors.WithKey(key.Key)))
	}

	for {
		v, loaded := r.registers.LoadOrStore(key.Key, newRegisterMeta(key))
		m := v.(*registerMeta)
		if !loaded {
			r.metrics.SetRegistrations(int(r.registerCount.Add(1)))
		}
		if !m.acquire() {
			runtime.Gosched()
			continue
		}
		if !loaded && r.ready() {
			r.submitRegister(r.dispatcher, m)
		}
		return m.registered
	}
}

// Deregister drops one logical registration of u. Only the call that
// drops the last reference withdraws the registration from the backend,
// retrying failures within maxRetryTimes (negative retries forever, zero
// never). Other calls complete immediately.
func (r *Registry) Deregister(u *svcurl.URL, maxRetryTimes int) *future.Future[*svcurl.URL] {
	if u == nil {
		return future.Failed[*svcurl.URL](errors.InvalidURL("", svcurl.ErrEmptyURL))
	}

	r.guard.RLock()
	defer r.guard.RUnlock()

	key := svcurl.RegisterKey(u)
	state := r.state.Load()
	if state == stateClosing {
		return future.Failed[*svcurl.URL](errors.Closed(opDeregister, errors.WithKey(key)))
	}

	v, ok := r.registers.Load(key)
	if !ok {
		return future.Completed(u)
	}
	m := v.(*registerMeta)
	last, ok := m.release()
	if !ok || !last {
		return future.Completed(u)
	}
	if r.registers.CompareAndDelete(key, m) {
		r.metrics.SetRegistrations(int(r.registerCount.Add(-1)))
	}

	// A register future still pending can no longer succeed.
	m.registered.Fail(errors.New(errors.ErrCodeNotRegistered, "registration withdrawn", errors.WithKey(key)))

	// Nothing reached the backend before the first successful connect.
	if state != stateOpen {
		m.deregistered.Complete(u)
		return m.deregistered
	}
	r.submitDeregister(r.dispatcher, m, u, RetryBudget(maxRetryTimes))
	return m.deregistered
}

// SubscribeCluster attaches h to discovery events for u's cluster. If a
// full snapshot is already held, h receives it before this call returns.
// Returns false for a nil handler or a closing registry.
func (r *Registry) SubscribeCluster(u *svcurl.URL, h ClusterHandler) bool {
	if u == nil || h == nil {
		return false
	}

	r.guard.RLock()
	defer r.guard.RUnlock()

	if r.state.Load() == stateClosing {
		return false
	}

	key := URLKey{URL: u, Key: svcurl.ClusterKey(u)}
	for {
		v, loaded := r.clusters.LoadOrStore(key.Key, r.newClusterMeta(key))
		m := v.(*clusterMeta)
		if !loaded {
			r.metrics.SetSubscriptions("cluster", int(r.clusterCount.Add(1)))
		}
		if !m.addHandler(h) {
			runtime.Gosched()
			continue
		}
		if !loaded && r.ready() {
			r.submitSubscribeCluster(r.dispatcher, m)
		}
		return true
	}
}

// UnsubscribeCluster detaches h. The backend subscription is cancelled
// once no handler is left. Returns false if h was not attached.
func (r *Registry) UnsubscribeCluster(u *svcurl.URL, h ClusterHandler) bool {
	if u == nil || h == nil {
		return false
	}

	r.guard.RLock()
	defer r.guard.RUnlock()

	if r.state.Load() == stateClosing {
		return false
	}

	key := svcurl.ClusterKey(u)
	v, ok := r.clusters.Load(key)
	if !ok {
		return false
	}
	m := v.(*clusterMeta)
	removed, retired := m.removeHandler(h)
	if !removed {
		return false
	}
	if retired {
		if r.clusters.CompareAndDelete(key, m) {
			r.metrics.SetSubscriptions("cluster", int(r.clusterCount.Add(-1)))
		}
		if r.running() && m.subscribed.CompareAndSwap(true, false) {
			r.submitUnsubscribeCluster(r.dispatcher, m)
		}
	}
	return true
}

// SubscribeConfig attaches h to config events for u. URLs without an
// interface path subscribe to the global settings. If a full map is
// already held, h receives it before this call returns.
func (r *Registry) SubscribeConfig(u *svcurl.URL, h ConfigHandler) bool {
	if u == nil || h == nil {
		return false
	}

	r.guard.RLock()
	defer r.guard.RUnlock()

	if r.state.Load() == stateClosing {
		return false
	}

	key := URLKey{URL: u, Key: svcurl.ConfigKey(u)}
	for {
		v, loaded := r.configs.LoadOrStore(key.Key, newConfigMeta(key, r.metaEnv()))
		m := v.(*configMeta)
		if !loaded {
			r.metrics.SetSubscriptions("config", int(r.configCount.Add(1)))
		}
		if !m.addHandler(h) {
			runtime.Gosched()
			continue
		}
		if !loaded && r.ready() {
			r.submitSubscribeConfig(r.dispatcher, m)
		}
		return true
	}
}

// UnsubscribeConfig detaches h. The backend subscription is cancelled
// once no handler is left. Returns false if h was not attached.
func (r *Registry) UnsubscribeConfig(u *svcurl.URL, h ConfigHandler) bool {
	if u == nil || h == nil {
		return false
	}

	r.guard.RLock()
	defer r.guard.RUnlock()

	if r.state.Load() == stateClosing {
		return false
	}

	key := svcurl.ConfigKey(u)
	v, ok := r.configs.Load(key)
	if !ok {
		return false
	}
	m := v.(*configMeta)
	removed, retired := m.removeHandler(h)
	if !removed {
		return false
	}
	if retired {
		if r.configs.CompareAndDelete(key, m) {
			r.metrics.SetSubscriptions("config", int(r.configCount.Add(-1)))
		}
		if r.running() && m.subscribed.CompareAndSwap(true, false) {
			r.submitUnsubscribeConfig(r.dispatcher, m)
		}
	}
	return true
}

// Snapshot returns the committed discovery state for u's cluster.
func (r *Registry) Snapshot(u *svcurl.URL) (ClusterSnapshot, bool) {
	if u == nil {
		return ClusterSnapshot{}, false
	}
	v, ok := r.clusters.Load(svcurl.ClusterKey(u))
	if !ok {
		return ClusterSnapshot{}, false
	}
	return v.(*clusterMeta).snapshot(), true
}

// Config returns a copy of the committed config map for u with its
// version. ok is false unless the map is full.
func (r *Registry) Config(u *svcurl.URL) (datum map[string]string, version int64, ok bool) {
	if u == nil {
		return nil, 0, false
	}
	v, found := r.configs.Load(svcurl.ConfigKey(u))
	if !found {
		return nil, 0, false
	}
	return v.(*configMeta).snapshot()
}

// Bootstrap returns the view restored from backup when the dispatcher
// started, or nil. It is a fallback for callers that cannot wait for the
// backend; live subscriptions never read from it.
func (r *Registry) Bootstrap() *backup.Datum {
	d := r.bootstrap.Load()
	if d == nil {
		return nil
	}
	return d.Clone()
}

// Backup writes every full snapshot to the backup store now.
func (r *Registry) Backup() error {
	if r.store == nil {
		return errors.InvalidConfig("no backup store configured")
	}
	err := r.store.Backup(r.cfg.Name, r.backupDatum())
	r.metrics.Backup("backup", err)
	if err != nil {
		return errors.BackupIO("backup", r.cfg.Name, err)
	}
	return nil
}

// Restore reads the backup store into the bootstrap view and returns it.
func (r *Registry) Restore() (*backup.Datum, error) {
	if r.store == nil {
		return nil, errors.InvalidConfig("no backup store configured")
	}
	d, err := r.store.Restore(r.cfg.Name)
	r.metrics.Backup("restore", err)
	if err != nil {
		return nil, errors.BackupIO("restore", r.cfg.Name, err)
	}
	r.bootstrap.Store(d)
	return d.Clone(), nil
}

// restore seeds the bootstrap view once per dispatcher start. Failures
// are logged only.
func (r *Registry) restore() {
	if r.store == nil {
		return
	}
	d, err := r.Restore()
	switch {
	case err == nil:
		r.log.Info("restored", logging.Fields{"clusters": len(d.Clusters), "configs": len(d.Configs)})
	case stderrors.Is(err, backup.ErrNotFound):
		r.log.Debug("no_backup", logging.Fields{"name": r.cfg.Name})
	default:
		r.log.BackupFailed("restore", r.cfg.Name, err)
	}
}

// backup writes a backup if anything changed since the last one.
func (r *Registry) backup() {
	if r.store == nil || !r.dirty.CompareAndSwap(true, false) {
		return
	}
	if err := r.Backup(); err != nil {
		r.log.BackupFailed("backup", r.cfg.Name, err)
	}
}

// backupDatum collects every subscription holding a full snapshot.
func (r *Registry) backupDatum() *backup.Datum {
	d := backup.NewDatum()
	r.clusters.Range(func(k, v any) bool {
		if shards, ok := v.(*clusterMeta).backupShards(); ok {
			d.Clusters[k.(string)] = shards
		}
		return true
	})
	r.configs.Range(func(k, v any) bool {
		if datum, ok := v.(*configMeta).backupDatum(); ok {
			d.Configs[k.(string)] = datum
		}
		return true
	})
	return d
}

func (r *Registry) metaEnv() metaEnv {
	return metaEnv{
		log:     r.log,
		metrics: r.metrics,
		dirty:   func() { r.dirty.Store(true) },
	}
}

func (r *Registry) newClusterMeta(key URLKey) *clusterMeta {
	protect := key.URL.ParamBool(svcurl.ParamProtectNullDatum, r.cfg.ProtectNullDatum)
	return newClusterMeta(key, r.metaEnv(), protect)
}

// recoverState re-issues a register task for every live registration and
// a subscribe task for every subscription. Each new task supersedes the
// one already issued for its entry, queued or retrying. The returned
// future completes when all of them finish.
func (r *Registry) recoverState(d *dispatcher) *future.Future[struct{}] {
	var results []*future.Future[struct{}]
	r.registers.Range(func(_, v any) bool {
		if m := v.(*registerMeta); m.live() {
			results = append(results, r.submitRegister(d, m))
		}
		return true
	})
	r.clusters.Range(func(_, v any) bool {
		results = append(results, r.submitSubscribeCluster(d, v.(*clusterMeta)))
		return true
	})
	r.configs.Range(func(_, v any) bool {
		results = append(results, r.submitSubscribeConfig(d, v.(*configMeta)))
		return true
	})

	r.log.Info("recovering", logging.Fields{"tasks": len(results)})
	if len(results) == 0 {
		return future.Completed(struct{}{})
	}
	return future.Go(func() (struct{}, error) {
		var g errgroup.Group
		for _, f := range results {
			g.Go(func() error {
				_, err := f.Wait(context.Background())
				return err
			})
		}
		return struct{}{}, g.Wait()
	})
}

func (r *Registry) submitRegister(d *dispatcher, m *registerMeta) *future.Future[struct{}] {
	gen := m.gen.Add(1)
	t := &task{
		op:     opRegister,
		key:    m.key.Key,
		owner:  m,
		budget: Unlimited,
		call:   func() *future.Future[struct{}] { return r.backend.Register(m.key) },
		live: func() bool {
			v, ok := r.registers.Load(m.key.Key)
			return ok && v == m && m.live() && m.gen.Load() == gen
		},
		result: future.New[struct{}](),
	}
	t.result.OnComplete(func(_ struct{}, err error) {
		if err == nil {
			m.registered.Complete(m.key.URL)
		}
	})
	d.submit(t)
	return t.result
}

func (r *Registry) submitDeregister(d *dispatcher, m *registerMeta, u *svcurl.URL, budget RetryBudget) {
	t := &task{
		op:     opDeregister,
		key:    m.key.Key,
		owner:  m,
		budget: budget,
		call:   func() *future.Future[struct{}] { return r.backend.Deregister(m.key) },
		live: func() bool {
			_, ok := r.registers.Load(m.key.Key)
			return !ok
		},
		result: future.New[struct{}](),
	}
	t.result.OnComplete(func(_ struct{}, err error) {
		if err == nil || errors.Is(err, errors.ErrCodeCanceled) {
			m.deregistered.Complete(u)
			return
		}
		m.deregistered.Fail(err)
	})
	d.submit(t)
}

func (r *Registry) submitSubscribeCluster(d *dispatcher, m *clusterMeta) *future.Future[struct{}] {
	gen := m.gen.Add(1)
	current := func() bool {
		v, ok := r.clusters.Load(m.key.Key)
		return ok && v == m
	}
	t := &task{
		op:     opSubscribeCluster,
		key:    m.key.Key,
		owner:  m,
		budget: Unlimited,
		call:   func() *future.Future[struct{}] { return r.backend.SubscribeCluster(m.key, m) },
		live:   func() bool { return current() && m.gen.Load() == gen },
		result: future.New[struct{}](),
	}
	t.result.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			return
		}
		m.subscribed.Store(true)
		// The last handler may have left while the call was in flight.
		if !current() && r.running() && m.subscribed.CompareAndSwap(true, false) {
			r.submitUnsubscribeCluster(d, m)
		}
	})
	d.submit(t)
	return t.result
}

func (r *Registry) submitUnsubscribeCluster(d *dispatcher, m *clusterMeta) {
	d.submit(&task{
		op:     opUnsubscribeCluster,
		key:    m.key.Key,
		budget: Unlimited,
		call:   func() *future.Future[struct{}] { return r.backend.UnsubscribeCluster(m.key, m) },
		live:   func() bool { return true },
		result: future.New[struct{}](),
	})
}

func (r *Registry) submitSubscribeConfig(d *dispatcher, m *configMeta) *future.Future[struct{}] {
	gen := m.gen.Add(1)
	current := func() bool {
		v, ok := r.configs.Load(m.key.Key)
		return ok && v == m
	}
	t := &task{
		op:     opSubscribeConfig,
		key:    m.key.Key,
		owner:  m,
		budget: Unlimited,
		call:   func() *future.Future[struct{}] { return r.backend.SubscribeConfig(m.key, m) },
		live:   func() bool { return current() && m.gen.Load() == gen },
		result: future.New[struct{}](),
	}
	t.result.OnComplete(func(_ struct{}, err error) {
		if err != nil {
			return
		}
		m.subscribed.Store(true)
		// The last handler may have left while the call was in flight.
		if !current() && r.running() && m.subscribed.CompareAndSwap(true, false) {
			r.submitUnsubscribeConfig(d, m)
		}
	})
	d.submit(t)
	return t.result
}

func (r *Registry) submitUnsubscribeConfig(d *dispatcher, m *configMeta) {
	d.submit(&task{
		op:     opUnsubscribeConfig,
		key:    m.key.Key,
		budget: Unlimited,
		call:   func() *future.Future[struct{}] { return r.backend.UnsubscribeConfig(m.key, m) },
		live:   func() bool { return true },
		result: future.New[struct{}](),
	})
}

// entries is the map contents taken by Close.
type entries struct {
	registers []*registerMeta
	clusters  []*clusterMeta
	configs   []*configMeta
}

// takeEntries empties the maps. Caller holds guard exclusively.
func (r *Registry) takeEntries() entries {
	var e entries
	r.registers.Range(func(k, v any) bool {
		e.registers = append(e.registers, v.(*registerMeta))
		r.registers.Delete(k)
		return true
	})
	r.clusters.Range(func(k, v any) bool {
		e.clusters = append(e.clusters, v.(*clusterMeta))
		r.clusters.Delete(k)
		return true
	})
	r.configs.Range(func(k, v any) bool {
		e.configs = append(e.configs, v.(*configMeta))
		r.configs.Delete(k)
		return true
	})
	r.registerCount.Store(0)
	r.clusterCount.Store(0)
	r.configCount.Store(0)
	r.metrics.SetRegistrations(0)
	r.metrics.SetSubscriptions("cluster", 0)
	r.metrics.SetSubscriptions("config", 0)
	return e
}

// abandon fails pending registrations and retires subscriptions without
// touching the backend.
func (e entries) abandon() {
	for _, m := range e.registers {
		m.registered.Fail(errors.Closed(opRegister, errors.WithKey(m.key.Key)))
	}
	for _, m := range e.clusters {
		m.retire()
	}
	for _, m := range e.configs {
		m.retire()
	}
}

func (r *Registry) shutdown(cf *future.Future[struct{}], d *dispatcher, openFuture *future.Future[struct{}], e entries, connected bool) {
	r.log.Info("closing", logging.Fields{
		"registrations": len(e.registers),
		"clusters":      len(e.clusters),
		"configs":       len(e.configs),
	})
	if openFuture != nil {
		openFuture.Fail(errors.Closed("open"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CloseTimeout)
	defer cancel()

	var g errgroup.Group
	await := func(op, key string, f *future.Future[struct{}]) {
		g.Go(func() error {
			if _, err := f.Wait(ctx); err != nil {
				return errors.TaskFailed(op, key, err)
			}
			return nil
		})
	}

	for _, m := range e.registers {
		if connected && m.registered.Succeeded() {
			await(opDeregister, m.key.Key, safeCall(opDeregister, func() *future.Future[struct{}] {
				return r.backend.Deregister(m.key)
			}))
			continue
		}
		m.registered.Fail(errors.Closed(opRegister, errors.WithKey(m.key.Key)))
	}
	for _, m := range e.clusters {
		m.retire()
		if connected && m.subscribed.Load() {
			await(opUnsubscribeCluster, m.key.Key, safeCall(opUnsubscribeCluster, func() *future.Future[struct{}] {
				return r.backend.UnsubscribeCluster(m.key, m)
			}))
		}
	}
	for _, m := range e.configs {
		m.retire()
		if connected && m.subscribed.Load() {
			await(opUnsubscribeConfig, m.key.Key, safeCall(opUnsubscribeConfig, func() *future.Future[struct{}] {
				return r.backend.UnsubscribeConfig(m.key, m)
			}))
		}
	}
	if err := g.Wait(); err != nil {
		r.log.Warn("close_incomplete", logging.Fields{"error": err})
	}

	if _, err := safeCall("disconnect", r.backend.Disconnect).Wait(ctx); err != nil {
		r.log.Warn("disconnect_failed", logging.Fields{"error": err})
	}
	if d != nil {
		d.stop()
	}

	r.guard.Lock()
	r.state.Store(stateClosed)
	r.dispatcher = nil
	r.guard.Unlock()

	r.log.Info("closed")
	cf.Complete(struct{}{})
}
