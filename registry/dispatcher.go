package registry

import (
	"context"
	"sync"
	"time"

	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/telemetry"
)

// errSuperseded ends a task whose map entry was replaced or removed.
var errSuperseded = errors.New(errors.ErrCodeCanceled, "entry superseded")

// task is one backend call for one key. It runs at most once per attempt
// and is re-queued on failure while its entry stays current.
type task struct {
	op      string
	key     string
	attempt int
	due     time.Time
	budget  RetryBudget

	// owner is the entry the task acts for. A new task for the same owner
	// and op replaces a queued one.
	owner any

	// call issues the backend request.
	call func() *future.Future[struct{}]

	// live reports whether the task still applies to the entry in the map.
	live func() bool

	// result completes on success and fails when the task is dropped.
	result *future.Future[struct{}]
}

// reconnectJob is a pending connect attempt.
type reconnectJob struct {
	at    time.Time
	run   func()
	abort func(error)
}

// dispatcher runs every backend task and connect attempt of one open
// cycle on a single goroutine.
type dispatcher struct {
	name          string
	log           *logging.Logger
	tracer        *telemetry.Tracer
	metrics       *telemetry.Metrics
	retryInterval time.Duration
	pollCeiling   time.Duration

	running func() bool
	restore func()
	backup  func()

	mu        sync.Mutex
	queue     []*task
	reconnect *reconnectJob
	stopped   bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newDispatcher(r *Registry) *dispatcher {
	return &dispatcher{
		name:          r.cfg.Name,
		log:           r.log.WithComponent("registry.dispatcher"),
		tracer:        r.tracer,
		metrics:       r.metrics,
		retryInterval: r.cfg.TaskRetryInterval,
		pollCeiling:   r.cfg.PollCeiling,
		running:       r.running,
		restore:       r.restore,
		backup:        r.backup,
		wake:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	go d.run()
}

// stop ends the loop and drops everything still queued.
func (d *dispatcher) stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		<-d.doneCh
		return
	}
	d.stopped = true
	queue := d.queue
	job := d.reconnect
	d.queue = nil
	d.reconnect = nil
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh

	for _, t := range queue {
		d.drop(t, errors.Closed(t.op, errors.WithKey(t.key)))
	}
	if job != nil {
		job.abort(errors.Closed("connect"))
	}
}

// submit queues a new task at the front, due now, replacing any queued
// task of the same op for the same owner.
func (d *dispatcher) submit(t *task) {
	t.due = time.Now()
	d.push(t, true)
}

func (d *dispatcher) push(t *task, front bool) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.drop(t, errors.Closed(t.op, errors.WithKey(t.key)))
		return
	}
	var replaced []*task
	if front {
		queue := make([]*task, 0, len(d.queue)+1)
		queue = append(queue, t)
		for _, q := range d.queue {
			if t.owner != nil && q.owner == t.owner && q.op == t.op {
				replaced = append(replaced, q)
				continue
			}
			queue = append(queue, q)
		}
		d.queue = queue
	} else {
		d.queue = append(d.queue, t)
	}
	d.mu.Unlock()

	for _, q := range replaced {
		d.drop(q, errSuperseded)
	}
	d.signal()
}

// scheduleReconnect replaces any pending connect attempt.
func (d *dispatcher) scheduleReconnect(delay time.Duration, run func(), abort func(error)) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		abort(errors.Closed("connect"))
		return
	}
	d.reconnect = &reconnectJob{at: time.Now().Add(delay), run: run, abort: abort}
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.doneCh)

	d.safely("restore", d.restore)

	timer := time.NewTimer(d.pollCeiling)
	defer timer.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		d.step(time.Now())

		wait := d.nextWait(time.Now())
		if wait <= 0 {
			continue
		}
		timer.Reset(wait)
		select {
		case <-d.stopCh:
			return
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// step runs one unit of work: a due connect attempt, or else the front
// task if it is due. A pending backup is written first.
func (d *dispatcher) step(now time.Time) {
	d.safely("backup", d.backup)

	d.mu.Lock()
	if job := d.reconnect; job != nil && !job.at.After(now) {
		d.reconnect = nil
		d.mu.Unlock()
		d.safely("reconnect", job.run)
		return
	}
	var t *task
	if len(d.queue) > 0 && !d.queue[0].due.After(now) {
		t = d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
	}
	d.mu.Unlock()

	if t != nil {
		d.execute(t)
	}
}

// nextWait is the time until the next due item, capped by pollCeiling.
func (d *dispatcher) nextWait(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	wait := d.pollCeiling
	if d.reconnect != nil {
		wait = min(wait, d.reconnect.at.Sub(now))
	}
	if len(d.queue) > 0 {
		wait = min(wait, d.queue[0].due.Sub(now))
	}
	return wait
}

func (d *dispatcher) execute(t *task) {
	if !t.live() {
		d.drop(t, errSuperseded)
		return
	}

	_, span := d.tracer.StartTaskSpan(context.Background(), d.name, t.op, t.key, t.attempt+1)
	start := time.Now()
	safeCall(t.op, t.call).OnComplete(func(_ struct{}, err error) {
		telemetry.EndSpan(span, err)
		d.metrics.ObserveTask(t.op, err, time.Since(start))
		if err == nil {
			t.result.Complete(struct{}{})
			return
		}
		d.retry(t, err)
	})
}

// safeCall runs a backend call, turning a panic or a missing future into
// a failed future.
func safeCall(op string, call func() *future.Future[struct{}]) (f *future.Future[struct{}]) {
	defer func() {
		if rec := recover(); rec != nil {
			f = future.Failed[struct{}](errors.RecoverPanic(rec))
		}
	}()
	f = call()
	if f == nil {
		f = future.Failed[struct{}](errors.Internal("backend returned no future", errors.WithOp(op)))
	}
	return f
}

// retry re-queues a failed task at the back, or drops it when the registry
// stopped, the entry moved on or the budget ran out.
func (d *dispatcher) retry(t *task, err error) {
	switch {
	case !d.running():
		d.drop(t, errors.Closed(t.op, errors.WithKey(t.key), errors.WithCause(err)))
	case !t.live():
		d.drop(t, errSuperseded)
	case !t.budget.Allows(t.attempt):
		d.drop(t, errors.RetryExhausted(t.op, t.key, t.attempt+1, err))
	default:
		t.attempt++
		t.due = time.Now().Add(d.retryInterval)
		d.log.TaskRetry(t.op, t.key, t.attempt, d.retryInterval, err)
		d.metrics.TaskRetried(t.op)
		d.push(t, false)
	}
}

func (d *dispatcher) drop(t *task, reason error) {
	d.log.TaskDropped(t.op, t.key, reason.Error())
	d.metrics.TaskDropped(t.op)
	t.result.Fail(reason)
}

// safely runs fn, logging instead of propagating a panic.
func (d *dispatcher) safely(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error("dispatcher_panic", logging.Fields{
				"stage": what,
				"error": errors.RecoverPanic(rec),
			})
		}
	}()
	fn()
}
