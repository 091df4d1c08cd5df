package registry

import (
	"context"

	"github.com/cenkalti/backoff/v5"

	"github.com/vinayprograms/regsync/errors"
	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/logging"
	"github.com/vinayprograms/regsync/telemetry"
)

// newBackOff builds the delay policy between connect attempts.
func (r *Registry) newBackOff() backoff.BackOff {
	if r.cfg.ReconnectBackoff == BackoffExponential {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.ReconnectDelay
		b.MaxInterval = r.cfg.ReconnectMaxDelay
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(r.cfg.ReconnectDelay)
}

// connect starts a connect sequence for the open cycle identified by epoch.
// result completes once connected, or fails when the budget runs out or
// the registry closes.
func (r *Registry) connect(d *dispatcher, epoch uint64, result *future.Future[struct{}], budget RetryBudget) {
	bo := r.newBackOff()
	d.scheduleReconnect(0,
		func() { r.reconnect(d, epoch, result, 0, budget, bo) },
		func(err error) { result.Fail(err) },
	)
}

// reconnect makes one connect attempt after retries failed ones.
func (r *Registry) reconnect(d *dispatcher, epoch uint64, result *future.Future[struct{}], retries int, budget RetryBudget, bo backoff.BackOff) {
	attempt := retries + 1
	r.log.ReconnectAttempt(attempt)
	_, span := r.tracer.StartConnectSpan(context.Background(), r.cfg.Name, attempt)

	safeCall("connect", r.backend.Connect).OnComplete(func(_ struct{}, err error) {
		telemetry.EndSpan(span, err)
		r.metrics.ConnectAttempt(err)
		r.log.ReconnectResult(attempt, err)

		if err != nil {
			if !r.current(epoch) {
				result.Fail(errors.Closed("connect", errors.WithCause(err)))
				r.backend.Disconnect()
				return
			}
			if !budget.Allows(retries) {
				result.Fail(errors.ConnectFailed(err, attempt))
				return
			}
			delay := bo.NextBackOff()
			if delay < 0 {
				delay = r.cfg.ReconnectDelay
			}
			d.scheduleReconnect(delay,
				func() { r.reconnect(d, epoch, result, retries+1, budget, bo) },
				func(err error) { result.Fail(err) },
			)
			return
		}

		if !r.markConnected(epoch) {
			result.Fail(errors.Closed("connect"))
			r.backend.Disconnect()
			return
		}
		d.signal()
		r.recoverState(d)
		result.Complete(struct{}{})
	})
}

// onDisconnect handles a lost session reported by the backend: the
// registry reconnects with the configured budget and recovers all work.
// It closes itself if the budget runs out.
func (r *Registry) onDisconnect(cause error) {
	r.guard.RLock()
	d := r.dispatcher
	epoch := r.epoch.Load()
	lost := r.state.Load() == stateOpen && r.connected.CompareAndSwap(true, false)
	r.guard.RUnlock()
	if !lost {
		return
	}

	r.log.Warn("disconnected", logging.Fields{"error": cause})
	result := future.New[struct{}]()
	result.OnComplete(func(_ struct{}, err error) {
		if err != nil && !errors.Is(err, errors.ErrCodeClosed) {
			r.log.Error("reconnect_gave_up", logging.Fields{"error": err})
			r.Close()
		}
	})
	r.connect(d, epoch, result, RetryBudget(r.cfg.MaxConnectRetryTimes))
}

// markConnected moves the registry to open if epoch is still the current
// open cycle.
func (r *Registry) markConnected(epoch uint64) bool {
	r.guard.Lock()
	defer r.guard.Unlock()

	if !r.current(epoch) {
		return false
	}
	r.state.Store(stateOpen)
	r.connected.Store(true)
	return true
}

// current reports whether epoch is the live open cycle.
func (r *Registry) current(epoch uint64) bool {
	s := r.state.Load()
	return r.epoch.Load() == epoch && (s == stateOpening || s == stateOpen)
}
