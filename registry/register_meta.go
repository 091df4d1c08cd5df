package registry

import (
	"sync/atomic"

	"github.com/vinayprograms/regsync/future"
	"github.com/vinayprograms/regsync/svcurl"
)

// registerMeta is one physical registration shared by every logical
// caller registering the same key.
type registerMeta struct {
	key URLKey

	// refs counts logical registrations. -1 marks an entry that reached
	// zero and is leaving the map; it can no longer be acquired.
	refs atomic.Int64

	// gen numbers register tasks; only the latest may run.
	gen atomic.Uint64

	registered   *future.Future[*svcurl.URL]
	deregistered *future.Future[*svcurl.URL]
}

func newRegisterMeta(key URLKey) *registerMeta {
	return &registerMeta{
		key:          key,
		registered:   future.New[*svcurl.URL](),
		deregistered: future.New[*svcurl.URL](),
	}
}

// acquire adds a reference. Returns false if the entry is retired.
func (m *registerMeta) acquire() bool {
	for {
		n := m.refs.Load()
		if n < 0 {
			return false
		}
		if m.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference. last is true for the caller that took the
// count to zero and thereby retired the entry; ok is false if there was no
// reference to drop.
func (m *registerMeta) release() (last, ok bool) {
	for {
		n := m.refs.Load()
		if n <= 0 {
			return false, false
		}
		if n == 1 {
			if m.refs.CompareAndSwap(1, -1) {
				return true, true
			}
			continue
		}
		if m.refs.CompareAndSwap(n, n-1) {
			return false, true
		}
	}
}

// live reports whether the entry still holds references.
func (m *registerMeta) live() bool {
	return m.refs.Load() > 0
}
