package registry

import (
	"maps"
	"sync"
	"sync/atomic"
)

// configMeta is the config state of one config key.
type configMeta struct {
	key URLKey
	env metaEnv

	// ready gates publishing. It defaults to always ready and exists for
	// merging several config sources into one view.
	ready func() bool

	subscribed atomic.Bool
	gen        atomic.Uint64

	mu          sync.Mutex
	initialized bool
	version     int64
	full        bool
	announced   bool
	datum       map[string]string
	pub         publisher[ConfigHandler]
	retired     bool
}

func newConfigMeta(key URLKey, env metaEnv) *configMeta {
	return &configMeta{
		key:   key,
		env:   env,
		ready: func() bool { return true },
		pub:   publisher[ConfigHandler]{key: key.Key, log: env.log},
	}
}

// HandleConfig merges a backend event into the config map and publishes
// once the map is full.
func (m *configMeta) HandleConfig(ev ConfigEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired {
		return
	}

	switch {
	case !m.initialized:
		m.initialized = true
		m.datum = cloneDatum(ev.Datum)
		m.version = ev.Version
		m.full = ev.Type == UpdateFull

	case ev.Version <= m.version:
		if ev.Type != UpdateFull || m.full {
			return
		}
		// Late full snapshot: use it as a base under the newer partial map.
		merged := cloneDatum(ev.Datum)
		maps.Copy(merged, m.datum)
		m.datum = merged
		m.full = true

	case ev.Type == UpdateFull:
		m.datum = cloneDatum(ev.Datum)
		m.version = ev.Version
		m.full = true

	default:
		next := cloneDatum(m.datum)
		switch ev.Type {
		case UpdateClear:
			clear(next)
		case UpdateDelete:
			for k := range ev.Datum {
				delete(next, k)
			}
		default:
			maps.Copy(next, ev.Datum)
		}
		m.datum = next
		m.version = ev.Version
	}

	m.publish(ev)
	m.env.dirty()
}

// publish sends FULL on the first publish and for full replacements,
// otherwise the incremental event as received. Caller holds mu.
func (m *configMeta) publish(ev ConfigEvent) {
	if !m.full || !m.ready() {
		return
	}
	out := ev
	if !m.announced || ev.Type == UpdateFull {
		out = m.fullEvent()
		m.announced = true
	}
	m.pub.broadcast(func(h ConfigHandler) { h.HandleConfig(out) })
}

// fullEvent copies the current map into a FULL event. Caller holds mu.
func (m *configMeta) fullEvent() ConfigEvent {
	return ConfigEvent{Type: UpdateFull, Version: m.version, Datum: cloneDatum(m.datum)}
}

// addHandler attaches h and replays the full map to it if one is held.
// Returns false if the meta was retired and must be replaced.
func (m *configMeta) addHandler(h ConfigHandler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired {
		return false
	}
	if !m.pub.add(h) {
		return true
	}
	if m.full && m.ready() {
		ev := m.fullEvent()
		m.pub.deliver(h, func(h ConfigHandler) { h.HandleConfig(ev) })
	}
	return true
}

// removeHandler detaches h. The meta retires when its last handler goes.
func (m *configMeta) removeHandler(h ConfigHandler) (removed, retired bool) {
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

func (m *configMeta) retire() {
	m.mu.Lock()
	m.retired = true
	m.mu.Unlock()
}

// snapshot returns a copy of the map, its version and whether it is full.
func (m *configMeta) snapshot() (map[string]string, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDatum(m.datum), m.version, m.full
}

// backupDatum returns the map for a backup, or false if it is not full.
func (m *configMeta) backupDatum() (map[string]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return nil, false
	}
	return cloneDatum(m.datum), true
}

func cloneDatum(d map[string]string) map[string]string {
	out := make(map[string]string, len(d))
	maps.Copy(out, d)
	return out
}
