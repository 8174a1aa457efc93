package cluster

import (
	"sync"

	"flowmesh/dataflow-runtime/pkg/types"
)

// DownFunc reacts to the terminal event of a monitored endpoint. Wired to
// Dispatcher.Down by the runtime assembly so policy cleanup runs on failure.
type DownFunc func(endpoint types.Endpoint, role types.Role)

// Monitor is a cancellable per-endpoint liveness subscription. C receives at
// most one value, when the monitored endpoint exits or becomes unreachable.
type Monitor struct {
	C        <-chan struct{}
	endpoint types.Endpoint
}

// Endpoint returns the monitored endpoint.
func (m *Monitor) Endpoint() types.Endpoint { return m.endpoint }

// Monitors tracks liveness subscriptions for connected endpoints. The
// transport signals termination via Down; explicit disconnects cancel the
// watch instead so no terminal event fires.
type Monitors struct {
	mu      sync.Mutex
	watches map[types.Endpoint]*watchEntry
	onDown  DownFunc
}

type watchEntry struct {
	role  types.Role
	chans []chan struct{}
}

// NewMonitors creates a monitor table. onDown may be nil.
func NewMonitors(onDown DownFunc) *Monitors {
	return &Monitors{
		watches: make(map[types.Endpoint]*watchEntry),
		onDown:  onDown,
	}
}

// Watch installs a liveness monitor on endpoint. The endpoint's role is
// recorded so the down callback can route cleanup to the right policy.
func (m *Monitors) Watch(endpoint types.Endpoint, role types.Role) *Monitor {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	entry := m.watches[endpoint]
	if entry == nil {
		entry = &watchEntry{role: role}
		m.watches[endpoint] = entry
	}
	entry.chans = append(entry.chans, ch)
	m.mu.Unlock()
	return &Monitor{C: ch, endpoint: endpoint}
}

// Watching reports whether endpoint has an active monitor.
func (m *Monitors) Watching(endpoint types.Endpoint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[endpoint]
	return ok
}

// Cancel removes the monitors on endpoint without delivering an event.
// Used on explicit, locally initiated disconnects.
func (m *Monitors) Cancel(endpoint types.Endpoint) {
	m.mu.Lock()
	delete(m.watches, endpoint)
	m.mu.Unlock()
}

// Down delivers the terminal event for endpoint: every watcher receives one
// value and the down callback runs once. Subsequent calls for the same
// endpoint are no-ops until it is watched again. Returns whether a monitor
// fired.
func (m *Monitors) Down(endpoint types.Endpoint) bool {
	m.mu.Lock()
	entry, ok := m.watches[endpoint]
	delete(m.watches, endpoint)
	m.mu.Unlock()
	if !ok {
		return false
	}

	for _, ch := range entry.chans {
		ch <- struct{}{}
		close(ch)
	}
	if m.onDown != nil {
		m.onDown(endpoint, entry.role)
	}
	return true
}
