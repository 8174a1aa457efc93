package cluster

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flowmesh/dataflow-runtime/pkg/types"
)

// clusterState is the immutable snapshot shared by the Registry and its
// TagIndex. Every mutation builds a new snapshot and publishes it with a
// single pointer swap, so readers of the registry and of the tag index can
// never observe the two diverging.
type clusterState struct {
	conns          map[types.Endpoint]types.ConnInfo
	tagsByEndpoint map[types.Endpoint]map[types.Tag]struct{}
	endpointsByTag map[types.Tag]map[types.Endpoint]struct{}
}

func emptyState() *clusterState {
	return &clusterState{
		conns:          make(map[types.Endpoint]types.ConnInfo),
		tagsByEndpoint: make(map[types.Endpoint]map[types.Tag]struct{}),
		endpointsByTag: make(map[types.Tag]map[types.Endpoint]struct{}),
	}
}

// clone deep-copies the snapshot for copy-on-write mutation.
func (s *clusterState) clone() *clusterState {
	next := &clusterState{
		conns:          make(map[types.Endpoint]types.ConnInfo, len(s.conns)),
		tagsByEndpoint: make(map[types.Endpoint]map[types.Tag]struct{}, len(s.tagsByEndpoint)),
		endpointsByTag: make(map[types.Tag]map[types.Endpoint]struct{}, len(s.endpointsByTag)),
	}
	for ep, info := range s.conns {
		next.conns[ep] = info
	}
	for ep, tags := range s.tagsByEndpoint {
		set := make(map[types.Tag]struct{}, len(tags))
		for t := range tags {
			set[t] = struct{}{}
		}
		next.tagsByEndpoint[ep] = set
	}
	for t, eps := range s.endpointsByTag {
		set := make(map[types.Endpoint]struct{}, len(eps))
		for ep := range eps {
			set[ep] = struct{}{}
		}
		next.endpointsByTag[t] = set
	}
	return next
}

// Registry is the authoritative set of currently connected endpoints. All
// mutations serialize through one mutex; reads are served from an atomic
// snapshot without taking it.
type Registry struct {
	mu    sync.Mutex
	state atomic.Pointer[clusterState]
	tags  *TagIndex
}

// NewRegistry creates an empty registry with its derived tag index.
func NewRegistry() *Registry {
	r := &Registry{}
	r.state.Store(emptyState())
	r.tags = &TagIndex{state: &r.state}
	return r
}

// Tags returns the tag index derived from this registry's connect-time
// metadata.
func (r *Registry) Tags() *TagIndex { return r.tags }

// Add records a connected endpoint with its role and tags. At most one
// record per endpoint may exist.
func (r *Registry) Add(endpoint types.Endpoint, role types.Role, tags []types.Tag) error {
	if endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if _, exists := cur.conns[endpoint]; exists {
		return fmt.Errorf("endpoint already connected: %s", endpoint)
	}

	next := cur.clone()
	next.conns[endpoint] = types.ConnInfo{
		Endpoint:    endpoint,
		Role:        role,
		Tags:        append([]types.Tag(nil), tags...),
		ConnectedAt: time.Now(),
	}
	if len(tags) > 0 {
		set := make(map[types.Tag]struct{}, len(tags))
		for _, t := range tags {
			set[t] = struct{}{}
			eps := next.endpointsByTag[t]
			if eps == nil {
				eps = make(map[types.Endpoint]struct{})
				next.endpointsByTag[t] = eps
			}
			eps[endpoint] = struct{}{}
		}
		next.tagsByEndpoint[endpoint] = set
	}
	r.state.Store(next)
	return nil
}

// Remove deletes the record for endpoint, along with its tag index entries.
func (r *Registry) Remove(endpoint types.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.state.Load()
	if _, exists := cur.conns[endpoint]; !exists {
		return fmt.Errorf("endpoint not connected: %s", endpoint)
	}

	next := cur.clone()
	delete(next.conns, endpoint)
	for t := range next.tagsByEndpoint[endpoint] {
		delete(next.endpointsByTag[t], endpoint)
		if len(next.endpointsByTag[t]) == 0 {
			delete(next.endpointsByTag, t)
		}
	}
	delete(next.tagsByEndpoint, endpoint)
	r.state.Store(next)
	return nil
}

// RemoveAll clears every record. Used at runtime teardown.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Store(emptyState())
}

// All returns the current connection records.
func (r *Registry) All() []types.ConnInfo {
	cur := r.state.Load()
	out := make([]types.ConnInfo, 0, len(cur.conns))
	for _, info := range cur.conns {
		out = append(out, info)
	}
	return out
}

// Connected reports whether endpoint currently has a record.
func (r *Registry) Connected(endpoint types.Endpoint) bool {
	_, ok := r.state.Load().conns[endpoint]
	return ok
}

// Get returns the record for endpoint, if connected.
func (r *Registry) Get(endpoint types.Endpoint) (types.ConnInfo, bool) {
	info, ok := r.state.Load().conns[endpoint]
	return info, ok
}

// Master returns the connected master endpoint, or "" if none.
func (r *Registry) Master() types.Endpoint {
	for ep, info := range r.state.Load().conns {
		if info.Role == types.RoleMaster {
			return ep
		}
	}
	return ""
}

// Workers returns all connected worker endpoints.
func (r *Registry) Workers() []types.Endpoint {
	cur := r.state.Load()
	out := make([]types.Endpoint, 0, len(cur.conns))
	for ep, info := range cur.conns {
		if info.Role == types.RoleWorker {
			out = append(out, ep)
		}
	}
	return out
}

// Count returns the number of connected endpoints.
func (r *Registry) Count() int {
	return len(r.state.Load().conns)
}
