// Package master implements the master side of cluster membership: the
// connection policy governing worker endpoints and the orchestrator that
// issues concurrent outbound connects to many candidate workers.
package master

import (
	"sync"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

// TagStore holds the tags presented by workers at connect time so the accept
// callback can fetch them as an auxiliary lookup.
type TagStore struct {
	mu   sync.Mutex
	tags map[types.Endpoint][]types.Tag
}

// NewTagStore creates an empty tag store.
func NewTagStore() *TagStore {
	return &TagStore{tags: make(map[types.Endpoint][]types.Tag)}
}

// Put records the tags a worker presented.
func (s *TagStore) Put(endpoint types.Endpoint, tags []types.Tag) {
	s.mu.Lock()
	s.tags[endpoint] = append([]types.Tag(nil), tags...)
	s.mu.Unlock()
}

// Take returns and clears the tags recorded for endpoint.
func (s *TagStore) Take(endpoint types.Endpoint) []types.Tag {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := s.tags[endpoint]
	delete(s.tags, endpoint)
	return tags
}

// WorkerPolicy is the master's connection policy for worker endpoints. Its
// state tracks the workers it has accepted; the registry and notifier are
// updated as connections come and go.
type WorkerPolicy struct {
	registry *cluster.Registry
	notifier *cluster.Notifier
	tags     *TagStore
}

// NewWorkerPolicy creates the policy bound to the given services.
func NewWorkerPolicy(registry *cluster.Registry, notifier *cluster.Notifier, tags *TagStore) *WorkerPolicy {
	return &WorkerPolicy{registry: registry, notifier: notifier, tags: tags}
}

type workerPolicyState struct {
	workers map[types.Endpoint]struct{}
}

// Init produces the initial policy state.
func (p *WorkerPolicy) Init() cluster.HandlerState {
	return &workerPolicyState{workers: make(map[types.Endpoint]struct{})}
}

// AcceptConnection admits a worker endpoint. Accepting a worker that is
// already connected is a no-op success: the master holds many workers and a
// repeated handshake must not disturb existing state.
func (p *WorkerPolicy) AcceptConnection(endpoint types.Endpoint, role types.Role, state cluster.HandlerState) (cluster.HandlerState, error) {
	st := state.(*workerPolicyState)
	if role != types.RoleWorker {
		return st, cluster.ErrModeMismatch
	}
	if _, ok := st.workers[endpoint]; ok {
		return st, nil
	}

	tags := p.tags.Take(endpoint)
	if err := p.registry.Add(endpoint, types.RoleWorker, tags); err != nil {
		return st, &cluster.RejectedError{Reason: err.Error()}
	}
	st.workers[endpoint] = struct{}{}
	p.notifier.NotifyUp(endpoint, tags)
	logger.Info("master: worker connected", "endpoint", endpoint, "tags", tags)
	return st, nil
}

// RemoveConnection cleans up after an explicit, locally initiated disconnect
// of a worker.
func (p *WorkerPolicy) RemoveConnection(endpoint types.Endpoint, state cluster.HandlerState) cluster.HandlerState {
	st := state.(*workerPolicyState)
	if _, ok := st.workers[endpoint]; !ok {
		return st
	}
	delete(st.workers, endpoint)
	if err := p.registry.Remove(endpoint); err == nil {
		p.notifier.NotifyDown(endpoint)
	}
	logger.Info("master: worker disconnected", "endpoint", endpoint)
	return st
}

// RemoteDown cleans up after a worker became unreachable.
func (p *WorkerPolicy) RemoteDown(endpoint types.Endpoint, state cluster.HandlerState) cluster.HandlerState {
	st := state.(*workerPolicyState)
	if _, ok := st.workers[endpoint]; !ok {
		return st
	}
	delete(st.workers, endpoint)
	if err := p.registry.Remove(endpoint); err == nil {
		p.notifier.NotifyDown(endpoint)
	}
	logger.Warn("master: worker down", "endpoint", endpoint)
	return st
}
