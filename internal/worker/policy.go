// Package worker implements the worker side of cluster membership: the
// connection policy governing the single master relationship and the agent
// that bootstraps and maintains it.
package worker

import (
	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

// MasterPolicy is the worker's connection policy for master endpoints. A
// worker holds at most one master; a second master is refused with
// has_master while a repeated handshake from the current master succeeds as
// a no-op so the master's bulk reconnect stays idempotent.
type MasterPolicy struct {
	registry *cluster.Registry
	notifier *cluster.Notifier

	shutdownWithMaster bool
	onMasterDown       func()
}

// NewMasterPolicy creates the policy bound to the given services. When
// shutdownWithMaster is set, onMasterDown runs after the master is detected
// as unreachable (not on explicit disconnects).
func NewMasterPolicy(registry *cluster.Registry, notifier *cluster.Notifier, shutdownWithMaster bool, onMasterDown func()) *MasterPolicy {
	return &MasterPolicy{
		registry:           registry,
		notifier:           notifier,
		shutdownWithMaster: shutdownWithMaster,
		onMasterDown:       onMasterDown,
	}
}

type masterPolicyState struct {
	master types.Endpoint
}

// Init produces the initial policy state with no master bound.
func (p *MasterPolicy) Init() cluster.HandlerState {
	return &masterPolicyState{}
}

// AcceptConnection binds a master endpoint.
func (p *MasterPolicy) AcceptConnection(endpoint types.Endpoint, role types.Role, state cluster.HandlerState) (cluster.HandlerState, error) {
	st := state.(*masterPolicyState)
	if role != types.RoleMaster {
		return st, cluster.ErrModeMismatch
	}
	if st.master == endpoint {
		return st, nil
	}
	if st.master != "" {
		return st, cluster.ErrHasMaster
	}

	if err := p.registry.Add(endpoint, types.RoleMaster, nil); err != nil {
		return st, &cluster.RejectedError{Reason: err.Error()}
	}
	st.master = endpoint
	p.notifier.NotifyUp(endpoint, nil)
	logger.Info("worker: master connected", "endpoint", endpoint)
	return st, nil
}

// RemoveConnection clears the master binding after an explicit, locally
// initiated disconnect.
func (p *MasterPolicy) RemoveConnection(endpoint types.Endpoint, state cluster.HandlerState) cluster.HandlerState {
	st := state.(*masterPolicyState)
	if st.master != endpoint {
		return st
	}
	st.master = ""
	if err := p.registry.Remove(endpoint); err == nil {
		p.notifier.NotifyDown(endpoint)
	}
	logger.Info("worker: master disconnected", "endpoint", endpoint)
	return st
}

// RemoteDown clears the master binding after the master became unreachable
// and applies the shutdown-with-master policy if configured.
func (p *MasterPolicy) RemoteDown(endpoint types.Endpoint, state cluster.HandlerState) cluster.HandlerState {
	st := state.(*masterPolicyState)
	if st.master != endpoint {
		return st
	}
	st.master = ""
	if err := p.registry.Remove(endpoint); err == nil {
		p.notifier.NotifyDown(endpoint)
	}
	logger.Warn("worker: master down", "endpoint", endpoint)
	if p.shutdownWithMaster && p.onMasterDown != nil {
		p.onMasterDown()
	}
	return st
}
