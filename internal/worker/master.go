package worker

import (
	"context"
	"fmt"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/pkg/types"
)

// MasterConnection is the worker-side agent managing the relationship to one
// master, including bootstrap at startup. There is no automatic reconnect;
// after a failure the caller must Connect again.
type MasterConnection struct {
	self       types.Endpoint
	tags       []types.Tag
	dispatcher *cluster.Dispatcher
	transport  cluster.Transport
	monitors   *cluster.Monitors
	registry   *cluster.Registry
}

// NewMasterConnection creates the agent. self is this worker's endpoint id
// and tags are presented to the master at connect time.
func NewMasterConnection(self types.Endpoint, tags []types.Tag, d *cluster.Dispatcher, t cluster.Transport, m *cluster.Monitors, r *cluster.Registry) *MasterConnection {
	return &MasterConnection{
		self:       self,
		tags:       tags,
		dispatcher: d,
		transport:  t,
		monitors:   m,
		registry:   r,
	}
}

// Connect establishes the relationship with the given master endpoint.
// Reconnecting to the current master yields ErrAlreadyConnected; a worker
// bound to a different master yields ErrHasMaster.
func (m *MasterConnection) Connect(ctx context.Context, endpoint types.Endpoint) error {
	switch current := m.registry.Master(); {
	case current == endpoint:
		return cluster.ErrAlreadyConnected
	case current != "":
		return cluster.ErrHasMaster
	}

	role, err := m.transport.RoleOf(ctx, endpoint)
	if err != nil {
		return err
	}
	if role != types.RoleMaster {
		return cluster.ErrModeMismatch
	}

	// Watch before the link comes up: a link that dies the moment Join
	// returns must find a monitor to fire.
	m.monitors.Watch(endpoint, types.RoleMaster)

	resp, err := m.transport.Join(ctx, endpoint, &types.JoinRequest{
		Endpoint: m.self,
		Role:     types.RoleWorker,
		Tags:     m.tags,
	})
	if err != nil {
		m.monitors.Cancel(endpoint)
		return err
	}
	if !resp.Accepted {
		m.monitors.Cancel(endpoint)
		return cluster.ErrorFromCode(resp.Code, resp.Reason)
	}

	if err := m.dispatcher.Accept(ctx, endpoint, types.RoleMaster); err != nil {
		m.monitors.Cancel(endpoint)
		m.transport.Leave(endpoint)
		return err
	}
	if !m.monitors.Watching(endpoint) {
		// The monitor fired mid-handshake, before the binding existed; run
		// the cleanup that event would have routed.
		_ = m.dispatcher.Down(ctx, endpoint, types.RoleMaster)
		return &cluster.UnreachableError{Endpoint: endpoint, Err: fmt.Errorf("link lost during join")}
	}
	return nil
}

// Disconnect explicitly tears down the master relationship. The master side
// observes the closure as a remote-down signal for this worker.
func (m *MasterConnection) Disconnect(ctx context.Context) error {
	endpoint := m.registry.Master()
	if endpoint == "" {
		return fmt.Errorf("not connected to a master")
	}
	m.monitors.Cancel(endpoint)
	m.transport.Leave(endpoint)
	return m.dispatcher.Remove(ctx, endpoint, types.RoleMaster)
}

// Master returns the currently bound master endpoint, or "".
func (m *MasterConnection) Master() types.Endpoint {
	return m.registry.Master()
}
