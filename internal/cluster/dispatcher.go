package cluster

import (
	"context"
	"encoding/json"
	"sync"

	"flowmesh/dataflow-runtime/pkg/types"
)

// Dispatch kinds used by the connection protocol. Any other kind is routed
// to the bound policy's CallHandler.
const (
	KindAccept = "connect.accept"
)

// RemoteCaller performs a single-hop role-addressed request on a remote
// runtime. Implemented by the REST transport in production and by the
// loopback network in tests and standalone mode.
type RemoteCaller interface {
	// RoleOf reads the remote endpoint's declared role without mutating
	// state on either side.
	RoleOf(ctx context.Context, endpoint types.Endpoint) (types.Role, error)

	// Call forwards a dispatch request to the remote runtime and returns
	// its reply, or an UnreachableError.
	Call(ctx context.Context, endpoint types.Endpoint, req *types.DispatchRequest) (*types.DispatchResponse, error)
}

// Dispatcher maps roles to bound handler runtimes and delivers role-addressed
// messages to them, locally or on a remote endpoint.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[types.Role]*HandlerRuntime
	fallback *HandlerRuntime
	remote   RemoteCaller
}

// NewDispatcher creates an empty dispatcher. The remote caller may be nil if
// only local dispatch is needed.
func NewDispatcher(remote RemoteCaller) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[types.Role]*HandlerRuntime),
		remote:   remote,
	}
}

// Bind registers h as the sole handler for role, starting a runtime that owns
// its state. Rebinding replaces the previous binding; the displaced runtime
// is stopped. Last writer wins.
func (d *Dispatcher) Bind(role types.Role, h Handler) *HandlerRuntime {
	rt := NewHandlerRuntime(h)
	d.mu.Lock()
	prev := d.handlers[role]
	d.handlers[role] = rt
	d.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return rt
}

// BindDefault registers h as the fallback handler for roles without a
// specific binding.
func (d *Dispatcher) BindDefault(h Handler) *HandlerRuntime {
	rt := NewHandlerRuntime(h)
	d.mu.Lock()
	prev := d.fallback
	d.fallback = rt
	d.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return rt
}

// Handler returns the runtime bound for role, the default runtime if none,
// or nil.
func (d *Dispatcher) Handler(role types.Role) *HandlerRuntime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if rt, ok := d.handlers[role]; ok {
		return rt
	}
	return d.fallback
}

// Accept delivers an accept-request to the local handler bound for the
// connecting endpoint's role.
func (d *Dispatcher) Accept(ctx context.Context, endpoint types.Endpoint, role types.Role) error {
	rt := d.Handler(role)
	if rt == nil {
		return ErrNoHandler
	}
	return rt.Accept(ctx, endpoint, role)
}

// Remove delivers an explicit-disconnect cleanup to the local handler bound
// for the endpoint's role.
func (d *Dispatcher) Remove(ctx context.Context, endpoint types.Endpoint, role types.Role) error {
	rt := d.Handler(role)
	if rt == nil {
		return ErrNoHandler
	}
	return rt.Remove(ctx, endpoint)
}

// Down delivers a remote-failure cleanup to the local handler bound for the
// endpoint's role.
func (d *Dispatcher) Down(ctx context.Context, endpoint types.Endpoint, role types.Role) error {
	rt := d.Handler(role)
	if rt == nil {
		return ErrNoHandler
	}
	return rt.Down(ctx, endpoint)
}

// Dispatch delivers a generic role-addressed request to the bound local
// handler and returns its reply.
func (d *Dispatcher) Dispatch(ctx context.Context, role types.Role, kind string, data json.RawMessage) (json.RawMessage, error) {
	rt := d.Handler(role)
	if rt == nil {
		return nil, ErrNoHandler
	}
	if kind == KindAccept {
		var req types.JoinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return nil, rt.Accept(ctx, req.Endpoint, req.Role)
	}
	return rt.Call(ctx, kind, data)
}

// DispatchRemote performs the same lookup and delivery on a remote endpoint:
// one forwarded network hop, returning the remote reply or an unreachable
// error.
func (d *Dispatcher) DispatchRemote(ctx context.Context, endpoint types.Endpoint, role types.Role, kind string, data json.RawMessage) (json.RawMessage, error) {
	if d.remote == nil {
		return nil, &UnreachableError{Endpoint: endpoint, Err: ErrNoHandler}
	}
	resp, err := d.remote.Call(ctx, endpoint, &types.DispatchRequest{Role: role, Kind: kind, Data: data})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, ErrorFromCode(resp.Code, resp.Error)
	}
	return resp.Data, nil
}

// Stop terminates every bound handler runtime. Used at runtime teardown and
// between test runs.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for role, rt := range d.handlers {
		rt.Stop()
		delete(d.handlers, role)
	}
	if d.fallback != nil {
		d.fallback.Stop()
		d.fallback = nil
	}
}
