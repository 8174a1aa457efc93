package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"flowmesh/dataflow-runtime/pkg/types"
)

// HandlerState is the policy-defined state owned by one handler runtime.
// It is only ever read or written inside handler callbacks.
type HandlerState any

// Handler is the connection policy for endpoints of one role. A concrete
// policy decides whether relationships are allowed and cleans up after them.
//
// AcceptConnection runs for inbound handshake requests and for the symmetric
// local-initiation path. RemoveConnection runs after an explicit, locally
// initiated disconnect; RemoteDown after the counterpart became unreachable.
type Handler interface {
	Init() HandlerState
	AcceptConnection(endpoint types.Endpoint, role types.Role, state HandlerState) (HandlerState, error)
	RemoveConnection(endpoint types.Endpoint, state HandlerState) HandlerState
	RemoteDown(endpoint types.Endpoint, state HandlerState) HandlerState
}

// CallHandler is optionally implemented by policies that answer generic
// role-addressed requests beyond the connection protocol.
type CallHandler interface {
	HandleCall(kind string, data json.RawMessage, state HandlerState) (json.RawMessage, HandlerState, error)
}

// HandlerRuntime owns one Handler instance and its state. All callbacks are
// serialized through a single goroutine, so policy state is never accessed
// concurrently.
type HandlerRuntime struct {
	handler  Handler
	requests chan runtimeRequest
	done     chan struct{}
}

type runtimeRequest struct {
	apply func(state HandlerState) (HandlerState, any, error)
	reply chan runtimeReply
}

type runtimeReply struct {
	value any
	err   error
}

// NewHandlerRuntime starts a runtime for the given policy. The policy's Init
// produces the initial state.
func NewHandlerRuntime(h Handler) *HandlerRuntime {
	rt := &HandlerRuntime{
		handler:  h,
		requests: make(chan runtimeRequest),
		done:     make(chan struct{}),
	}
	go rt.loop()
	return rt
}

func (rt *HandlerRuntime) loop() {
	state := rt.handler.Init()
	for {
		select {
		case req := <-rt.requests:
			next, value, err := req.apply(state)
			state = next
			req.reply <- runtimeReply{value: value, err: err}
		case <-rt.done:
			return
		}
	}
}

// Stop terminates the runtime goroutine. Pending callers receive an error.
func (rt *HandlerRuntime) Stop() {
	select {
	case <-rt.done:
	default:
		close(rt.done)
	}
}

func (rt *HandlerRuntime) do(ctx context.Context, apply func(HandlerState) (HandlerState, any, error)) (any, error) {
	req := runtimeRequest{apply: apply, reply: make(chan runtimeReply, 1)}
	select {
	case rt.requests <- req:
	case <-rt.done:
		return nil, fmt.Errorf("handler runtime stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep.value, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept runs the policy's AcceptConnection for the given endpoint.
func (rt *HandlerRuntime) Accept(ctx context.Context, endpoint types.Endpoint, role types.Role) error {
	_, err := rt.do(ctx, func(st HandlerState) (HandlerState, any, error) {
		next, err := rt.handler.AcceptConnection(endpoint, role, st)
		return next, nil, err
	})
	return err
}

// Remove runs the policy's RemoveConnection for the given endpoint.
func (rt *HandlerRuntime) Remove(ctx context.Context, endpoint types.Endpoint) error {
	_, err := rt.do(ctx, func(st HandlerState) (HandlerState, any, error) {
		return rt.handler.RemoveConnection(endpoint, st), nil, nil
	})
	return err
}

// Down runs the policy's RemoteDown for the given endpoint.
func (rt *HandlerRuntime) Down(ctx context.Context, endpoint types.Endpoint) error {
	_, err := rt.do(ctx, func(st HandlerState) (HandlerState, any, error) {
		return rt.handler.RemoteDown(endpoint, st), nil, nil
	})
	return err
}

// Call delivers a generic request to the policy, if it implements CallHandler.
func (rt *HandlerRuntime) Call(ctx context.Context, kind string, data json.RawMessage) (json.RawMessage, error) {
	ch, ok := rt.handler.(CallHandler)
	if !ok {
		return nil, fmt.Errorf("handler does not accept %q calls", kind)
	}
	value, err := rt.do(ctx, func(st HandlerState) (HandlerState, any, error) {
		reply, next, err := ch.HandleCall(kind, data, st)
		return next, reply, err
	})
	if err != nil {
		return nil, err
	}
	reply, _ := value.(json.RawMessage)
	return reply, nil
}
