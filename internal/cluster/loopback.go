package cluster

import (
	"context"
	"fmt"
	"sync"

	"flowmesh/dataflow-runtime/pkg/types"
)

// Loopback is an in-process network of runtimes. It backs standalone mode
// and lets tests run the full connect protocol without sockets.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[types.Endpoint]*LoopbackNode
}

// NewLoopback creates an empty in-process network.
func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[types.Endpoint]*LoopbackNode)}
}

// TagSink receives the tags an initiator presented, before the accept
// dispatch runs, so the accepting policy can fetch them.
type TagSink interface {
	Put(endpoint types.Endpoint, tags []types.Tag)
}

// LoopbackNode is one runtime attached to a Loopback network. It implements
// Transport for outbound operations from that runtime.
type LoopbackNode struct {
	net        *Loopback
	endpoint   types.Endpoint
	role       types.Role
	tags       []types.Tag
	dispatcher *Dispatcher
	monitors   *Monitors
	tagSink    TagSink

	mu   sync.Mutex
	dead bool
}

// WithTagSink wires the sink presented tags are stashed into on inbound
// joins. Returns the node for chaining.
func (n *LoopbackNode) WithTagSink(s TagSink) *LoopbackNode {
	n.tagSink = s
	return n
}

// AddNode attaches a runtime to the network under its endpoint id.
func (l *Loopback) AddNode(endpoint types.Endpoint, role types.Role, tags []types.Tag, d *Dispatcher, m *Monitors) *LoopbackNode {
	node := &LoopbackNode{
		net:        l,
		endpoint:   endpoint,
		role:       role,
		tags:       tags,
		dispatcher: d,
		monitors:   m,
	}
	l.mu.Lock()
	l.nodes[endpoint] = node
	l.mu.Unlock()
	return node
}

// Kill simulates the crash of endpoint: it becomes unreachable and every
// runtime monitoring it receives the terminal liveness event.
func (l *Loopback) Kill(endpoint types.Endpoint) {
	l.mu.RLock()
	target := l.nodes[endpoint]
	peers := make([]*LoopbackNode, 0, len(l.nodes))
	for ep, node := range l.nodes {
		if ep != endpoint {
			peers = append(peers, node)
		}
	}
	l.mu.RUnlock()

	if target != nil {
		target.mu.Lock()
		target.dead = true
		target.mu.Unlock()
	}
	for _, peer := range peers {
		peer.monitors.Down(endpoint)
	}
}

func (l *Loopback) node(endpoint types.Endpoint) (*LoopbackNode, error) {
	l.mu.RLock()
	node := l.nodes[endpoint]
	l.mu.RUnlock()
	if node == nil {
		return nil, &UnreachableError{Endpoint: endpoint, Err: fmt.Errorf("no such node")}
	}
	node.mu.Lock()
	dead := node.dead
	node.mu.Unlock()
	if dead {
		return nil, &UnreachableError{Endpoint: endpoint, Err: fmt.Errorf("node down")}
	}
	return node, nil
}

// RoleOf reads the declared role of a remote node without mutating state.
func (n *LoopbackNode) RoleOf(ctx context.Context, endpoint types.Endpoint) (types.Role, error) {
	target, err := n.net.node(endpoint)
	if err != nil {
		return "", err
	}
	return target.role, nil
}

// Call forwards a dispatch request to the remote node's dispatcher.
func (n *LoopbackNode) Call(ctx context.Context, endpoint types.Endpoint, req *types.DispatchRequest) (*types.DispatchResponse, error) {
	target, err := n.net.node(endpoint)
	if err != nil {
		return nil, err
	}
	data, derr := target.dispatcher.Dispatch(ctx, req.Role, req.Kind, req.Data)
	if derr != nil {
		return &types.DispatchResponse{Code: ErrorCode(derr), Error: derr.Error()}, nil
	}
	return &types.DispatchResponse{Data: data}, nil
}

// Join delivers the accept-request to the remote node's bound handler and,
// on acceptance, installs the remote side's liveness monitor on the caller.
func (n *LoopbackNode) Join(ctx context.Context, endpoint types.Endpoint, req *types.JoinRequest) (*types.JoinResponse, error) {
	target, err := n.net.node(endpoint)
	if err != nil {
		return nil, err
	}
	if target.tagSink != nil {
		target.tagSink.Put(req.Endpoint, req.Tags)
	}
	if aerr := target.dispatcher.Accept(ctx, req.Endpoint, req.Role); aerr != nil {
		return &types.JoinResponse{
			Accepted: false,
			Code:     ErrorCode(aerr),
			Reason:   aerr.Error(),
		}, nil
	}
	target.monitors.Watch(req.Endpoint, req.Role)
	return &types.JoinResponse{Accepted: true, Tags: target.tags}, nil
}

// Leave closes the link to endpoint; the remote side observes it as a down
// signal for the caller.
func (n *LoopbackNode) Leave(endpoint types.Endpoint) {
	target, err := n.net.node(endpoint)
	if err != nil {
		return
	}
	target.monitors.Down(n.endpoint)
}
