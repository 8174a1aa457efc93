package cluster

import (
	"context"

	"flowmesh/dataflow-runtime/pkg/types"
)

// Transport establishes and tears down links to remote runtimes. The REST
// transport implements it over HTTP + WebSocket; the loopback network
// implements it in-process for tests and standalone mode.
type Transport interface {
	RemoteCaller

	// Join sends the accept-request that opens a relationship with the
	// target. A transport failure returns an UnreachableError; a policy
	// refusal returns a response with Accepted=false and a refusal code.
	// On success the transport keeps a link whose termination feeds the
	// target side's liveness monitors.
	Join(ctx context.Context, endpoint types.Endpoint, req *types.JoinRequest) (*types.JoinResponse, error)

	// Leave closes the link to endpoint. The local side must cancel its
	// monitor first; the remote side observes the closure as a down
	// signal.
	Leave(endpoint types.Endpoint)
}
