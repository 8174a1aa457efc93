package types

import "time"

// Endpoint identifies a remote runtime participating in the cluster.
// It is an opaque, comparable value (typically host:port) and is passed
// around by value, never owned by a single component.
type Endpoint string

// Role is the declared purpose of an endpoint. It selects which connection
// policy (Handler) governs relationships with endpoints of that role.
type Role string

const (
	// RoleMaster coordinates workflow deployment across workers.
	RoleMaster Role = "master"
	// RoleWorker executes deployed dataflow components.
	RoleWorker Role = "worker"
)

// Valid reports whether the role is non-empty.
func (r Role) Valid() bool { return r != "" }

// Tag is an opaque label attached to a worker endpoint at connect time.
// Tags are immutable for the lifetime of a connection.
type Tag string

// ConnInfo is the registry record for a connected endpoint.
type ConnInfo struct {
	Endpoint    Endpoint  `json:"endpoint"`
	Role        Role      `json:"role"`
	Tags        []Tag     `json:"tags,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ClusterEventType distinguishes join and leave notifications.
type ClusterEventType string

const (
	// EventEndpointUp indicates an endpoint joined the cluster.
	EventEndpointUp ClusterEventType = "endpoint_up"
	// EventEndpointDown indicates an endpoint left or became unreachable.
	EventEndpointDown ClusterEventType = "endpoint_down"
)

// ClusterEvent is delivered to Notifier subscribers on membership changes.
type ClusterEvent struct {
	Type     ClusterEventType
	Endpoint Endpoint
	Tags     []Tag // set for up events only
}
