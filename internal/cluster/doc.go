// Package cluster implements membership and mode-based remote dispatch for
// the dataflow runtime: the handler policy contract, the role dispatcher,
// the connection registry with its tag index, join/leave notifications, and
// one-shot liveness monitors.
package cluster
