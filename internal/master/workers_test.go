package master

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/internal/worker"
	"flowmesh/dataflow-runtime/pkg/types"
)

// masterHarness is a master runtime attached to a loopback network.
type masterHarness struct {
	endpoint   types.Endpoint
	registry   *cluster.Registry
	notifier   *cluster.Notifier
	monitors   *cluster.Monitors
	dispatcher *cluster.Dispatcher
	tagStore   *TagStore
	workers    *WorkerConnection
}

func newMasterHarness(t *testing.T, net *cluster.Loopback, endpoint types.Endpoint) *masterHarness {
	t.Helper()

	h := &masterHarness{
		endpoint: endpoint,
		registry: cluster.NewRegistry(),
		notifier: cluster.NewNotifier(),
		tagStore: NewTagStore(),
	}
	h.monitors = cluster.NewMonitors(func(ep types.Endpoint, role types.Role) {
		_ = h.dispatcher.Down(context.Background(), ep, role)
	})
	h.dispatcher = cluster.NewDispatcher(nil)
	t.Cleanup(h.dispatcher.Stop)

	h.dispatcher.Bind(types.RoleWorker, NewWorkerPolicy(h.registry, h.notifier, h.tagStore))

	node := net.AddNode(endpoint, types.RoleMaster, nil, h.dispatcher, h.monitors).WithTagSink(h.tagStore)
	h.workers = NewWorkerConnection(endpoint, h.dispatcher, node, h.monitors, h.registry, h.tagStore)
	return h
}

// addWorkerNode attaches a full worker runtime so both halves of the
// handshake run real policies.
func addWorkerNode(t *testing.T, net *cluster.Loopback, endpoint types.Endpoint, tags []types.Tag) *cluster.Registry {
	t.Helper()

	registry := cluster.NewRegistry()
	notifier := cluster.NewNotifier()

	var dispatcher *cluster.Dispatcher
	monitors := cluster.NewMonitors(func(ep types.Endpoint, role types.Role) {
		_ = dispatcher.Down(context.Background(), ep, role)
	})
	dispatcher = cluster.NewDispatcher(nil)
	t.Cleanup(dispatcher.Stop)

	dispatcher.Bind(types.RoleMaster, worker.NewMasterPolicy(registry, notifier, false, nil))
	net.AddNode(endpoint, types.RoleWorker, tags, dispatcher, monitors)
	return registry
}

func TestConnectWorker(t *testing.T) {
	net := cluster.NewLoopback()
	m := newMasterHarness(t, net, "master:8080")
	workerRegistry := addWorkerNode(t, net, "worker-1:8081", []types.Tag{"gpu"})

	up := m.notifier.SubscribeUp()

	require.NoError(t, m.workers.Connect(context.Background(), "worker-1:8081"))

	// Master side: worker recorded with its presented tags.
	info, ok := m.registry.Get("worker-1:8081")
	require.True(t, ok)
	assert.Equal(t, types.RoleWorker, info.Role)
	assert.ElementsMatch(t, []types.Tag{"gpu"}, info.Tags)
	assert.ElementsMatch(t, []types.Endpoint{"worker-1:8081"}, m.registry.Tags().WorkersWith("gpu"))
	assert.True(t, m.monitors.Watching("worker-1:8081"))

	event := <-up
	assert.Equal(t, types.EventEndpointUp, event.Type)
	assert.Equal(t, types.Endpoint("worker-1:8081"), event.Endpoint)

	// Worker side: the master is recorded as its single master.
	assert.Equal(t, types.Endpoint("master:8080"), workerRegistry.Master())
}

func TestConnectWorkerIdempotent(t *testing.T) {
	net := cluster.NewLoopback()
	m := newMasterHarness(t, net, "master:8080")
	addWorkerNode(t, net, "worker-1:8081", nil)

	require.NoError(t, m.workers.Connect(context.Background(), "worker-1:8081"))

	up := m.notifier.SubscribeUp()

	// Reconnecting to a connected worker succeeds without side effects.
	require.NoError(t, m.workers.Connect(context.Background(), "worker-1:8081"))
	assert.Equal(t, 1, m.registry.Count())
	select {
	case e := <-up:
		t.Fatalf("reconnect must not emit events, got %+v", e)
	default:
	}
}

func TestConnectModeMismatch(t *testing.T) {
	net := cluster.NewLoopback()
	m := newMasterHarness(t, net, "master:8080")

	// The target declares itself a master, not a worker.
	newMasterHarness(t, net, "other-master:8090")

	err := m.workers.Connect(context.Background(), "other-master:8090")
	assert.ErrorIs(t, err, cluster.ErrModeMismatch)
	assert.Equal(t, 0, m.registry.Count())
}

func TestConnectUnreachable(t *testing.T) {
	net := cluster.NewLoopback()
	m := newMasterHarness(t, net, "master:8080")

	err := m.workers.Connect(context.Background(), "ghost:9999")
	var unreachable *cluster.UnreachableError
	assert.ErrorAs(t, err, &unreachable)
	assert.Equal(t, types.Endpoint("ghost:9999"), unreachable.Endpoint)
}

func TestConnectManyAggregatesFailures(t *testing.T) {
	net := cluster.NewLoopback()
	m := newMasterHarness(t, net, "master:8080")
	addWorkerNode(t, net, "worker-1:8081", []types.Tag{"gpu"})
	addWorkerNode(t, net, "worker-2:8082", nil)
	newMasterHarness(t, net, "wrong-role:8083")

	err := m.workers.ConnectMany(context.Background(), []types.Endpoint{
		"worker-1:8081", "worker-2:8082", "wrong-role:8083", "ghost:9999",
	})

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	require.Len(t, connectErr.Failures, 2)

	// Failures are reported per endpoint, sorted for stable output.
	assert.Equal(t, types.Endpoint("ghost:9999"), connectErr.Failures[0].Endpoint)
	assert.Equal(t, types.Endpoint("wrong-role:8083"), connectErr.Failures[1].Endpoint)
	assert.ErrorIs(t, connectErr.Failures[1].Err, cluster.ErrModeMismatch)

	// Successful endpoints stay connected; nothing is rolled back.
	assert.True(t, m.registry.Connected("worker-1:8081"))
	assert.True(t, m.registry.Connected("worker-2:8082"))
	assert.Equal(t, 2, m.registry.Count())

	stats := m.workers.Stats()
	assert.Equal(t, int64(4), stats.Attempts)
	assert.Equal(t, int64(2), stats.Failures)
}

func TestConnectManyAllSucceed(t *testing.T) {
	net := cluster.NewLoopback()
	m := newMasterHarness(t, net, "master:8080")
	addWorkerNode(t, net, "worker-1:8081", nil)
	addWorkerNode(t, net, "worker-2:8082", nil)

	require.NoError(t, m.workers.ConnectMany(context.Background(), []types.Endpoint{
		"worker-1:8081", "worker-2:8082",
	}))
	assert.Equal(t, 2, m.registry.Count())

	require.NoError(t, m.workers.ConnectMany(context.Background(), nil))
}

func TestDisconnectWorker(t *testing.T) {
	net := cluster.NewLoopback()
	m := newMasterHarness(t, net, "master:8080")
	workerRegistry := addWorkerNode(t, net, "worker-1:8081", nil)

	require.NoError(t, m.workers.Connect(context.Background(), "worker-1:8081"))

	down := m.notifier.SubscribeDown()
	require.NoError(t, m.workers.Disconnect(context.Background(), "worker-1:8081"))

	assert.False(t, m.registry.Connected("worker-1:8081"))
	assert.False(t, m.monitors.Watching("worker-1:8081"))

	event := <-down
	assert.Equal(t, types.Endpoint("worker-1:8081"), event.Endpoint)

	// The worker observes the closure as its master going down.
	assert.Eventually(t, func() bool {
		return workerRegistry.Master() == ""
	}, time.Second, 10*time.Millisecond)

	// Disconnecting an unknown endpoint fails.
	assert.Error(t, m.workers.Disconnect(context.Background(), "worker-1:8081"))
}

func TestWorkerCrashCleansUp(t *testing.T) {
	net := cluster.NewLoopback()
	m := newMasterHarness(t, net, "master:8080")
	addWorkerNode(t, net, "worker-1:8081", []types.Tag{"gpu"})

	require.NoError(t, m.workers.Connect(context.Background(), "worker-1:8081"))

	down := m.notifier.SubscribeDown()
	net.Kill("worker-1:8081")

	assert.Eventually(t, func() bool {
		return !m.registry.Connected("worker-1:8081")
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, m.registry.Tags().WorkersWith("gpu"))

	event := <-down
	assert.Equal(t, types.EventEndpointDown, event.Type)
	assert.Equal(t, types.Endpoint("worker-1:8081"), event.Endpoint)

	// Exactly one down event per crash.
	select {
	case e := <-down:
		t.Fatalf("unexpected second down event: %+v", e)
	default:
	}
}

// droppedLinkTransport accepts the join but its link dies immediately, so
// the terminal liveness event fires before the handshake finishes.
type droppedLinkTransport struct {
	monitors *cluster.Monitors
}

func (d *droppedLinkTransport) RoleOf(ctx context.Context, endpoint types.Endpoint) (types.Role, error) {
	return types.RoleWorker, nil
}

func (d *droppedLinkTransport) Call(ctx context.Context, endpoint types.Endpoint, req *types.DispatchRequest) (*types.DispatchResponse, error) {
	return nil, &cluster.UnreachableError{Endpoint: endpoint, Err: fmt.Errorf("link down")}
}

func (d *droppedLinkTransport) Join(ctx context.Context, endpoint types.Endpoint, req *types.JoinRequest) (*types.JoinResponse, error) {
	d.monitors.Down(endpoint)
	return &types.JoinResponse{Accepted: true}, nil
}

func (d *droppedLinkTransport) Leave(endpoint types.Endpoint) {}

func TestConnectLinkLostDuringJoin(t *testing.T) {
	registry := cluster.NewRegistry()
	notifier := cluster.NewNotifier()
	tagStore := NewTagStore()

	var dispatcher *cluster.Dispatcher
	monitors := cluster.NewMonitors(func(ep types.Endpoint, role types.Role) {
		_ = dispatcher.Down(context.Background(), ep, role)
	})
	dispatcher = cluster.NewDispatcher(nil)
	t.Cleanup(dispatcher.Stop)
	dispatcher.Bind(types.RoleWorker, NewWorkerPolicy(registry, notifier, tagStore))

	transport := &droppedLinkTransport{monitors: monitors}
	workers := NewWorkerConnection("master:8080", dispatcher, transport, monitors, registry, tagStore)

	err := workers.Connect(context.Background(), "worker-1:8081")
	var unreachable *cluster.UnreachableError
	require.ErrorAs(t, err, &unreachable)

	// Neither a stranded registry record nor a dangling watch survives.
	assert.False(t, registry.Connected("worker-1:8081"))
	assert.False(t, monitors.Watching("worker-1:8081"))
}

func TestTagStorePutTake(t *testing.T) {
	store := NewTagStore()

	store.Put("worker-1:8081", []types.Tag{"gpu"})
	assert.ElementsMatch(t, []types.Tag{"gpu"}, store.Take("worker-1:8081"))

	// Take clears the entry.
	assert.Empty(t, store.Take("worker-1:8081"))
}
