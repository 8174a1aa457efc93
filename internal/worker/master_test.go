package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/internal/master"
	"flowmesh/dataflow-runtime/pkg/types"
)

// workerHarness is a worker runtime attached to a loopback network.
type workerHarness struct {
	endpoint   types.Endpoint
	registry   *cluster.Registry
	notifier   *cluster.Notifier
	monitors   *cluster.Monitors
	dispatcher *cluster.Dispatcher
	conn       *MasterConnection

	masterDownCalls int
}

func newWorkerHarness(t *testing.T, net *cluster.Loopback, endpoint types.Endpoint, tags []types.Tag, shutdownWithMaster bool) *workerHarness {
	t.Helper()

	h := &workerHarness{
		endpoint: endpoint,
		registry: cluster.NewRegistry(),
		notifier: cluster.NewNotifier(),
	}
	h.monitors = cluster.NewMonitors(func(ep types.Endpoint, role types.Role) {
		_ = h.dispatcher.Down(context.Background(), ep, role)
	})
	h.dispatcher = cluster.NewDispatcher(nil)
	t.Cleanup(h.dispatcher.Stop)

	h.dispatcher.Bind(types.RoleMaster, NewMasterPolicy(h.registry, h.notifier, shutdownWithMaster, func() {
		h.masterDownCalls++
	}))

	node := net.AddNode(endpoint, types.RoleWorker, tags, h.dispatcher, h.monitors)
	h.conn = NewMasterConnection(endpoint, tags, h.dispatcher, node, h.monitors, h.registry)
	return h
}

// addMasterNode attaches a master runtime accepting workers.
func addMasterNode(t *testing.T, net *cluster.Loopback, endpoint types.Endpoint) *cluster.Registry {
	t.Helper()

	registry := cluster.NewRegistry()
	notifier := cluster.NewNotifier()
	tagStore := master.NewTagStore()

	var dispatcher *cluster.Dispatcher
	monitors := cluster.NewMonitors(func(ep types.Endpoint, role types.Role) {
		_ = dispatcher.Down(context.Background(), ep, role)
	})
	dispatcher = cluster.NewDispatcher(nil)
	t.Cleanup(dispatcher.Stop)

	dispatcher.Bind(types.RoleWorker, master.NewWorkerPolicy(registry, notifier, tagStore))
	net.AddNode(endpoint, types.RoleMaster, nil, dispatcher, monitors).WithTagSink(tagStore)
	return registry
}

func TestConnectToMaster(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", []types.Tag{"gpu", "ssd"}, false)
	masterRegistry := addMasterNode(t, net, "master:8080")

	up := w.notifier.SubscribeUp()

	require.NoError(t, w.conn.Connect(context.Background(), "master:8080"))
	assert.Equal(t, types.Endpoint("master:8080"), w.conn.Master())
	assert.True(t, w.monitors.Watching("master:8080"))

	event := <-up
	assert.Equal(t, types.EventEndpointUp, event.Type)
	assert.Equal(t, types.Endpoint("master:8080"), event.Endpoint)

	// The master recorded this worker with the tags it presented.
	info, ok := masterRegistry.Get("worker-1:8081")
	require.True(t, ok)
	assert.ElementsMatch(t, []types.Tag{"gpu", "ssd"}, info.Tags)
}

func TestConnectAlreadyConnected(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, false)
	addMasterNode(t, net, "master:8080")

	require.NoError(t, w.conn.Connect(context.Background(), "master:8080"))

	// A worker re-connecting to its current master is told so explicitly.
	err := w.conn.Connect(context.Background(), "master:8080")
	assert.ErrorIs(t, err, cluster.ErrAlreadyConnected)
	assert.Equal(t, types.Endpoint("master:8080"), w.conn.Master())
}

func TestConnectHasMaster(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, false)
	addMasterNode(t, net, "master-1:8080")
	addMasterNode(t, net, "master-2:8090")

	require.NoError(t, w.conn.Connect(context.Background(), "master-1:8080"))

	err := w.conn.Connect(context.Background(), "master-2:8090")
	assert.ErrorIs(t, err, cluster.ErrHasMaster)
	assert.Equal(t, types.Endpoint("master-1:8080"), w.conn.Master())
	assert.Equal(t, 1, w.registry.Count())
}

func TestConnectModeMismatch(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, false)
	newWorkerHarness(t, net, "worker-2:8082", nil, false)

	up := w.notifier.SubscribeUp()

	err := w.conn.Connect(context.Background(), "worker-2:8082")
	assert.ErrorIs(t, err, cluster.ErrModeMismatch)

	// A mismatched endpoint is never registered and never announced.
	assert.Equal(t, types.Endpoint(""), w.conn.Master())
	assert.Equal(t, 0, w.registry.Count())
	select {
	case e := <-up:
		t.Fatalf("unexpected event: %+v", e)
	default:
	}
}

func TestConnectUnreachableMaster(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, false)

	err := w.conn.Connect(context.Background(), "ghost:9999")
	var unreachable *cluster.UnreachableError
	assert.ErrorAs(t, err, &unreachable)
}

func TestDisconnectFromMaster(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, false)
	masterRegistry := addMasterNode(t, net, "master:8080")

	require.NoError(t, w.conn.Connect(context.Background(), "master:8080"))

	down := w.notifier.SubscribeDown()
	require.NoError(t, w.conn.Disconnect(context.Background()))

	assert.Equal(t, types.Endpoint(""), w.conn.Master())
	assert.False(t, w.monitors.Watching("master:8080"))

	event := <-down
	assert.Equal(t, types.Endpoint("master:8080"), event.Endpoint)

	// The master observes the closure as this worker going down.
	assert.Eventually(t, func() bool {
		return !masterRegistry.Connected("worker-1:8081")
	}, time.Second, 10*time.Millisecond)

	// Disconnecting again fails: no master is bound.
	assert.Error(t, w.conn.Disconnect(context.Background()))
}

func TestMasterCrash(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, false)
	addMasterNode(t, net, "master:8080")

	require.NoError(t, w.conn.Connect(context.Background(), "master:8080"))

	down := w.notifier.SubscribeDown()
	net.Kill("master:8080")

	assert.Eventually(t, func() bool {
		return w.conn.Master() == ""
	}, time.Second, 10*time.Millisecond)

	event := <-down
	assert.Equal(t, types.EventEndpointDown, event.Type)
	assert.Equal(t, types.Endpoint("master:8080"), event.Endpoint)

	// Without shutdown-with-master the worker keeps running.
	assert.Equal(t, 0, w.masterDownCalls)
}

func TestMasterCrashShutdownWithMaster(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, true)
	addMasterNode(t, net, "master:8080")

	require.NoError(t, w.conn.Connect(context.Background(), "master:8080"))
	net.Kill("master:8080")

	assert.Eventually(t, func() bool {
		return w.masterDownCalls == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExplicitDisconnectDoesNotShutDown(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, true)
	addMasterNode(t, net, "master:8080")

	require.NoError(t, w.conn.Connect(context.Background(), "master:8080"))
	require.NoError(t, w.conn.Disconnect(context.Background()))

	// Shutdown-with-master reacts to failures only, not to local intent.
	assert.Equal(t, 0, w.masterDownCalls)
}

func TestLateSubscriberSeesNoHistory(t *testing.T) {
	net := cluster.NewLoopback()
	w := newWorkerHarness(t, net, "worker-1:8081", nil, false)
	addMasterNode(t, net, "master:8080")

	require.NoError(t, w.conn.Connect(context.Background(), "master:8080"))

	up := w.notifier.SubscribeUp()
	select {
	case e := <-up:
		t.Fatalf("late subscriber must not see past events, got %+v", e)
	default:
	}
}

// droppedLinkTransport accepts the join but its link dies immediately, so
// the terminal liveness event fires before the handshake finishes.
type droppedLinkTransport struct {
	monitors *cluster.Monitors
}

func (d *droppedLinkTransport) RoleOf(ctx context.Context, endpoint types.Endpoint) (types.Role, error) {
	return types.RoleMaster, nil
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

	var dispatcher *cluster.Dispatcher
	monitors := cluster.NewMonitors(func(ep types.Endpoint, role types.Role) {
		_ = dispatcher.Down(context.Background(), ep, role)
	})
	dispatcher = cluster.NewDispatcher(nil)
	t.Cleanup(dispatcher.Stop)
	dispatcher.Bind(types.RoleMaster, NewMasterPolicy(registry, notifier, false, nil))

	transport := &droppedLinkTransport{monitors: monitors}
	conn := NewMasterConnection("worker-1:8081", nil, dispatcher, transport, monitors, registry)

	err := conn.Connect(context.Background(), "master:8080")
	var unreachable *cluster.UnreachableError
	require.ErrorAs(t, err, &unreachable)

	// Neither a stranded master binding nor a dangling watch survives.
	assert.Equal(t, types.Endpoint(""), registry.Master())
	assert.False(t, monitors.Watching("master:8080"))
}
