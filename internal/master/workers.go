package master

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/pkg/types"
)

// ConnectFailure records why one candidate endpoint could not be connected.
type ConnectFailure struct {
	Endpoint types.Endpoint
	Err      error
}

// ConnectError aggregates the failures of a bulk connect. Endpoints that
// succeeded stay connected; nothing is rolled back.
type ConnectError struct {
	Failures []ConnectFailure
}

func (e *ConnectError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Endpoint, f.Err)
	}
	return "connect failed for " + strings.Join(parts, ", ")
}

// ConnectStats summarizes connect attempt latencies, in microseconds.
type ConnectStats struct {
	Attempts int64   `json:"attempts"`
	Failures int64   `json:"failures"`
	P50      int64   `json:"p50_us"`
	P95      int64   `json:"p95_us"`
	P99      int64   `json:"p99_us"`
	Max      int64   `json:"max_us"`
	Mean     float64 `json:"mean_us"`
}

// WorkerConnection orchestrates outbound connects from the master to worker
// endpoints: single and bulk, with per-endpoint failure aggregation and a
// latency histogram over all attempts.
type WorkerConnection struct {
	self       types.Endpoint
	dispatcher *cluster.Dispatcher
	transport  cluster.Transport
	monitors   *cluster.Monitors
	registry   *cluster.Registry
	tags       *TagStore

	histMu   sync.Mutex
	hist     *hdrhistogram.Histogram
	attempts int64
	failures int64
}

// NewWorkerConnection creates the orchestrator. self is this master's own
// endpoint id, sent in accept-requests so workers know who is connecting.
func NewWorkerConnection(self types.Endpoint, d *cluster.Dispatcher, t cluster.Transport, m *cluster.Monitors, r *cluster.Registry, tags *TagStore) *WorkerConnection {
	return &WorkerConnection{
		self:       self,
		dispatcher: d,
		transport:  t,
		monitors:   m,
		registry:   r,
		tags:       tags,
		// connect latencies from 1us to 60s at 3 significant digits
		hist: hdrhistogram.New(1, 60_000_000, 3),
	}
}

// Connect establishes a relationship with a single worker endpoint.
// Reconnecting to an already-connected worker is a no-op success.
func (w *WorkerConnection) Connect(ctx context.Context, endpoint types.Endpoint) error {
	start := time.Now()
	err := w.connect(ctx, endpoint)
	w.record(time.Since(start), err)
	return err
}

func (w *WorkerConnection) connect(ctx context.Context, endpoint types.Endpoint) error {
	if w.registry.Connected(endpoint) {
		return nil
	}

	role, err := w.transport.RoleOf(ctx, endpoint)
	if err != nil {
		return err
	}
	if role != types.RoleWorker {
		return cluster.ErrModeMismatch
	}

	// Watch before the link comes up: a link that dies the moment Join
	// returns must find a monitor to fire.
	w.monitors.Watch(endpoint, types.RoleWorker)

	resp, err := w.transport.Join(ctx, endpoint, &types.JoinRequest{
		Endpoint: w.self,
		Role:     types.RoleMaster,
	})
	if err != nil {
		w.monitors.Cancel(endpoint)
		return err
	}
	if !resp.Accepted {
		w.monitors.Cancel(endpoint)
		return cluster.ErrorFromCode(resp.Code, resp.Reason)
	}

	w.tags.Put(endpoint, resp.Tags)
	if err := w.dispatcher.Accept(ctx, endpoint, types.RoleWorker); err != nil {
		w.monitors.Cancel(endpoint)
		w.transport.Leave(endpoint)
		return err
	}
	if !w.monitors.Watching(endpoint) {
		// The monitor fired mid-handshake, before the record existed; run
		// the cleanup that event would have routed.
		_ = w.dispatcher.Down(ctx, endpoint, types.RoleWorker)
		return &cluster.UnreachableError{Endpoint: endpoint, Err: fmt.Errorf("link lost during join")}
	}
	return nil
}

// ConnectMany attempts all candidate endpoints independently and
// concurrently. It returns nil only if every attempt succeeded; otherwise a
// ConnectError listing each failed endpoint with its reason. Successful
// endpoints remain connected either way. Result order is not defined.
func (w *WorkerConnection) ConnectMany(ctx context.Context, endpoints []types.Endpoint) error {
	if len(endpoints) == 0 {
		return nil
	}

	results := make(chan ConnectFailure, len(endpoints))
	var wg sync.WaitGroup
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep types.Endpoint) {
			defer wg.Done()
			if err := w.Connect(ctx, ep); err != nil {
				results <- ConnectFailure{Endpoint: ep, Err: err}
			}
		}(ep)
	}
	wg.Wait()
	close(results)

	var failures []ConnectFailure
	for f := range results {
		failures = append(failures, f)
	}
	if len(failures) == 0 {
		return nil
	}
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].Endpoint < failures[j].Endpoint
	})
	return &ConnectError{Failures: failures}
}

// Disconnect explicitly tears down the relationship with a worker. The
// worker side observes the closure as a remote-down signal.
func (w *WorkerConnection) Disconnect(ctx context.Context, endpoint types.Endpoint) error {
	if !w.registry.Connected(endpoint) {
		return fmt.Errorf("endpoint not connected: %s", endpoint)
	}
	w.monitors.Cancel(endpoint)
	w.transport.Leave(endpoint)
	return w.dispatcher.Remove(ctx, endpoint, types.RoleWorker)
}

func (w *WorkerConnection) record(d time.Duration, err error) {
	w.histMu.Lock()
	defer w.histMu.Unlock()
	w.attempts++
	if err != nil {
		w.failures++
	}
	_ = w.hist.RecordValue(d.Microseconds())
}

// Stats returns a snapshot of connect attempt statistics.
func (w *WorkerConnection) Stats() ConnectStats {
	w.histMu.Lock()
	defer w.histMu.Unlock()
	return ConnectStats{
		Attempts: w.attempts,
		Failures: w.failures,
		P50:      w.hist.ValueAtQuantile(50),
		P95:      w.hist.ValueAtQuantile(95),
		P99:      w.hist.ValueAtQuantile(99),
		Max:      w.hist.Max(),
		Mean:     w.hist.Mean(),
	}
}
