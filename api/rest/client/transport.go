// Package client implements the outbound side of runtime-to-runtime
// communication: role probes and dispatch calls over HTTP, plus the
// persistent WebSocket link that carries the join handshake and heartbeats.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/fasthttp"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

// Config holds the transport configuration.
type Config struct {
	// RequestTimeout bounds each HTTP request and the join handshake.
	RequestTimeout time.Duration

	// HeartbeatInterval is how often a heartbeat is pushed on each link.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns a default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout:    10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// Transport reaches peer runtimes addressed by their endpoint id
// (host:port). It implements the cluster Transport contract: RoleOf and Call
// ride plain HTTP, Join opens a WebSocket link that stays up until Leave or
// failure. There is no automatic reconnect; a broken link surfaces as a down
// signal and the owner decides whether to connect again.
type Transport struct {
	self     types.Endpoint
	monitors *cluster.Monitors
	config   *Config
	http     *fasthttp.Client

	mu    sync.Mutex
	links map[types.Endpoint]*wsLink
}

// NewTransport creates the transport for the runtime identified by self.
// Broken links are reported through monitors.
func NewTransport(self types.Endpoint, monitors *cluster.Monitors, config *Config) *Transport {
	if config == nil {
		config = DefaultConfig()
	}
	return &Transport{
		self:     self,
		monitors: monitors,
		config:   config,
		http: &fasthttp.Client{
			ReadTimeout:  config.RequestTimeout,
			WriteTimeout: config.RequestTimeout,
		},
		links: make(map[types.Endpoint]*wsLink),
	}
}

// RoleOf reads the remote endpoint's declared role. The probe mutates no
// state on either side.
func (t *Transport) RoleOf(ctx context.Context, endpoint types.Endpoint) (types.Role, error) {
	var resp types.RoleResponse
	if err := t.getJSON(endpoint, "/api/v1/role", &resp); err != nil {
		return "", &cluster.UnreachableError{Endpoint: endpoint, Err: err}
	}
	return resp.Role, nil
}

// Call forwards a role-addressed dispatch request and returns the remote
// reply.
func (t *Transport) Call(ctx context.Context, endpoint types.Endpoint, req *types.DispatchRequest) (*types.DispatchResponse, error) {
	var resp types.DispatchResponse
	if err := t.postJSON(endpoint, "/api/v1/dispatch", req, &resp); err != nil {
		return nil, &cluster.UnreachableError{Endpoint: endpoint, Err: err}
	}
	return &resp, nil
}

// Join opens the WebSocket link to endpoint and runs the join handshake as
// its first frame. A refusal comes back in the response, not as an error; the
// link is kept only when the peer accepted.
func (t *Transport) Join(ctx context.Context, endpoint types.Endpoint, req *types.JoinRequest) (*types.JoinResponse, error) {
	wsURL := "ws://" + string(endpoint) + "/api/v1/cluster-ws"

	dialer := websocket.Dialer{
		HandshakeTimeout: t.config.RequestTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, &cluster.UnreachableError{Endpoint: endpoint, Err: err}
	}

	joinData, _ := json.Marshal(req)
	if err := ws.WriteJSON(&types.WSMessage{Type: types.WSMsgJoin, Data: joinData}); err != nil {
		ws.Close()
		return nil, &cluster.UnreachableError{Endpoint: endpoint, Err: err}
	}

	_ = ws.SetReadDeadline(time.Now().Add(t.config.RequestTimeout))
	var ackMsg types.WSMessage
	if err := ws.ReadJSON(&ackMsg); err != nil {
		ws.Close()
		return nil, &cluster.UnreachableError{Endpoint: endpoint, Err: err}
	}
	_ = ws.SetReadDeadline(time.Time{})

	if ackMsg.Type != types.WSMsgJoinAck {
		ws.Close()
		return nil, &cluster.UnreachableError{Endpoint: endpoint, Err: fmt.Errorf("unexpected ack type: %s", ackMsg.Type)}
	}
	var resp types.JoinResponse
	if err := json.Unmarshal(ackMsg.Data, &resp); err != nil {
		ws.Close()
		return nil, &cluster.UnreachableError{Endpoint: endpoint, Err: err}
	}
	if !resp.Accepted {
		ws.Close()
		return &resp, nil
	}

	link := &wsLink{
		endpoint:  endpoint,
		conn:      ws,
		send:      make(chan []byte, 64),
		done:      make(chan struct{}),
		transport: t,
	}

	t.mu.Lock()
	if old, ok := t.links[endpoint]; ok {
		old.leaving.Store(true)
		old.close()
	}
	t.links[endpoint] = link
	t.mu.Unlock()

	go link.writePump()
	go link.readPump()
	go link.heartbeatPump(t.config.HeartbeatInterval)

	return &resp, nil
}

// Leave closes the link to endpoint without a down signal on this side. The
// peer observes the closure as a remote-down for this runtime.
func (t *Transport) Leave(endpoint types.Endpoint) {
	t.mu.Lock()
	link, ok := t.links[endpoint]
	if ok {
		delete(t.links, endpoint)
	}
	t.mu.Unlock()
	if ok {
		link.leaving.Store(true)
		link.close()
	}
}

// Close tears down every link without down signals. Used at shutdown.
func (t *Transport) Close() {
	t.mu.Lock()
	links := t.links
	t.links = make(map[types.Endpoint]*wsLink)
	t.mu.Unlock()
	for _, link := range links {
		link.leaving.Store(true)
		link.close()
	}
}

func (t *Transport) removeLink(link *wsLink) {
	t.mu.Lock()
	if cur, ok := t.links[link.endpoint]; ok && cur == link {
		delete(t.links, link.endpoint)
	}
	t.mu.Unlock()
}

func (t *Transport) getJSON(endpoint types.Endpoint, path string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://" + string(endpoint) + path)
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := t.http.DoTimeout(req, resp, t.config.RequestTimeout); err != nil {
		return err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return json.Unmarshal(resp.Body(), out)
}

func (t *Transport) postJSON(endpoint types.Endpoint, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://" + string(endpoint) + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := t.http.DoTimeout(req, resp, t.config.RequestTimeout); err != nil {
		return err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return json.Unmarshal(resp.Body(), out)
}

// ─── link pumps ─────────────────────────────────────────────────────────────

// wsLink is one persistent connection to a peer runtime.
type wsLink struct {
	endpoint  types.Endpoint
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	once      sync.Once
	transport *Transport

	// leaving is set on explicit teardown so the read pump's exit does not
	// signal the peer as down.
	leaving atomic.Bool
}

func (l *wsLink) readPump() {
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			break
		}

		var msg types.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Error("ws: invalid message", "endpoint", l.endpoint, "err", err)
			continue
		}

		switch msg.Type {
		case types.WSMsgPing:
			l.sendMsg(types.WSMsgPong, nil)
		}
	}

	l.transport.removeLink(l)
	l.close()
	if !l.leaving.Load() {
		logger.Warn("ws: link to peer lost", "endpoint", l.endpoint)
		l.transport.monitors.Down(l.endpoint)
	}
}

func (l *wsLink) writePump() {
	for {
		select {
		case data, ok := <-l.send:
			if !ok {
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

func (l *wsLink) heartbeatPump(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hb := &types.HeartbeatRequest{
				Endpoint:  l.transport.self,
				Timestamp: time.Now().UnixMilli(),
			}
			if err := l.sendMsg(types.WSMsgHeartbeat, hb); err != nil {
				logger.Debug("ws: heartbeat not sent", "endpoint", l.endpoint, "err", err)
			}
		case <-l.done:
			return
		}
	}
}

func (l *wsLink) sendMsg(msgType types.WSMessageType, payload any) error {
	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	envelope, err := json.Marshal(&types.WSMessage{Type: msgType, Data: data})
	if err != nil {
		return err
	}

	select {
	case l.send <- envelope:
		return nil
	default:
		return fmt.Errorf("ws send buffer full")
	}
}

func (l *wsLink) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.conn.Close()
	})
}
