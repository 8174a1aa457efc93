package rest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/pkg/logger"
	"flowmesh/dataflow-runtime/pkg/types"
)

// ClusterWSConn wraps one peer WebSocket connection. The first frame on the
// wire is the peer's join request; everything after is heartbeats and pings.
type ClusterWSConn struct {
	endpoint types.Endpoint
	conn     *fiberws.Conn
	send     chan []byte
	hub      *ClusterWSHub
	done     chan struct{}
	once     sync.Once

	// replaced is set when a newer connection for the same endpoint takes
	// over, so closing this one must not signal the peer as down.
	replaced bool

	mu       sync.Mutex
	lastSeen time.Time
}

// ClusterWSHub manages all peer WebSocket connections of this runtime.
type ClusterWSHub struct {
	conns        map[types.Endpoint]*ClusterWSConn
	mu           sync.RWMutex
	server       *Server
	pingInterval time.Duration
}

// NewClusterWSHub creates a new hub.
func NewClusterWSHub(server *Server) *ClusterWSHub {
	return &ClusterWSHub{
		conns:        make(map[types.Endpoint]*ClusterWSConn),
		server:       server,
		pingInterval: 20 * time.Second,
	}
}

// HasConn returns true if the endpoint has an active WebSocket connection.
func (h *ClusterWSHub) HasConn(endpoint types.Endpoint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[endpoint]
	return ok
}

func (h *ClusterWSHub) register(conn *ClusterWSConn) {
	h.mu.Lock()
	if old, ok := h.conns[conn.endpoint]; ok {
		old.markReplaced()
		old.close()
	}
	h.conns[conn.endpoint] = conn
	h.mu.Unlock()
}

func (h *ClusterWSHub) unregister(conn *ClusterWSConn) {
	h.mu.Lock()
	if cur, ok := h.conns[conn.endpoint]; ok && cur == conn {
		delete(h.conns, conn.endpoint)
	}
	h.mu.Unlock()
}

// CloseAll tears down every peer connection without down signals. Used at
// server shutdown.
func (h *ClusterWSHub) CloseAll() {
	h.mu.Lock()
	for ep, conn := range h.conns {
		conn.markReplaced()
		conn.close()
		delete(h.conns, ep)
	}
	h.mu.Unlock()
}

// setupClusterWSRoute registers the Fiber-native WebSocket endpoint.
func (s *Server) setupClusterWSRoute() {
	s.app.Use("/api/v1/cluster-ws", func(c *fiber.Ctx) error {
		if fiberws.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	s.app.Get("/api/v1/cluster-ws", fiberws.New(func(c *fiberws.Conn) {
		s.hub.handleConnection(c)
	}))
}

// handleConnection runs the join handshake and then serves the connection
// until it closes. A connection that closes without being replaced or
// explicitly left marks its endpoint down.
func (h *ClusterWSHub) handleConnection(c *fiberws.Conn) {
	// The first message must be a join message.
	var firstMsg types.WSMessage
	if err := c.ReadJSON(&firstMsg); err != nil {
		logger.Error("ws: read first message failed", "err", err)
		return
	}
	if firstMsg.Type != types.WSMsgJoin {
		logger.Error("ws: expected join message", "got", firstMsg.Type)
		return
	}

	var joinReq types.JoinRequest
	if err := json.Unmarshal(firstMsg.Data, &joinReq); err != nil {
		logger.Error("ws: parse join request failed", "err", err)
		return
	}
	if joinReq.Endpoint == "" {
		logger.Error("ws: empty endpoint in join request")
		return
	}

	s := h.server

	// Stash presented tags so the accept dispatch can fetch them.
	if s.tagStore != nil {
		s.tagStore.Put(joinReq.Endpoint, joinReq.Tags)
	}

	ctx := context.Background()
	if err := s.dispatcher.Accept(ctx, joinReq.Endpoint, joinReq.Role); err != nil {
		logger.Warn("ws: join refused", "endpoint", joinReq.Endpoint, "err", err)
		h.writeJoinAck(c, &types.JoinResponse{
			Accepted: false,
			Code:     cluster.ErrorCode(err),
			Reason:   err.Error(),
		})
		return
	}

	// The registry record exists from here on. Watch before the ack write so
	// a peer that vanishes mid-handshake still has liveness coverage.
	s.monitors.Watch(joinReq.Endpoint, joinReq.Role)

	if err := h.writeJoinAck(c, &types.JoinResponse{
		Accepted: true,
		Tags:     s.ownTags,
	}); err != nil {
		logger.Error("ws: send join ack failed", "endpoint", joinReq.Endpoint, "err", err)
		s.signalDown(joinReq.Endpoint, joinReq.Role)
		return
	}

	conn := &ClusterWSConn{
		endpoint: joinReq.Endpoint,
		conn:     c,
		send:     make(chan []byte, 64),
		hub:      h,
		done:     make(chan struct{}),
		lastSeen: time.Now(),
	}

	h.register(conn)
	defer h.unregister(conn)

	logger.Info("ws: peer connected", "endpoint", joinReq.Endpoint, "role", joinReq.Role)

	go conn.writePump()

	// readPump blocks until the connection closes.
	conn.readPump()

	logger.Info("ws: peer disconnected", "endpoint", joinReq.Endpoint)

	// A replaced connection was superseded by a fresh handshake; anything
	// else closing means the peer is gone.
	if !conn.wasReplaced() {
		s.signalDown(joinReq.Endpoint, joinReq.Role)
	}
}

// signalDown reports endpoint as gone. When no watch fires (never installed,
// or already consumed), cleanup still runs through the dispatcher so the
// registry cannot keep a record for an endpoint nothing is monitoring.
func (s *Server) signalDown(endpoint types.Endpoint, role types.Role) {
	if !s.monitors.Down(endpoint) {
		_ = s.dispatcher.Down(context.Background(), endpoint, role)
	}
}

func (h *ClusterWSHub) writeJoinAck(c *fiberws.Conn, resp *types.JoinResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return c.WriteJSON(&types.WSMessage{Type: types.WSMsgJoinAck, Data: data})
}

// StartHealthLoop periodically closes connections whose peers have gone
// silent past the heartbeat timeout. Closing the connection lets the normal
// disconnect path mark the endpoint down.
func (h *ClusterWSHub) StartHealthLoop(ctx context.Context) {
	interval := h.server.config.HealthCheckInterval
	timeout := h.server.config.HeartbeatTimeout
	if interval <= 0 || timeout <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.closeStale(timeout)
			}
		}
	}()
}

func (h *ClusterWSHub) closeStale(timeout time.Duration) {
	h.mu.RLock()
	var stale []*ClusterWSConn
	for _, conn := range h.conns {
		if time.Since(conn.seen()) > timeout {
			stale = append(stale, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range stale {
		logger.Warn("ws: peer heartbeat timed out", "endpoint", conn.endpoint)
		conn.close()
	}
}

// ─── conn read / write ──────────────────────────────────────────────────────

func (c *ClusterWSConn) readPump() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		var msg types.WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Error("ws: invalid message", "endpoint", c.endpoint, "err", err)
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *ClusterWSConn) handleMessage(msg *types.WSMessage) {
	switch msg.Type {
	case types.WSMsgHeartbeat:
		// liveness refreshed by touch already; nothing else to do
	case types.WSMsgPong:
		// keepalive acknowledged
	}
}

func (c *ClusterWSConn) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(fiberws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			envelope, _ := json.Marshal(&types.WSMessage{Type: types.WSMsgPing})
			if err := c.conn.WriteMessage(fiberws.TextMessage, envelope); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *ClusterWSConn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *ClusterWSConn) seen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *ClusterWSConn) markReplaced() {
	c.mu.Lock()
	c.replaced = true
	c.mu.Unlock()
}

func (c *ClusterWSConn) wasReplaced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaced
}

func (c *ClusterWSConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
