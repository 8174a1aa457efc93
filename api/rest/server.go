// Package rest provides the control-plane HTTP server for a runtime: the
// role probe, the role-addressed dispatch endpoint, cluster introspection
// routes and the WebSocket endpoint peers connect through.
package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"

	"flowmesh/dataflow-runtime/internal/cluster"
	"flowmesh/dataflow-runtime/internal/master"
	"flowmesh/dataflow-runtime/pkg/types"
)

// Config holds the configuration for the control server.
type Config struct {
	// Address is the address to listen on (e.g., ":8080").
	Address string `yaml:"address"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// HeartbeatTimeout is how long a peer may stay silent on its WebSocket
	// before it is considered down.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// HealthCheckInterval is how often silent peers are checked for.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:             ":8080",
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		HeartbeatTimeout:    30 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// ErrorResponse is the JSON body returned for failed requests.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Server is the control server of one runtime process.
type Server struct {
	app    *fiber.App
	config *Config

	self    types.Endpoint
	role    types.Role
	ownTags []types.Tag

	dispatcher *cluster.Dispatcher
	registry   *cluster.Registry
	monitors   *cluster.Monitors

	// tagStore stashes tags presented over the wire before the accept
	// dispatch runs; nil on workers.
	tagStore *master.TagStore

	// connectStats reports outbound connect statistics; nil on workers.
	connectStats func() master.ConnectStats

	hub *ClusterWSHub
}

// NewServer creates the control server for a runtime identified by self with
// the given declared role. tagStore and connectStats may be nil on workers;
// ownTags may be nil on masters.
func NewServer(self types.Endpoint, role types.Role, ownTags []types.Tag,
	d *cluster.Dispatcher, r *cluster.Registry, m *cluster.Monitors,
	tagStore *master.TagStore, connectStats func() master.ConnectStats,
	config *Config) *Server {

	if config == nil {
		config = DefaultConfig()
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		ErrorHandler: customErrorHandler,
		AppName:      "Dataflow Runtime API",
	})

	server := &Server{
		app:          app,
		config:       config,
		self:         self,
		role:         role,
		ownTags:      ownTags,
		dispatcher:   d,
		registry:     r,
		monitors:     m,
		tagStore:     tagStore,
		connectStats: connectStats,
	}
	server.hub = NewClusterWSHub(server)

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	// Recovery middleware - recovers from panics
	s.app.Use(fiberrecover.New(fiberrecover.Config{
		EnableStackTrace: true,
	}))

	// Logger middleware - logs HTTP requests
	s.app.Use(fiberlogger.New(fiberlogger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() {
	s.app.Get("/health", s.healthCheck)
	s.app.Get("/ready", s.readyCheck)

	api := s.app.Group("/api/v1")

	// Role probe: non-mutating, answered regardless of connection state.
	api.Get("/role", s.getRole)

	// Role-addressed dispatch entry for remote calls.
	api.Post("/dispatch", s.dispatch)

	// Cluster introspection routes
	api.Get("/cluster/endpoints", s.listEndpoints)
	api.Get("/cluster/workers", s.listWorkers)
	api.Get("/cluster/master", s.getMaster)
	api.Get("/cluster/stats", s.getStats)

	// Debug snapshot with JSONPath filtering
	api.Get("/debug/cluster", s.debugCluster)

	// Peer WebSocket endpoint
	s.setupClusterWSRoute()
}

// Start starts the control server.
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// StartWithContext starts the control server and shuts it down when the
// context is cancelled. The WebSocket health loop runs for the same lifetime.
func (s *Server) StartWithContext(ctx context.Context) error {
	s.hub.StartHealthLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.config.Address)
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.hub.CloseAll()
	return s.app.Shutdown()
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"endpoint":  s.self,
		"role":      s.role,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) readyCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ready"})
}

// getRole answers the role probe.
func (s *Server) getRole(c *fiber.Ctx) error {
	return c.JSON(types.RoleResponse{Endpoint: s.self, Role: s.role})
}

// dispatch forwards a role-addressed request to the locally bound handler and
// returns its reply. Handler errors travel back as machine-readable codes.
func (s *Server) dispatch(c *fiber.Ctx) error {
	var req types.DispatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error:   "bad_request",
			Message: "invalid dispatch request: " + err.Error(),
		})
	}

	data, err := s.dispatcher.Dispatch(c.Context(), req.Role, req.Kind, req.Data)
	if err != nil {
		return c.JSON(types.DispatchResponse{
			Code:  cluster.ErrorCode(err),
			Error: err.Error(),
		})
	}
	return c.JSON(types.DispatchResponse{Data: data})
}

func (s *Server) listEndpoints(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"endpoints": s.registry.All(),
		"count":     s.registry.Count(),
	})
}

func (s *Server) listWorkers(c *fiber.Ctx) error {
	tag := c.Query("tag")
	if tag != "" {
		return c.JSON(fiber.Map{
			"workers": s.registry.Tags().WorkersWith(types.Tag(tag)),
			"tag":     tag,
		})
	}
	return c.JSON(fiber.Map{"workers": s.registry.Workers()})
}

func (s *Server) getMaster(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"master": s.registry.Master()})
}

func (s *Server) getStats(c *fiber.Ctx) error {
	if s.connectStats == nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{
			Error:   "not_found",
			Message: "connect statistics are only collected on masters",
		})
	}
	return c.JSON(s.connectStats())
}

// customErrorHandler handles errors returned by handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(ErrorResponse{
		Error:   fmt.Sprintf("error_%d", code),
		Message: message,
	})
}
