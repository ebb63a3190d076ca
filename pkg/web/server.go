// Package web exposes the operator API: a fiber HTTP surface plus
// websocket streams for state fan-out and gyro sample intake. This is the
// boundary the external operator UI talks through.
package web

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/sixdof/armlink/internal/log"
	"github.com/sixdof/armlink/pkg/arm"
	"github.com/sixdof/armlink/pkg/control"
	"github.com/sixdof/armlink/pkg/gyro"
	"github.com/sixdof/armlink/pkg/hub"
	"github.com/sixdof/armlink/pkg/link"
	"github.com/sixdof/armlink/pkg/store"
)

// StatusView is the operator-facing state snapshot, served on /api/status
// and streamed over /ws/state.
type StatusView struct {
	Connection  link.State `json:"connection"`
	Address     string     `json:"address"`
	Attempts    int        `json:"attempts"`
	Stopped     bool       `json:"stopped"`
	Homing      bool       `json:"homing"`
	GyroEnabled bool       `json:"gyroEnabled"`
	Pose        arm.Pose   `json:"pose"`
}

// Server is the operator API server.
type Server struct {
	app  *fiber.App
	port string

	ctrl   *control.Controller
	link   *link.Manager
	joints *arm.Store
	gyro   *gyro.Adapter
	files  *store.Store

	stateHub *hub.Hub
}

// NewServer wires the operator API around the service components.
func NewServer(port string, ctrl *control.Controller, lnk *link.Manager, joints *arm.Store, gy *gyro.Adapter, files *store.Store) *Server {
	s := &Server{
		port:     port,
		ctrl:     ctrl,
		link:     lnk,
		joints:   joints,
		gyro:     gy,
		files:    files,
		stateHub: hub.New("state"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "armlink",
		DisableStartupMessage: true,
	})

	// CORS for the browser-based operator UI
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Put("/address", s.handleSetAddress)
	api.Delete("/address", s.handleClearAddress)
	api.Get("/joints", s.handleGetJoints)
	api.Post("/joints/:id", s.handleUpdateJoint)
	api.Put("/joints/:id/config", s.handleSetConfig)
	api.Post("/pose", s.handleGoToPose)
	api.Post("/home", s.handleHome)
	api.Post("/estop", s.handleEStop)
	api.Post("/resume", s.handleResume)
	api.Post("/smoothing", s.handleSetSmoothing)
	api.Post("/gyro/enabled", s.handleGyroEnabled)
	api.Post("/gyro/calibrate", s.handleGyroCalibrate)
	api.Post("/gyro/mapping", s.handleGyroMapping)
	api.Post("/gyro/sensitivity", s.handleGyroSensitivity)
	api.Get("/programs", s.handleListPrograms)
	api.Post("/programs", s.handleSavePrograms)
	api.Delete("/programs/:id", s.handleDeleteProgram)
	api.Post("/programs/:id/run", s.handleRunProgram)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/state", websocket.New(s.handleStateWS))
	app.Get("/ws/gyro", websocket.New(s.handleGyroWS))

	s.app = app
	return s
}

// Status assembles the current operator-facing snapshot.
func (s *Server) Status() StatusView {
	snap := s.ctrl.Snapshot()
	return StatusView{
		Connection:  s.link.State(),
		Address:     s.link.Addr(),
		Attempts:    s.link.Attempts(),
		Stopped:     snap.Stopped,
		Homing:      snap.Homing,
		GyroEnabled: s.gyro.Enabled(),
		Pose:        snap.Pose,
	}
}

// BroadcastState pushes the current snapshot to all /ws/state clients.
// Wired to the link's and controller's change callbacks.
func (s *Server) BroadcastState() {
	s.stateHub.BroadcastJSON(s.Status())
}

// Start runs the hub and serves the operator API. Blocks.
func (s *Server) Start() error {
	go s.stateHub.Run()
	log.Info("operator API listening", "port", s.port)
	return s.app.Listen(":" + s.port)
}

// Shutdown gracefully stops the server and the state fan-out.
func (s *Server) Shutdown() error {
	s.stateHub.Stop()
	return s.app.Shutdown()
}
