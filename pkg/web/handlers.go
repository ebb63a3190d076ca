package web

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/sixdof/armlink/pkg/arm"
	"github.com/sixdof/armlink/pkg/control"
	"github.com/sixdof/armlink/pkg/gyro"
	"github.com/sixdof/armlink/pkg/hub"
	"github.com/sixdof/armlink/pkg/protocol"
	"github.com/sixdof/armlink/pkg/store"
)

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.Status())
}

// AddressRequest sets the arm's WebSocket address.
type AddressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleSetAddress(c *fiber.Ctx) error {
	var req AddressRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	s.link.SetAddress(req.Address)
	return c.JSON(s.Status())
}

func (s *Server) handleClearAddress(c *fiber.Ctx) error {
	s.link.Clear()
	return c.JSON(s.Status())
}

// JointView pairs a joint's config with its current angle.
type JointView struct {
	ID     arm.JointID `json:"id"`
	Config arm.Config  `json:"config"`
	Angle  float64     `json:"angle"`
}

func (s *Server) handleGetJoints(c *fiber.Ctx) error {
	pose := s.joints.Current()
	views := make([]JointView, 0, len(arm.Joints()))
	for _, id := range arm.Joints() {
		views = append(views, JointView{ID: id, Config: s.joints.Config(id), Angle: pose.Get(id)})
	}
	return c.JSON(views)
}

// AngleRequest is a single joint target from the operator UI.
type AngleRequest struct {
	Angle float64 `json:"angle"`
}

func (s *Server) handleUpdateJoint(c *fiber.Ctx) error {
	id := arm.JointID(c.Params("id"))
	if !id.Valid() {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown joint"})
	}
	var req AngleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	s.ctrl.UpdateJoint(id, req.Angle)
	return c.JSON(fiber.Map{"angle": s.joints.Current().Get(id)})
}

func (s *Server) handleSetConfig(c *fiber.Ctx) error {
	id := arm.JointID(c.Params("id"))
	if !id.Valid() {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown joint"})
	}
	var patch arm.ConfigPatch
	if err := c.BodyParser(&patch); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	return c.JSON(s.joints.SetConfig(id, patch))
}

// PoseRequest is a possibly-partial pose; missing joints keep their value.
type PoseRequest struct {
	Joints map[arm.JointID]float64 `json:"joints"`
}

func (s *Server) handleGoToPose(c *fiber.Ctx) error {
	var req PoseRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	s.ctrl.GoToPose(req.Joints)
	return c.JSON(fiber.Map{"pose": s.joints.Current()})
}

func (s *Server) handleHome(c *fiber.Ctx) error {
	s.ctrl.HomeAll()
	return c.JSON(s.Status())
}

func (s *Server) handleEStop(c *fiber.Ctx) error {
	s.ctrl.EmergencyStop()
	return c.JSON(s.Status())
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	s.ctrl.Resume()
	return c.JSON(s.Status())
}

func (s *Server) handleSetSmoothing(c *fiber.Ctx) error {
	var req control.Smoothing
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	s.ctrl.SetSmoothing(req)
	eff := s.ctrl.Smoothing()
	if s.files != nil {
		s.files.Update(func(doc *store.SettingsDoc) {
			doc.Settings.SmoothingEnabled = eff.Enabled
			doc.Settings.SmoothingFactor = eff.Factor
		})
	}
	return c.JSON(eff)
}

// EnabledRequest toggles gyro input.
type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleGyroEnabled(c *fiber.Ctx) error {
	var req EnabledRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	if req.Enabled {
		s.gyro.Enable()
	} else {
		s.gyro.Disable()
	}
	return c.JSON(fiber.Map{"enabled": s.gyro.Enabled()})
}

func (s *Server) handleGyroCalibrate(c *fiber.Ctx) error {
	s.gyro.Calibrate()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleGyroMapping(c *fiber.Ctx) error {
	var req gyro.Mapping
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	s.gyro.SetMapping(req)
	m := s.gyro.Mapping()
	if s.files != nil {
		s.files.Update(func(doc *store.SettingsDoc) {
			doc.Settings.GyroPitchJoint = m.Pitch
			doc.Settings.GyroRollJoint = m.Roll
		})
	}
	return c.JSON(m)
}

// SensitivityRequest sets the gyro sensitivity percentage.
type SensitivityRequest struct {
	Sensitivity float64 `json:"sensitivity"`
}

func (s *Server) handleGyroSensitivity(c *fiber.Ctx) error {
	var req SensitivityRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	s.gyro.SetSensitivity(req.Sensitivity)
	eff := s.gyro.Sensitivity()
	if s.files != nil {
		s.files.Update(func(doc *store.SettingsDoc) {
			doc.Settings.GyroSensitivity = eff
		})
	}
	return c.JSON(fiber.Map{"sensitivity": eff})
}

func (s *Server) handleListPrograms(c *fiber.Ctx) error {
	programs, err := s.files.ListPrograms()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(programs)
}

func (s *Server) handleSavePrograms(c *fiber.Ctx) error {
	var p protocol.Program
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	saved, err := s.files.SaveProgram(p)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(saved)
}

func (s *Server) handleDeleteProgram(c *fiber.Ctx) error {
	if err := s.files.DeleteProgram(c.Params("id")); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleRunProgram dispatches a stored program to the arm. 409 means the
// link is down or the interlock is engaged.
func (s *Server) handleRunProgram(c *fiber.Ctx) error {
	p, err := s.files.GetProgram(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	if !s.ctrl.SendProgramRun(p) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "arm not ready"})
	}
	return c.JSON(fiber.Map{"dispatched": true})
}

// handleStateWS streams state snapshots to an operator client.
func (s *Server) handleStateWS(c *websocket.Conn) {
	// Send the current snapshot directly, then join the broadcast hub.
	c.WriteJSON(s.Status())
	hub.NewClient(s.stateHub, c).Run()
}

// handleGyroWS receives a stream of orientation samples from the phone.
func (s *Server) handleGyroWS(c *websocket.Conn) {
	defer c.Close()
	for {
		var sample gyro.Sample
		if err := c.ReadJSON(&sample); err != nil {
			return
		}
		s.gyro.HandleSample(sample)
	}
}
