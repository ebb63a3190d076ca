// Package gyro maps device-orientation samples from the operator's phone
// onto joint targets for at most two configured joints (pitch-mapped and
// roll-mapped). Targets feed the command pipeline like any other input:
// they never bypass smoothing or the emergency-stop interlock.
package gyro

import (
	"math"
	"sync"

	"github.com/sixdof/armlink/internal/log"
	"github.com/sixdof/armlink/pkg/arm"
)

// TargetWriter receives the computed joint targets. Satisfied by
// control.Controller.
type TargetWriter interface {
	UpdateJoint(id arm.JointID, angle float64)
}

// Sample is one raw device-orientation reading in radians.
// Pitch corresponds to the device beta axis, Roll to gamma.
type Sample struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// Mapping names the joints driven by each axis. An empty ID leaves that
// axis unmapped.
type Mapping struct {
	Pitch arm.JointID `json:"pitch"`
	Roll  arm.JointID `json:"roll"`
}

// Adapter converts calibrated orientation samples into joint targets.
type Adapter struct {
	store   *arm.Store
	targets TargetWriter

	mu          sync.Mutex
	mapping     Mapping
	sensitivity float64 // percent; 100 uses the full half-range
	symmetric   bool    // half-range = min(max-home, home-min) when set
	enabled     bool
	cal         Sample // zero-point captured by Calibrate
	last        Sample // most recent raw sample
	haveSample  bool
}

// NewAdapter creates a disabled adapter with full sensitivity and
// symmetric range mapping.
func NewAdapter(store *arm.Store, targets TargetWriter) *Adapter {
	return &Adapter{
		store:       store,
		targets:     targets,
		sensitivity: 100,
		symmetric:   true,
	}
}

// SetMapping sets the pitch- and roll-mapped joints.
func (a *Adapter) SetMapping(m Mapping) {
	a.mu.Lock()
	a.mapping = m
	a.mu.Unlock()
}

// Mapping returns the active axis mapping.
func (a *Adapter) Mapping() Mapping {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mapping
}

// SetSensitivity sets the sensitivity percentage, clamped to [0, 200].
func (a *Adapter) SetSensitivity(pct float64) {
	a.mu.Lock()
	a.sensitivity = arm.Clamp(pct, 0, 200)
	a.mu.Unlock()
}

// Sensitivity returns the effective sensitivity percentage.
func (a *Adapter) Sensitivity() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sensitivity
}

// SetSymmetric selects the half-range mode: symmetric uses the smaller of
// (max-home, home-min), otherwise half the full configured span.
func (a *Adapter) SetSymmetric(sym bool) {
	a.mu.Lock()
	a.symmetric = sym
	a.mu.Unlock()
}

// Enable turns sensor input on. Re-enabling after an emergency stop or a
// program dispatch is always an explicit operator action.
func (a *Adapter) Enable() {
	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()
	log.Info("gyro input enabled")
}

// Disable turns sensor input off. Called by the operator, the interlock,
// and program dispatch.
func (a *Adapter) Disable() {
	a.mu.Lock()
	was := a.enabled
	a.enabled = false
	a.mu.Unlock()
	if was {
		log.Info("gyro input disabled")
	}
}

// Enabled reports whether sensor input is active.
func (a *Adapter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Calibrate captures the most recent raw sample as the new zero-point.
// Call while the arm is physically at its home pose.
func (a *Adapter) Calibrate() {
	a.mu.Lock()
	a.cal = a.last
	cal := a.cal
	a.mu.Unlock()
	log.Info("gyro calibrated", "pitch", cal.Pitch, "roll", cal.Roll)
}

// HandleSample processes one sensor reading. The raw sample is always
// recorded (so Calibrate works while disabled); targets are only written
// while enabled.
func (a *Adapter) HandleSample(s Sample) {
	a.mu.Lock()
	a.last = s
	a.haveSample = true
	if !a.enabled {
		a.mu.Unlock()
		return
	}
	mapping := a.mapping
	cal := a.cal
	sens := a.sensitivity
	sym := a.symmetric
	a.mu.Unlock()

	a.apply(mapping.Pitch, s.Pitch-cal.Pitch, sens, sym)
	a.apply(mapping.Roll, s.Roll-cal.Roll, sens, sym)
}

// apply maps one calibrated axis delta (radians) onto the joint's range.
func (a *Adapter) apply(id arm.JointID, rad, sensitivity float64, symmetric bool) {
	if !id.Valid() {
		return
	}
	deg := rad * 180 / math.Pi
	norm := arm.Clamp(deg/90, -1, 1)

	cfg := a.store.Config(id)
	var half float64
	if symmetric {
		half = math.Min(cfg.Max-cfg.Home, cfg.Home-cfg.Min)
	} else {
		half = (cfg.Max - cfg.Min) / 2
	}

	target := cfg.Home + norm*half*(sensitivity/100)
	a.targets.UpdateJoint(id, target)
}
