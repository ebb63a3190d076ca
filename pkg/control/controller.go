// Package control implements the joint command pipeline: it turns desired
// targets from any input source (sliders, gyro, homing, programs) into a
// clamped, smoothed, rate-limited stream of pose messages, gated by the
// emergency-stop interlock.
package control

import (
	"sync"
	"time"

	"github.com/sixdof/armlink/internal/log"
	"github.com/sixdof/armlink/pkg/arm"
	"github.com/sixdof/armlink/pkg/protocol"
)

// Link is the outbound transport the pipeline writes to.
type Link interface {
	Send(payload any) error
	Connected() bool
}

// GyroSwitch lets the interlock and program dispatch force gyro input off.
type GyroSwitch interface {
	Disable()
}

// Smoothing is the convergence policy applied between desired and
// transmitted targets. Factor 1 means no smoothing (targets jump).
type Smoothing struct {
	Enabled bool    `json:"enabled"`
	Factor  float64 `json:"factor"` // in (0, 1]
}

const (
	// DefaultTickRate drives the smoothing loop at ~30 Hz.
	DefaultTickRate = 33 * time.Millisecond

	// DefaultMinSendInterval is the transport-boundary throttle: at most
	// one pose message per interval, protecting against input bursts.
	DefaultMinSendInterval = 50 * time.Millisecond

	// snapThreshold: below this remaining delta the smoothed value snaps
	// directly to the desired target.
	snapThreshold = 0.01

	// sendEpsilon: a tick only transmits when some joint moved more than
	// this since the last transmitted pose.
	sendEpsilon = 0.01
)

// Snapshot is the observable pipeline state pushed to the operator UI.
type Snapshot struct {
	Pose    arm.Pose `json:"pose"`
	Stopped bool     `json:"stopped"`
	Homing  bool     `json:"homing"`
}

// Controller owns the command pipeline and the safety interlock.
// All movement requests flow through here to prevent conflicts.
type Controller struct {
	store *arm.Store
	link  Link

	mu        sync.Mutex
	smoothing Smoothing
	desired   arm.Pose // latest intended target from any input source
	smoothed  arm.Pose // value converging toward desired per the policy
	actual    arm.Pose // last pose handed to the transport
	sentOnce  bool
	stopped   bool // interlock: true suppresses every outbound motion message
	homing    *homingRun

	lastSendAt      time.Time
	tickRate        time.Duration
	minSendInterval time.Duration

	gyro     GyroSwitch
	onChange func(Snapshot)

	stop     chan struct{}
	stopOnce sync.Once

	// Diagnostics
	tickCount    uint64
	skippedTicks uint64
}

// NewController creates a controller with default rates. The initial
// desired and smoothed targets are the store's current pose.
func NewController(store *arm.Store, lnk Link) *Controller {
	cur := store.Current()
	return &Controller{
		store:           store,
		link:            lnk,
		smoothing:       Smoothing{Enabled: true, Factor: 0.25},
		desired:         cur,
		smoothed:        cur,
		tickRate:        DefaultTickRate,
		minSendInterval: DefaultMinSendInterval,
		stop:            make(chan struct{}),
	}
}

// AttachGyro registers the gyro adapter so the interlock and program
// dispatch can force it off.
func (c *Controller) AttachGyro(g GyroSwitch) {
	c.mu.Lock()
	c.gyro = g
	c.mu.Unlock()
}

// OnChange registers the state observer. Invoked outside the lock.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// SetSmoothing updates the smoothing policy. Factor is clamped into (0, 1];
// disabled smoothing behaves as factor 1.
func (c *Controller) SetSmoothing(s Smoothing) {
	if s.Factor <= 0 || s.Factor > 1 {
		s.Factor = 1
	}
	c.mu.Lock()
	c.smoothing = s
	c.mu.Unlock()
}

// Smoothing returns the active smoothing policy.
func (c *Controller) Smoothing() Smoothing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smoothing
}

// Stopped reports whether the interlock is engaged.
func (c *Controller) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		Pose:    c.store.Current(),
		Stopped: c.stopped,
		Homing:  c.homing != nil,
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onChange
	snap := c.snapshotLocked()
	c.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

// Run starts the smoothing loop. Blocks until Stop is called.
func (c *Controller) Run() {
	ticker := time.NewTicker(c.tickRate)
	defer ticker.Stop()

	log.Info("command pipeline started", "rate", c.tickRate)
	for {
		select {
		case <-c.stop:
			log.Info("command pipeline stopped")
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// Stop halts the smoothing loop and any homing animation. Safe to call
// more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.cancelHomingLocked()
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })
}

// tick executes one smoothing cycle: converge smoothed toward desired,
// then transmit if anything moved past the dead-band.
func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.homing != nil {
		// Homing writes angles directly; the smoothing loop stays quiet.
		return
	}
	c.tickCount++

	for _, id := range arm.Joints() {
		d := c.desired.Get(id)
		s := c.smoothed.Get(id)
		diff := d - s
		switch {
		case diff < snapThreshold && diff > -snapThreshold:
			s = d
		case c.smoothing.Enabled && c.smoothing.Factor < 1:
			s += diff * c.smoothing.Factor
		default:
			s = d
		}
		c.smoothed.Set(id, s)
	}

	if c.sentOnce && c.smoothed.MaxDelta(c.actual) <= sendEpsilon {
		c.skippedTicks++
		return
	}
	c.transmitLocked(c.smoothed, false)
}

// transmitLocked is the single exit toward the transport. The interlock is
// enforced here, at the lowest point before the write, so an in-flight tick
// or a resume race can never bypass it. force skips the inter-send throttle
// (interlock messages, the resume pose, the final homing frame), never the
// gate itself.
func (c *Controller) transmitLocked(p arm.Pose, force bool) bool {
	if c.stopped {
		return false
	}
	if !force && time.Since(c.lastSendAt) < c.minSendInterval {
		return false
	}
	if !c.link.Connected() {
		return false
	}
	// Wire precision is one decimal; internal smoothing state stays exact.
	p = p.Rounded()
	if err := c.link.Send(protocol.NewPoseMessage(p)); err != nil {
		// The link's state machine owns recovery; the pipeline goes
		// quiet until reconnected.
		log.Debug("pose send failed", "err", err)
		return false
	}
	c.actual = p
	c.sentOnce = true
	c.lastSendAt = time.Now()
	return true
}

// UpdateJoint sets a single joint's desired target. The value is rounded
// to one decimal, clamped to the joint's bounds, and reflected in the
// UI-facing state immediately, before it is physically transmitted.
func (c *Controller) UpdateJoint(id arm.JointID, angle float64) {
	if !id.Valid() {
		return
	}
	v := c.store.ClampJoint(id, angle)
	c.store.SetCurrentJoint(id, v)
	c.mu.Lock()
	c.desired.Set(id, v)
	c.mu.Unlock()
	c.notify()
}

// GoToPose applies a possibly-partial pose atomically as the new full
// desired target. Non-finite or missing joints keep their prior value;
// every provided value is clamped.
func (c *Controller) GoToPose(partial map[arm.JointID]float64) {
	p := c.store.MergePose(partial)
	c.store.SetCurrent(p)
	c.mu.Lock()
	c.desired = p
	c.mu.Unlock()
	c.notify()
}

// EmergencyStop engages the interlock: best-effort stop notice to the arm,
// gyro forced off, and internal targets snapped to the last transmitted
// pose so no stale target fires the instant the interlock lifts.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	var gyro GyroSwitch
	engaged := !c.stopped
	if engaged {
		c.cancelHomingLocked()
		c.stopped = true
		if c.link.Connected() {
			// Failure ignored: the stop state itself is what matters.
			_ = c.link.Send(protocol.NewStopMessage())
		}
		if !c.sentOnce {
			c.actual = c.store.Current()
		}
		c.desired = c.actual
		c.smoothed = c.actual
		gyro = c.gyro
	}
	c.mu.Unlock()
	if gyro != nil {
		gyro.Disable()
	}
	if engaged {
		log.Warn("emergency stop engaged")
	}
	c.notify()
}

// Resume lifts the interlock. Desired and smoothed targets re-sync to the
// pose the arm is holding, so resuming moves nothing, and one explicit pose
// message is sent so the arm and the operator UI agree.
func (c *Controller) Resume() {
	c.mu.Lock()
	if !c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = false
	if !c.sentOnce {
		c.actual = c.store.Current()
	}
	c.desired = c.actual
	c.smoothed = c.actual
	c.store.SetCurrent(c.actual)
	c.transmitLocked(c.actual, true)
	c.mu.Unlock()
	log.Info("emergency stop released")
	c.notify()
}

// SendProgramRun pushes an entire program to the arm for autonomous
// execution. Returns false when not connected or while the interlock is
// engaged. Dispatching a program forces gyro input off so the phone's
// sensor stream cannot fight the remote playback.
func (c *Controller) SendProgramRun(p protocol.Program) bool {
	c.mu.Lock()
	if c.stopped || !c.link.Connected() {
		c.mu.Unlock()
		return false
	}
	err := c.link.Send(protocol.NewProgramMessage(p))
	gyro := c.gyro
	c.mu.Unlock()

	if gyro != nil {
		gyro.Disable()
	}
	if err != nil {
		log.Warn("program dispatch failed", "program", p.Name, "err", err)
		return false
	}
	log.Info("program dispatched", "program", p.Name, "waypoints", len(p.Waypoints))
	return true
}
