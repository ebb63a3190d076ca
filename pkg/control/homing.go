package control

import (
	"time"

	"github.com/sixdof/armlink/internal/log"
	"github.com/sixdof/armlink/pkg/arm"
)

const (
	homeDuration  = 1000 * time.Millisecond
	homeFrameRate = 33 * time.Millisecond // ~30 updates/sec
)

// homingRun identifies one homing animation. The cancel channel and the
// identity check against c.homing make a superseded run inert.
type homingRun struct {
	cancel chan struct{}
}

// easeOutCubic maps linear progress t in [0,1] to an eased value.
func easeOutCubic(t float64) float64 {
	u := 1 - t
	return 1 - u*u*u
}

// HomeAll animates every joint from its current angle to its configured
// home over a fixed window. Frames are written directly as both desired
// and transmitted values: the curve is already eased, so the smoothing
// policy is bypassed. A second HomeAll or an emergency stop cancels the
// animation in flight; while the interlock is engaged nothing starts.
func (c *Controller) HomeAll() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.cancelHomingLocked()
	run := &homingRun{cancel: make(chan struct{})}
	c.homing = run
	c.mu.Unlock()

	from := c.store.Current()
	to := c.store.HomePose()
	log.Info("homing all joints", "duration", homeDuration)
	go c.runHoming(run, from, to)
	c.notify()
}

// cancelHomingLocked stops the active animation, if any.
func (c *Controller) cancelHomingLocked() {
	if c.homing != nil {
		close(c.homing.cancel)
		c.homing = nil
	}
}

func (c *Controller) runHoming(run *homingRun, from, to arm.Pose) {
	ticker := time.NewTicker(homeFrameRate)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-run.cancel:
			return
		case <-ticker.C:
		}

		t := float64(time.Since(start)) / float64(homeDuration)
		last := t >= 1
		if last {
			t = 1
		}
		eased := easeOutCubic(t)

		var frame arm.Pose
		for _, id := range arm.Joints() {
			f := from.Get(id)
			frame.Set(id, arm.Round1(f+(to.Get(id)-f)*eased))
		}

		c.mu.Lock()
		if c.homing != run {
			c.mu.Unlock()
			return
		}
		c.desired = frame
		c.smoothed = frame
		c.store.SetCurrent(frame)
		// The final frame lands exactly on home and skips the throttle.
		c.transmitLocked(frame, last)
		if last {
			c.homing = nil
		}
		c.mu.Unlock()
		c.notify()

		if last {
			return
		}
	}
}

// Homing reports whether a homing animation is in flight.
func (c *Controller) Homing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.homing != nil
}
