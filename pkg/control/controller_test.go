package control

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sixdof/armlink/pkg/arm"
	"github.com/sixdof/armlink/pkg/protocol"
)

// fakeLink records everything the pipeline pushes at the transport.
type fakeLink struct {
	mu        sync.Mutex
	connected bool
	sendErr   error
	sent      []any
}

func (f *fakeLink) Send(payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeLink) last() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeLink) lastPose(t *testing.T) protocol.PoseMessage {
	t.Helper()
	msg, ok := f.last().(protocol.PoseMessage)
	if !ok {
		t.Fatalf("last send is %T, want PoseMessage", f.last())
	}
	return msg
}

type fakeGyro struct {
	mu       sync.Mutex
	disabled int
}

func (f *fakeGyro) Disable() {
	f.mu.Lock()
	f.disabled++
	f.mu.Unlock()
}

func (f *fakeGyro) disables() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disabled
}

// newTestController returns a controller with the inter-send throttle off so
// individual ticks can be asserted deterministically.
func newTestController() (*Controller, *arm.Store, *fakeLink) {
	s := arm.NewStore()
	lnk := &fakeLink{connected: true}
	c := NewController(s, lnk)
	c.minSendInterval = 0
	return c, s, lnk
}

func TestTick_SmoothingStep(t *testing.T) {
	c, _, lnk := newTestController()
	c.SetSmoothing(Smoothing{Enabled: true, Factor: 0.5})

	c.UpdateJoint(arm.Base, 100) // smoothed starts at home 90
	c.tick()

	if got := lnk.lastPose(t).Base; got != 95 {
		t.Errorf("after one tick: got %v, want 95", got)
	}
	c.tick()
	if got := lnk.lastPose(t).Base; got != 97.5 {
		t.Errorf("after two ticks: got %v, want 97.5", got)
	}
}

func TestTick_TransmitsOneDecimalFrames(t *testing.T) {
	c, _, lnk := newTestController()
	c.SetSmoothing(Smoothing{Enabled: true, Factor: 0.25})

	c.UpdateJoint(arm.Base, 95) // smoothed 90 + 5*0.25 = 91.25 internally
	c.tick()

	if got := lnk.lastPose(t).Base; got != 91.3 {
		t.Errorf("wire angle: got %v, want 91.3", got)
	}
}

func TestTick_Converges(t *testing.T) {
	c, _, lnk := newTestController()
	c.SetSmoothing(Smoothing{Enabled: true, Factor: 0.25})

	c.UpdateJoint(arm.Gripper, 60)
	for i := 0; i < 100; i++ {
		c.tick()
	}
	if got := lnk.lastPose(t).Gripper; got != 60 {
		t.Errorf("converged value: got %v, want exactly 60", got)
	}
}

func TestTick_SnapsWhenClose(t *testing.T) {
	c, _, lnk := newTestController()
	c.SetSmoothing(Smoothing{Enabled: true, Factor: 0.1})

	c.mu.Lock()
	c.smoothed.Set(arm.Base, 90.005) // within snap threshold of desired 90
	c.mu.Unlock()
	c.tick()

	if got := lnk.lastPose(t).Base; got != 90 {
		t.Errorf("snap: got %v, want 90", got)
	}
}

func TestTick_DisabledJumpsDirectly(t *testing.T) {
	c, _, lnk := newTestController()
	c.SetSmoothing(Smoothing{Enabled: false})

	c.UpdateJoint(arm.ArmA, 150)
	c.tick()

	if got := lnk.lastPose(t).ArmA; got != 150 {
		t.Errorf("disabled smoothing: got %v, want 150", got)
	}
}

func TestTick_DeadBandSuppressesResend(t *testing.T) {
	c, _, lnk := newTestController()
	c.SetSmoothing(Smoothing{Enabled: false})

	c.UpdateJoint(arm.Base, 100)
	c.tick()
	n := lnk.count()

	// Nothing changed: quiet ticks
	c.tick()
	c.tick()
	if lnk.count() != n {
		t.Errorf("resent unchanged pose: %d sends, want %d", lnk.count(), n)
	}

	// A sub-epsilon wiggle stays inside the dead band
	c.mu.Lock()
	c.desired.Set(arm.Base, 100.005)
	c.mu.Unlock()
	c.tick()
	if lnk.count() != n {
		t.Errorf("sent sub-epsilon change: %d sends, want %d", lnk.count(), n)
	}
}

func TestTick_ThrottleLimitsSendRate(t *testing.T) {
	c, _, lnk := newTestController()
	c.minSendInterval = time.Hour
	c.SetSmoothing(Smoothing{Enabled: false})

	c.UpdateJoint(arm.Base, 100)
	c.tick()
	c.UpdateJoint(arm.Base, 120)
	c.tick()

	if lnk.count() != 1 {
		t.Errorf("throttled sends: got %d, want 1", lnk.count())
	}
}

func TestTick_QuietWhenDisconnected(t *testing.T) {
	c, _, lnk := newTestController()
	lnk.mu.Lock()
	lnk.connected = false
	lnk.mu.Unlock()

	c.UpdateJoint(arm.Base, 100)
	c.tick()
	if lnk.count() != 0 {
		t.Errorf("sent while disconnected: %d sends", lnk.count())
	}
}

func TestUpdateJoint_ClampsAndReflectsImmediately(t *testing.T) {
	c, s, _ := newTestController()

	c.UpdateJoint(arm.Base, 400.26)
	if got := s.Current().Get(arm.Base); got != 180 {
		t.Errorf("store: got %v, want 180", got)
	}

	c.UpdateJoint(arm.WristB, 45.678)
	if got := s.Current().Get(arm.WristB); got != 45.7 {
		t.Errorf("store: got %v, want 45.7", got)
	}

	// Unknown ids are ignored
	c.UpdateJoint(arm.JointID("elbow"), 10)
}

func TestGoToPose_PartialAndMalformed(t *testing.T) {
	c, s, _ := newTestController()
	c.UpdateJoint(arm.ArmB, 42)

	c.GoToPose(map[arm.JointID]float64{
		arm.Base:   999,
		arm.WristA: math.NaN(),
	})

	cur := s.Current()
	if cur.Base != 180 {
		t.Errorf("base clamped: got %v, want 180", cur.Base)
	}
	if cur.WristA != 90 {
		t.Errorf("NaN wristA: got %v, want prior 90", cur.WristA)
	}
	if cur.ArmB != 42 {
		t.Errorf("omitted armB: got %v, want 42", cur.ArmB)
	}
}

func TestEmergencyStop_GatesEverything(t *testing.T) {
	c, _, lnk := newTestController()
	gy := &fakeGyro{}
	c.AttachGyro(gy)
	c.SetSmoothing(Smoothing{Enabled: false})

	c.UpdateJoint(arm.Base, 120)
	c.tick()

	c.EmergencyStop()
	if !c.Stopped() {
		t.Fatal("interlock not engaged")
	}
	if _, ok := lnk.last().(protocol.StopMessage); !ok {
		t.Errorf("last send is %T, want StopMessage", lnk.last())
	}
	if gy.disables() != 1 {
		t.Errorf("gyro disables: got %d, want 1", gy.disables())
	}

	// No writer gets through while stopped
	n := lnk.count()
	c.UpdateJoint(arm.Base, 50)
	c.tick()
	c.GoToPose(map[arm.JointID]float64{arm.ArmA: 10})
	c.tick()
	c.HomeAll()
	if c.Homing() {
		t.Error("homing started while stopped")
	}
	time.Sleep(150 * time.Millisecond)
	if lnk.count() != n {
		t.Errorf("sends while stopped: got %d, want %d", lnk.count(), n)
	}

	// Idempotent: a second stop adds nothing
	c.EmergencyStop()
	if lnk.count() != n || gy.disables() != 1 {
		t.Errorf("second stop: sends %d (want %d), disables %d (want 1)", lnk.count(), n, gy.disables())
	}
}

func TestResume_HoldsLastTransmittedPose(t *testing.T) {
	c, s, lnk := newTestController()
	c.SetSmoothing(Smoothing{Enabled: false})

	c.UpdateJoint(arm.Base, 120)
	c.tick()
	c.UpdateJoint(arm.Base, 170) // never transmitted
	c.EmergencyStop()
	c.Resume()

	if c.Stopped() {
		t.Fatal("interlock still engaged")
	}
	// The resume pose is the last transmitted one, not the stale target
	if got := lnk.lastPose(t).Base; got != 120 {
		t.Errorf("resume pose: got %v, want 120", got)
	}
	if got := s.Current().Get(arm.Base); got != 120 {
		t.Errorf("store after resume: got %v, want 120", got)
	}

	// Resuming is a movement no-op: the next tick has nothing to send
	n := lnk.count()
	c.tick()
	if lnk.count() != n {
		t.Errorf("tick after resume sent: got %d, want %d", lnk.count(), n)
	}
}

func TestResume_NoopWhenNotStopped(t *testing.T) {
	c, _, lnk := newTestController()
	c.Resume()
	if lnk.count() != 0 {
		t.Errorf("resume sent without prior stop: %d sends", lnk.count())
	}
}

func TestHomeAll_LandsExactlyOnHome(t *testing.T) {
	c, s, lnk := newTestController()
	c.UpdateJoint(arm.Base, 10)
	c.UpdateJoint(arm.Gripper, 60)

	c.HomeAll()
	if !c.Homing() {
		t.Fatal("homing not started")
	}

	deadline := time.Now().Add(3 * time.Second)
	for c.Homing() {
		if time.Now().After(deadline) {
			t.Fatal("homing never finished")
		}
		time.Sleep(20 * time.Millisecond)
	}

	home := s.HomePose()
	if got := s.Current(); got != home {
		t.Errorf("final pose: got %+v, want %+v", got, home)
	}
	final := lnk.lastPose(t)
	if final.Pose != home {
		t.Errorf("final frame: got %+v, want %+v", final.Pose, home)
	}
	// Intermediate frames were streamed, not just the endpoint
	if lnk.count() < 5 {
		t.Errorf("only %d frames sent during homing", lnk.count())
	}
}

func TestEmergencyStop_CancelsHoming(t *testing.T) {
	c, _, _ := newTestController()
	c.UpdateJoint(arm.Base, 0)

	c.HomeAll()
	c.EmergencyStop()

	if c.Homing() {
		t.Error("homing survived the interlock")
	}
	time.Sleep(100 * time.Millisecond)
	if c.Homing() {
		t.Error("homing resumed after cancellation")
	}
}

func TestHomeAll_SecondRunSupersedesFirst(t *testing.T) {
	c, s, _ := newTestController()
	c.UpdateJoint(arm.Base, 0)

	c.HomeAll()
	time.Sleep(50 * time.Millisecond)
	c.HomeAll()

	deadline := time.Now().Add(3 * time.Second)
	for c.Homing() {
		if time.Now().After(deadline) {
			t.Fatal("homing never finished")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := s.Current(); got != s.HomePose() {
		t.Errorf("final pose: got %+v, want %+v", got, s.HomePose())
	}
}

func TestSendProgramRun(t *testing.T) {
	c, _, lnk := newTestController()
	gy := &fakeGyro{}
	c.AttachGyro(gy)
	p := protocol.Program{ID: "p1", Name: "wave", Waypoints: []protocol.Waypoint{{T: 0}}}

	// Refused while disconnected
	lnk.mu.Lock()
	lnk.connected = false
	lnk.mu.Unlock()
	if c.SendProgramRun(p) {
		t.Error("dispatched while disconnected")
	}

	// Refused while stopped
	lnk.mu.Lock()
	lnk.connected = true
	lnk.mu.Unlock()
	c.EmergencyStop()
	if c.SendProgramRun(p) {
		t.Error("dispatched while stopped")
	}
	c.Resume()

	if !c.SendProgramRun(p) {
		t.Fatal("dispatch refused")
	}
	msg, ok := lnk.last().(protocol.ProgramMessage)
	if !ok {
		t.Fatalf("last send is %T, want ProgramMessage", lnk.last())
	}
	if msg.Type != protocol.TypeProgram || msg.Program.ID != "p1" {
		t.Errorf("message: %+v", msg)
	}
	if gy.disables() < 2 { // estop + dispatch
		t.Errorf("gyro disables: got %d, want >= 2", gy.disables())
	}

	// Transport errors surface as a refused dispatch
	lnk.mu.Lock()
	lnk.sendErr = errors.New("broken pipe")
	lnk.mu.Unlock()
	if c.SendProgramRun(p) {
		t.Error("dispatch reported success on send failure")
	}
}

func TestSetSmoothing_ClampsFactor(t *testing.T) {
	c, _, _ := newTestController()

	c.SetSmoothing(Smoothing{Enabled: true, Factor: -3})
	if got := c.Smoothing().Factor; got != 1 {
		t.Errorf("negative factor: got %v, want 1", got)
	}
	c.SetSmoothing(Smoothing{Enabled: true, Factor: 2})
	if got := c.Smoothing().Factor; got != 1 {
		t.Errorf("oversized factor: got %v, want 1", got)
	}
	c.SetSmoothing(Smoothing{Enabled: true, Factor: 0.25})
	if got := c.Smoothing().Factor; got != 0.25 {
		t.Errorf("valid factor: got %v, want 0.25", got)
	}
}

func TestRunStop(t *testing.T) {
	c, _, lnk := newTestController()
	c.SetSmoothing(Smoothing{Enabled: false})

	done := make(chan struct{})
	go func() {
		c.Run()
		close(done)
	}()

	c.UpdateJoint(arm.Base, 100)
	deadline := time.Now().Add(2 * time.Second)
	for lnk.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("loop never transmitted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	// A second Stop (shutdown racing a server error path) must not panic
	c.Stop()
}

func TestOnChange_FiresOnUpdates(t *testing.T) {
	c, _, _ := newTestController()
	var (
		mu    sync.Mutex
		snaps []Snapshot
	)
	c.OnChange(func(s Snapshot) {
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})

	c.UpdateJoint(arm.Base, 100)
	c.EmergencyStop()

	mu.Lock()
	defer mu.Unlock()
	if len(snaps) < 2 {
		t.Fatalf("observer calls: got %d, want >= 2", len(snaps))
	}
	last := snaps[len(snaps)-1]
	if !last.Stopped {
		t.Error("final snapshot not stopped")
	}
	if last.Pose.Get(arm.Base) != 100 {
		t.Errorf("snapshot pose: got %v, want 100", last.Pose.Get(arm.Base))
	}
}
