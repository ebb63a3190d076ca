// Package arm defines the joint model for a six-axis servo arm: joint
// identifiers, per-joint configuration, and the Pose type passed between
// the command pipeline, the transport, and the operator API.
package arm

import "math"

// JointID identifies one controllable rotational axis of the arm.
type JointID string

// The fixed set of joints. There are no dynamic joints.
const (
	Base    JointID = "base"
	ArmA    JointID = "armA"
	ArmB    JointID = "armB"
	WristA  JointID = "wristA"
	WristB  JointID = "wristB"
	Gripper JointID = "gripper"
)

// Joints returns all joint IDs in canonical order.
func Joints() []JointID {
	return []JointID{Base, ArmA, ArmB, WristA, WristB, Gripper}
}

// Valid reports whether id names one of the six joints.
func (id JointID) Valid() bool {
	switch id {
	case Base, ArmA, ArmB, WristA, WristB, Gripper:
		return true
	}
	return false
}

// Config holds per-joint settings. Min/Max/Home are degrees.
// Min <= Home <= Max holds after every Store write.
type Config struct {
	Label string  `json:"label"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Home  float64 `json:"home"`
}

// ConfigPatch is a partial config update. Nil fields keep existing values.
type ConfigPatch struct {
	Label *string  `json:"label,omitempty"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Home  *float64 `json:"home,omitempty"`
}

// Pose is a complete assignment of angles (degrees) to all six joints.
// Its flat JSON shape is the wire format sent to the arm.
type Pose struct {
	Base    float64 `json:"base"`
	ArmA    float64 `json:"armA"`
	ArmB    float64 `json:"armB"`
	WristA  float64 `json:"wristA"`
	WristB  float64 `json:"wristB"`
	Gripper float64 `json:"gripper"`
}

// Get returns the angle for the given joint.
func (p Pose) Get(id JointID) float64 {
	switch id {
	case Base:
		return p.Base
	case ArmA:
		return p.ArmA
	case ArmB:
		return p.ArmB
	case WristA:
		return p.WristA
	case WristB:
		return p.WristB
	case Gripper:
		return p.Gripper
	}
	return 0
}

// Set sets the angle for the given joint.
func (p *Pose) Set(id JointID, v float64) {
	switch id {
	case Base:
		p.Base = v
	case ArmA:
		p.ArmA = v
	case ArmB:
		p.ArmB = v
	case WristA:
		p.WristA = v
	case WristB:
		p.WristB = v
	case Gripper:
		p.Gripper = v
	}
}

// Rounded returns the pose with every angle rounded to one decimal, the
// precision of the wire format.
func (p Pose) Rounded() Pose {
	for _, id := range Joints() {
		p.Set(id, Round1(p.Get(id)))
	}
	return p
}

// MaxDelta returns the largest per-joint absolute difference between p and q.
func (p Pose) MaxDelta(q Pose) float64 {
	d := 0.0
	for _, id := range Joints() {
		if diff := math.Abs(p.Get(id) - q.Get(id)); diff > d {
			d = diff
		}
	}
	return d
}

// Clamp restricts v to the range [min, max].
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Round1 rounds v to one decimal place, the angle precision used throughout.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
