// Package protocol defines the outbound WebSocket message types sent to
// the arm. The arm firmware consumes these shapes verbatim, so field names
// and layout are part of the wire contract.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sixdof/armlink/pkg/arm"
)

// TypeProgram tags a program dispatch message.
const TypeProgram = "program"

// PoseMessage is an absolute joint target. The six angles marshal flat,
// alongside the send timestamp:
// {"base":90,"armA":90,...,"gripper":0,"timestamp":1700000000000}
type PoseMessage struct {
	arm.Pose
	Timestamp int64 `json:"timestamp"` // Unix milliseconds
}

// NewPoseMessage wraps a pose with the current send timestamp.
func NewPoseMessage(p arm.Pose) PoseMessage {
	return PoseMessage{Pose: p, Timestamp: time.Now().UnixMilli()}
}

// Waypoint is one step of a stored program. T is milliseconds relative to
// program start, non-decreasing, first entry at 0. The ordering invariant
// is owned by the program editor; the link treats programs as opaque.
type Waypoint struct {
	T      int64    `json:"t"`
	Joints arm.Pose `json:"joints"`
}

// Program is an ordered waypoint sequence the arm executes autonomously,
// on its own internal timing.
type Program struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Waypoints []Waypoint `json:"waypoints"`
}

// ProgramMessage pushes an entire program to the arm for execution.
type ProgramMessage struct {
	Type        string  `json:"type"`
	Program     Program `json:"program"`
	RequestedAt int64   `json:"requestedAt"` // Unix milliseconds
}

// NewProgramMessage wraps a program for dispatch.
func NewProgramMessage(p Program) ProgramMessage {
	return ProgramMessage{
		Type:        TypeProgram,
		Program:     p,
		RequestedAt: time.Now().UnixMilli(),
	}
}

// StopMessage is the emergency-stop notice. The arm halts all motion on
// receipt and holds position.
type StopMessage struct {
	EmergencyStop bool `json:"emergencyStop"`
}

// NewStopMessage creates the emergency-stop notice.
func NewStopMessage() StopMessage {
	return StopMessage{EmergencyStop: true}
}

// ParseProgram decodes a program document, e.g. from the persistence layer
// or the operator API.
func ParseProgram(data []byte) (Program, error) {
	var p Program
	if err := json.Unmarshal(data, &p); err != nil {
		return Program{}, fmt.Errorf("failed to parse program: %w", err)
	}
	return p, nil
}
