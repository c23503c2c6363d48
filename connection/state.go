// Package connection models the link lifecycle of both roles as a pure
// transition function. A Machine never calls the link itself: Step returns
// the next Machine plus the Effects to carry out, and a Driver feeds events
// through it one at a time and hands the effects to an Executor.
package connection

import "fmt"

// Role selects which half of the protocol a Machine runs
type Role int

const (
	RoleReceiver Role = iota // Central: scans, connects, subscribes
	RoleSender               // Peripheral: advertises, accepts subscribers
)

// String returns the role name
func (r Role) String() string {
	switch r {
	case RoleReceiver:
		return "receiver"
	case RoleSender:
		return "sender"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is a connection lifecycle state
type State int

const (
	Idle State = iota
	Advertising
	Discovering
	Connecting
	ResolvingServices
	ResolvingCharacteristics
	Subscribing
	Ready
	Disconnecting
)

var stateNames = map[State]string{
	Idle:                     "idle",
	Advertising:              "advertising",
	Discovering:              "discovering",
	Connecting:               "connecting",
	ResolvingServices:        "resolving-services",
	ResolvingCharacteristics: "resolving-characteristics",
	Subscribing:              "subscribing",
	Ready:                    "ready",
	Disconnecting:            "disconnecting",
}

// String returns the state name used in logs and metrics labels
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}
