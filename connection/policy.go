package connection

import (
	"fmt"
	"strings"
)

// ConnectPolicy decides whether this device should initiate a connection to
// a discovered endpoint. It is consulted after the proximity and service
// filters pass.
type ConnectPolicy interface {
	ShouldConnect(localID, remoteID string) bool
}

// ConnectPolicyFunc adapts a function to ConnectPolicy
type ConnectPolicyFunc func(localID, remoteID string) bool

// ShouldConnect calls f
func (f ConnectPolicyFunc) ShouldConnect(localID, remoteID string) bool {
	return f(localID, remoteID)
}

// AlwaysConnect initiates to every acceptable endpoint
var AlwaysConnect ConnectPolicy = ConnectPolicyFunc(func(string, string) bool {
	return true
})

// LexicalTieBreak lets the device with the larger ID initiate, so two
// dual-role devices that see each other make only one connection. The other
// side waits to be connected to. IDs are compared case-insensitively.
var LexicalTieBreak ConnectPolicy = ConnectPolicyFunc(func(localID, remoteID string) bool {
	return strings.ToLower(localID) > strings.ToLower(remoteID)
})

// ParsePolicy maps a config name to a ConnectPolicy
func ParsePolicy(name string) (ConnectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "always":
		return AlwaysConnect, nil
	case "lexical", "tie-break", "tiebreak":
		return LexicalTieBreak, nil
	default:
		return nil, fmt.Errorf("unknown connect policy %q (want always or lexical)", name)
	}
}
