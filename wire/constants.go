package wire

import "time"

// ConnectionRole represents our role in a specific connection
type ConnectionRole string

const (
	RoleCentral    ConnectionRole = "central"    // We initiated connection
	RolePeripheral ConnectionRole = "peripheral" // They initiated connection
)

const (
	// MTU limits - real BLE has small default MTU
	DefaultMTU   = 23  // BLE 4.0 default: 23 bytes total, 20 bytes data + 3 byte header
	MaxMTU       = 512 // iOS/Android can negotiate up to 512
	PreferredMTU = 185 // What iOS asks for on a fresh connection
	ATTHeaderLen = 3   // Opcode + handle; value length is MTU - 3

	// Transmit queue depth per connection for unacknowledged writes and notifications
	DefaultQueueDepth = 16

	DefaultScanInterval = 250 * time.Millisecond
	DefaultRSSI         = -45

	// Handshake has to finish before the link counts as connected
	HandshakeTimeout = 5 * time.Second

	// Upper bound on a single encoded frame
	maxFrameSize = 64 * 1024

	socketPrefix = "bt-"
	socketSuffix = ".sock"
)

// ClampMTU limits mtu to what BLE can negotiate
func ClampMTU(mtu int) int {
	if mtu < DefaultMTU {
		return DefaultMTU
	}
	if mtu > MaxMTU {
		return MaxMTU
	}
	return mtu
}
