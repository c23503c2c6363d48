// Package link declares the boundary between the transfer roles and a
// concrete radio. The shapes follow CoreBluetooth's manager/delegate split:
// the role calls methods on a Peripheral or Central and receives results
// through a delegate registered with SetDelegate.
//
// Delegate methods may be called from any goroutine, but calls concerning
// one remote endpoint arrive in order.
package link

// Properties of a channel (GATT characteristic)
type Properties int

const (
	PropertyNotify Properties = 1 << iota
	PropertyWriteWithoutResponse
)

// Has reports whether all bits of q are set
func (p Properties) Has(q Properties) bool {
	return p&q == q
}

// DiscoveredEndpoint is one advertisement seen while scanning
type DiscoveredEndpoint struct {
	ID       string
	Name     string
	RSSI     int
	Services []string
}

// Peripheral is the link as seen by the Sender
type Peripheral interface {
	SetDelegate(delegate PeripheralDelegate)

	// RegisterChannel publishes serviceID/channelID with the given properties
	RegisterChannel(serviceID, channelID string, props Properties) error
	Advertise(serviceID string) error
	StopAdvertising() error

	// UpdateValue pushes value to the subscribed targets (all subscribers
	// when targets is empty). It returns false when the transmit queue of any
	// target is full; nothing is sent in that case and
	// IsReadyToUpdateSubscribers follows once there is room again.
	UpdateValue(channelID string, value []byte, targets []string) bool

	// MaximumUpdateValueLength is the largest value endpoint accepts in one
	// update, or 0 when it is not connected
	MaximumUpdateValueLength(endpoint string) int

	Close() error
}

// PeripheralDelegate receives Peripheral events
type PeripheralDelegate interface {
	IsReadyToUpdateSubscribers()
	DidSubscribe(endpoint, channelID string)
	DidUnsubscribe(endpoint, channelID string)
	DidReceiveWrite(endpoint, channelID string, value []byte)
	DidDisconnect(endpoint string, err error)
}

// Central is the link as seen by the Receiver
type Central interface {
	SetDelegate(delegate CentralDelegate)

	// Scan reports advertising endpoints offering serviceID until StopScan.
	// Duplicates are reported.
	Scan(serviceID string) error
	StopScan()

	// RetrieveConnected returns endpoints we already hold a link to that
	// offer serviceID. They need no scan and report no RSSI.
	RetrieveConnected(serviceID string) []string

	Connect(id string)
	Disconnect(id string)
	DiscoverServices(id string, serviceIDs ...string)
	DiscoverChannels(id, serviceID string, channelIDs ...string)
	SetNotify(id, channelID string, enabled bool)

	// WriteWithoutResponse queues value for id. false means the transmit
	// queue is full; IsReadyToSendWriteWithoutResponse follows once there is
	// room again.
	WriteWithoutResponse(id, channelID string, value []byte) bool

	// MaximumWriteValueLength is the largest value id accepts in one write,
	// or 0 when it is not connected
	MaximumWriteValueLength(id string) int
	IsConnected(id string) bool

	Close() error
}

// CentralDelegate receives Central events
type CentralDelegate interface {
	DidDiscover(endpoint DiscoveredEndpoint)
	DidConnect(id string)
	DidFailToConnect(id string, err error)
	DidDisconnect(id string, err error)
	DidDiscoverServices(id string, services []string, err error)
	DidDiscoverChannels(id, serviceID string, channels []string, err error)
	DidUpdateNotificationState(id, channelID string, enabled bool, err error)
	DidUpdateValue(id, channelID string, value []byte, err error)
	DidModifyServices(id string, invalidated []string)
	IsReadyToSendWriteWithoutResponse(id string)
}
