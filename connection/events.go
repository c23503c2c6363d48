package connection

// Event is an input to Machine.Step. Link delegate callbacks are translated
// into events; data-path callbacks (value updates, readiness) never are.
type Event interface {
	event()
}

// Start begins scanning (receiver) or advertising (sender)
type Start struct{}

// Stop tears everything down and parks the machine in Idle
type Stop struct{}

// Discovered reports an advertising endpoint seen by a scan
type Discovered struct {
	ID       string
	RSSI     int
	Services []string

	// Retrieved marks an endpoint that is already connected. It was not
	// heard over the air, so the RSSI floor does not apply.
	Retrieved bool
}

// ScanFailed reports that scanning could not be started
type ScanFailed struct {
	Err error
}

// Connected reports an established link to ID
type Connected struct {
	ID string
}

// ConnectFailed reports a failed connection attempt to ID
type ConnectFailed struct {
	ID  string
	Err error
}

// ServicesDiscovered reports the services found on ID
type ServicesDiscovered struct {
	ID       string
	Services []string
	Err      error
}

// ChannelsDiscovered reports the channels found in the required service
type ChannelsDiscovered struct {
	ID       string
	Channels []string
	Err      error
}

// NotifyStateChanged reports the peer's notification state for the channel.
// Enabled=false while Ready means the peer stopped notifications.
type NotifyStateChanged struct {
	ID      string
	Enabled bool
	Err     error
}

// ServicesInvalidated reports that the peer modified its service table
// An empty Services list invalidates everything
type ServicesInvalidated struct {
	ID       string
	Services []string
}

// TransferFailed reports a data-path error on the current link
type TransferFailed struct {
	ID  string
	Err error
}

// Disconnected reports that the link to ID is gone
type Disconnected struct {
	ID  string
	Err error
}

// AdvertiseFailed reports that the sender could not advertise
type AdvertiseFailed struct {
	Err error
}

func (Start) event()               {}
func (Stop) event()                {}
func (Discovered) event()          {}
func (ScanFailed) event()          {}
func (Connected) event()           {}
func (ConnectFailed) event()       {}
func (ServicesDiscovered) event()  {}
func (ChannelsDiscovered) event()  {}
func (NotifyStateChanged) event()  {}
func (ServicesInvalidated) event() {}
func (TransferFailed) event()      {}
func (Disconnected) event()        {}
func (AdvertiseFailed) event()     {}
