package connection

// Effect is an output of Machine.Step: a link call or a notification for
// the role that owns the machine.
type Effect interface {
	effect()
}

// Link calls

type StartScan struct {
	ServiceID string
}

type StopScan struct{}

type Connect struct {
	ID string
}

type Disconnect struct {
	ID string
}

type DiscoverServices struct {
	ID        string
	ServiceID string
}

type DiscoverChannels struct {
	ID        string
	ServiceID string
	ChannelID string
}

type Subscribe struct {
	ID        string
	ChannelID string
}

type Unsubscribe struct {
	ID        string
	ChannelID string
}

type RegisterChannel struct {
	ServiceID string
	ChannelID string
}

type Advertise struct {
	ServiceID string
}

type StopAdvertising struct{}

// Notifications

// ResetInbound tells the role to discard any partially reassembled message
type ResetInbound struct {
	Peer string
}

// AbortOutbound tells the role to drop its in-flight outbound message
type AbortOutbound struct {
	Peer string
}

// PeerReady marks the start of the data phase with Peer
type PeerReady struct {
	Peer string
}

// AttemptFailed reports one failed connection attempt; a retry may follow
type AttemptFailed struct {
	Attempt int
	Err     error
}

// Failed is terminal: the machine parked in Idle
type Failed struct {
	Err error
}

func (StartScan) effect()        {}
func (StopScan) effect()         {}
func (Connect) effect()          {}
func (Disconnect) effect()       {}
func (DiscoverServices) effect() {}
func (DiscoverChannels) effect() {}
func (Subscribe) effect()        {}
func (Unsubscribe) effect()      {}
func (RegisterChannel) effect()  {}
func (Advertise) effect()        {}
func (StopAdvertising) effect()  {}
func (ResetInbound) effect()     {}
func (AbortOutbound) effect()    {}
func (PeerReady) effect()        {}
func (AttemptFailed) effect()    {}
func (Failed) effect()           {}
