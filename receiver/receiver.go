// Package receiver runs the central side of a transfer. It scans for a
// sender, connects, resolves the channel, subscribes and then reassembles
// the sender's notifications into messages. Messages can be written back
// to the sender with Send.
//
// Every link callback is turned into a connection.Event and fed through one
// connection.Driver, so transitions never race.
package receiver

import (
	"strings"

	"github.com/user/blue-transfer/connection"
	"github.com/user/blue-transfer/link"
	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/metrics"
	"github.com/user/blue-transfer/transfer"
	"github.com/user/blue-transfer/util"
)

// Config selects the sender to look for and tunes the transfer
type Config struct {
	LocalID        string
	ServiceID      string
	ChannelID      string
	RSSIFloor      int // dBm; 0 = connection.DefaultRSSIFloor
	MaxAttempts    int // 0 = connection.DefaultMaxAttempts
	ConnectPolicy  connection.ConnectPolicy
	SubmitPolicy   transfer.SubmitPolicy
	MaxMessageSize int // 0 = unbounded
	Metrics        *metrics.Transfer
}

// Handler receives receiver events. Any field may be nil.
type Handler struct {
	// OnMessage is called for every complete message from the sender
	OnMessage func(peer string, payload []byte)
	// OnStateChange is called after each connection state change
	OnStateChange func(from, to connection.State)
	// OnReady is called when the subscription to peer is confirmed
	OnReady func(peer string)
	// OnSent is called after the EOM of a written message was accepted
	OnSent func(payload []byte)
	// OnError is called with the terminal error once attempts are exhausted
	OnError func(err error)
}

// Receiver is the central role. It is the delegate of its link.Central.
type Receiver struct {
	cfg     Config
	central link.Central
	handler Handler
	prefix  string

	driver  *connection.Driver
	inbound *transfer.Reassembler
	flow    *transfer.FlowController
}

var _ link.CentralDelegate = (*Receiver)(nil)

// New wires a Receiver to central and installs itself as its delegate
func New(central link.Central, cfg Config, handler Handler) *Receiver {
	r := &Receiver{
		cfg:     cfg,
		central: central,
		handler: handler,
		prefix:  util.ShortID(cfg.LocalID) + " Receiver",
	}

	r.inbound = transfer.NewReassembler(
		transfer.WithMaxMessageSize(cfg.MaxMessageSize),
		transfer.WithReassemblerMetrics(cfg.Metrics),
	)
	r.flow = transfer.NewFlowController(writeSink{r},
		transfer.WithPolicy(cfg.SubmitPolicy),
		transfer.WithFlowMetrics(cfg.Metrics),
		transfer.WithLogPrefix(r.prefix),
		transfer.WithSentHandler(r.sent),
	)

	machine := connection.New(connection.Config{
		Role:        connection.RoleReceiver,
		LocalID:     cfg.LocalID,
		ServiceID:   cfg.ServiceID,
		ChannelID:   cfg.ChannelID,
		RSSIFloor:   cfg.RSSIFloor,
		MaxAttempts: cfg.MaxAttempts,
		Policy:      cfg.ConnectPolicy,
	})
	r.driver = connection.NewDriver(machine, connection.ExecutorFunc(r.execute),
		connection.WithDriverMetrics(cfg.Metrics),
		connection.WithDriverLogPrefix(r.prefix),
		connection.WithStateHandler(r.stateChanged),
	)

	central.SetDelegate(r)
	return r
}

// Start begins scanning for the sender
func (r *Receiver) Start() {
	logger.Info(r.prefix, "🔍 Looking for service %s", util.ShortID(r.cfg.ServiceID))
	r.driver.Dispatch(connection.Start{})
}

// Stop unsubscribes, disconnects and drops every unsent message
func (r *Receiver) Stop() {
	r.driver.Dispatch(connection.Stop{})
	r.flow.Clear()
}

// Send writes payload to the sender. It waits in the queue while no sender
// is connected and survives reconnects as long as it has not started.
func (r *Receiver) Send(payload []byte) {
	logger.Debug(r.prefix, "📤 Submitting %d byte message", len(payload))
	r.flow.Submit(payload)
}

// State returns the connection state
func (r *Receiver) State() connection.State {
	return r.driver.State()
}

// Peer returns the sender of the current attempt or data phase
func (r *Receiver) Peer() string {
	return r.driver.Peer()
}

// Attempts returns how many connection attempts were made since Start
func (r *Receiver) Attempts() int {
	return r.driver.Machine().Attempts
}

// LastError returns the most recent failure
func (r *Receiver) LastError() error {
	return r.driver.Machine().LastErr
}

// Busy reports whether a written message is in flight or queued
func (r *Receiver) Busy() bool {
	return r.flow.Active() || r.flow.Pending() > 0
}

func (r *Receiver) stateChanged(from, to connection.State) {
	if r.handler.OnStateChange != nil {
		r.handler.OnStateChange(from, to)
	}
}

func (r *Receiver) execute(effect connection.Effect) {
	switch e := effect.(type) {
	case connection.StartScan:
		// A sender we are still linked to is offered before anything heard
		// over the air; the scan result after it is ignored once connecting
		for _, id := range r.central.RetrieveConnected(e.ServiceID) {
			logger.Info(r.prefix, "♻️  Already connected to %s", util.ShortID(id))
			r.driver.Dispatch(connection.Discovered{
				ID:        id,
				Services:  []string{e.ServiceID},
				Retrieved: true,
			})
		}
		if err := r.central.Scan(e.ServiceID); err != nil {
			r.driver.Dispatch(connection.ScanFailed{Err: err})
		}

	case connection.StopScan:
		r.central.StopScan()

	case connection.Connect:
		logger.Info(r.prefix, "🔗 Connecting to %s", util.ShortID(e.ID))
		r.central.Connect(e.ID)

	case connection.Disconnect:
		if !r.central.IsConnected(e.ID) {
			// No link, so no DidDisconnect will follow
			r.driver.Dispatch(connection.Disconnected{ID: e.ID})
			return
		}
		r.central.Disconnect(e.ID)

	case connection.DiscoverServices:
		r.central.DiscoverServices(e.ID, e.ServiceID)

	case connection.DiscoverChannels:
		r.central.DiscoverChannels(e.ID, e.ServiceID, e.ChannelID)

	case connection.Subscribe:
		r.central.SetNotify(e.ID, e.ChannelID, true)

	case connection.Unsubscribe:
		r.central.SetNotify(e.ID, e.ChannelID, false)

	case connection.ResetInbound:
		if n := r.inbound.Reset(); n > 0 {
			logger.Warn(r.prefix, "🗑️  Discarded %d bytes of a partial message from %s", n, util.ShortID(e.Peer))
		}

	case connection.AbortOutbound:
		if r.flow.Abort() {
			logger.Warn(r.prefix, "🗑️  Dropped a partially written message to %s", util.ShortID(e.Peer))
		}

	case connection.PeerReady:
		logger.Info(r.prefix, "✅ Subscribed to %s", util.ShortID(e.Peer))
		if r.handler.OnReady != nil {
			r.handler.OnReady(e.Peer)
		}
		r.flow.Kick()

	case connection.AttemptFailed:
		logger.Warn(r.prefix, "Attempt %d failed: %v", e.Attempt, e.Err)

	case connection.Failed:
		logger.Error(r.prefix, "❌ Giving up: %v", e.Err)
		if r.handler.OnError != nil {
			r.handler.OnError(e.Err)
		}
	}
}

func (r *Receiver) isChannel(channelID string) bool {
	return strings.EqualFold(channelID, r.cfg.ChannelID)
}

// DidDiscover offers an advertising endpoint to the connection filters
func (r *Receiver) DidDiscover(endpoint link.DiscoveredEndpoint) {
	r.driver.Dispatch(connection.Discovered{
		ID:       endpoint.ID,
		RSSI:     endpoint.RSSI,
		Services: endpoint.Services,
	})
}

func (r *Receiver) DidConnect(id string) {
	r.driver.Dispatch(connection.Connected{ID: id})
}

func (r *Receiver) DidFailToConnect(id string, err error) {
	r.driver.Dispatch(connection.ConnectFailed{ID: id, Err: err})
}

func (r *Receiver) DidDisconnect(id string, err error) {
	r.driver.Dispatch(connection.Disconnected{ID: id, Err: err})
}

func (r *Receiver) DidDiscoverServices(id string, services []string, err error) {
	r.driver.Dispatch(connection.ServicesDiscovered{ID: id, Services: services, Err: err})
}

func (r *Receiver) DidDiscoverChannels(id, serviceID string, channels []string, err error) {
	r.driver.Dispatch(connection.ChannelsDiscovered{ID: id, Channels: channels, Err: err})
}

func (r *Receiver) DidUpdateNotificationState(id, channelID string, enabled bool, err error) {
	if !r.isChannel(channelID) {
		return
	}
	r.driver.Dispatch(connection.NotifyStateChanged{ID: id, Enabled: enabled, Err: err})
}

func (r *Receiver) DidModifyServices(id string, invalidated []string) {
	r.driver.Dispatch(connection.ServicesInvalidated{ID: id, Services: invalidated})
}

// DidUpdateValue feeds one notification. Values arriving outside the data
// phase, or from anyone but the current peer, are dropped.
func (r *Receiver) DidUpdateValue(id, channelID string, value []byte, err error) {
	if !r.isChannel(channelID) {
		return
	}
	if err != nil {
		r.driver.Dispatch(connection.TransferFailed{ID: id, Err: err})
		return
	}

	m := r.driver.Machine()
	if m.State != connection.Ready || m.Peer != id {
		logger.Trace(r.prefix, "Ignoring %d bytes from %s in %s", len(value), util.ShortID(id), m.State)
		return
	}

	payload, complete, ferr := r.inbound.OnFragment(value)
	if ferr != nil {
		logger.Warn(r.prefix, "⚠️  Dropping message from %s: %v", util.ShortID(id), ferr)
		return
	}
	if !complete {
		return
	}

	logger.Info(r.prefix, "📥 Received %d byte message from %s", len(payload), util.ShortID(id))
	if r.handler.OnMessage != nil {
		r.handler.OnMessage(id, payload)
	}
}

// IsReadyToSendWriteWithoutResponse resumes a stalled write
func (r *Receiver) IsReadyToSendWriteWithoutResponse(id string) {
	if id != r.driver.Peer() {
		return
	}
	r.flow.OnWriteReadinessRestored()
}

func (r *Receiver) sent(payload []byte, _ []string) {
	logger.Info(r.prefix, "✅ Wrote %d byte message", len(payload))
	if r.handler.OnSent != nil {
		r.handler.OnSent(payload)
	}
}

// writeSink sends fragments to the current peer, and only in the data phase
type writeSink struct {
	r *Receiver
}

func (w writeSink) MaxFragmentLen([]string) int {
	m := w.r.driver.Machine()
	if m.State != connection.Ready {
		return 0
	}
	return w.r.central.MaximumWriteValueLength(m.Peer)
}

func (w writeSink) WriteFragment(fragment []byte, _ []string) bool {
	return w.r.central.WriteWithoutResponse(w.r.driver.Peer(), w.r.cfg.ChannelID, fragment)
}
