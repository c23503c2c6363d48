// Package sender runs the peripheral side of a transfer: it advertises one
// service with one channel, broadcasts submitted messages to every
// subscribed receiver and reassembles the writes receivers send back.
package sender

import (
	"strings"
	"sync"

	"github.com/user/blue-transfer/connection"
	"github.com/user/blue-transfer/link"
	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/metrics"
	"github.com/user/blue-transfer/transfer"
	"github.com/user/blue-transfer/util"
)

// Config identifies the advertised channel and tunes the transfer
type Config struct {
	LocalID        string
	ServiceID      string
	ChannelID      string
	Policy         transfer.SubmitPolicy
	MaxMessageSize int // Inbound limit per message; 0 = unbounded
	Metrics        *metrics.Transfer
}

// Handler receives sender events. Any field may be nil.
type Handler struct {
	// OnMessage is called for every complete message written by a receiver
	OnMessage func(endpoint string, payload []byte)
	// OnSubscriber is called when a receiver subscribes or unsubscribes
	OnSubscriber func(endpoint string, subscribed bool)
	// OnSent is called after the EOM of a message was accepted for targets
	OnSent func(payload []byte, targets []string)
	// OnError reports failures that need attention (advertising failed,
	// inbound message too large)
	OnError func(err error)
}

// Sender is the peripheral role. It is the delegate of its link.Peripheral.
type Sender struct {
	cfg        Config
	peripheral link.Peripheral
	handler    Handler
	prefix     string

	registry *transfer.Registry
	flow     *transfer.FlowController
	driver   *connection.Driver

	mu      sync.Mutex
	inbound map[string]*transfer.Reassembler // endpoint -> writes in progress
}

var _ link.PeripheralDelegate = (*Sender)(nil)

// New wires a Sender to peripheral and installs itself as its delegate
func New(peripheral link.Peripheral, cfg Config, handler Handler) *Sender {
	s := &Sender{
		cfg:        cfg,
		peripheral: peripheral,
		handler:    handler,
		prefix:     util.ShortID(cfg.LocalID) + " Sender",
		registry:   transfer.NewRegistry(),
		inbound:    make(map[string]*transfer.Reassembler),
	}

	s.flow = transfer.NewFlowController(notifySink{s},
		transfer.WithRegistry(s.registry),
		transfer.WithPolicy(cfg.Policy),
		transfer.WithFlowMetrics(cfg.Metrics),
		transfer.WithLogPrefix(s.prefix),
		transfer.WithSentHandler(s.sent),
	)

	machine := connection.New(connection.Config{
		Role:      connection.RoleSender,
		LocalID:   cfg.LocalID,
		ServiceID: cfg.ServiceID,
		ChannelID: cfg.ChannelID,
	})
	s.driver = connection.NewDriver(machine, connection.ExecutorFunc(s.execute),
		connection.WithDriverMetrics(cfg.Metrics),
		connection.WithDriverLogPrefix(s.prefix),
	)

	peripheral.SetDelegate(s)
	return s
}

// Start registers the channel and begins advertising
func (s *Sender) Start() {
	s.driver.Dispatch(connection.Start{})
}

// Stop stops advertising and drops every queued message. Subscribed
// receivers stay connected, so a message they are already receiving is
// finished rather than cut short.
func (s *Sender) Stop() {
	s.driver.Dispatch(connection.Stop{})
	if s.flow.Clear() {
		logger.Debug(s.prefix, "Finishing the message in flight before going quiet")
	}
}

// Send submits payload for every current and future subscriber. Under
// PolicyReplace it supersedes a message that has not started yet.
func (s *Sender) Send(payload []byte) {
	logger.Debug(s.prefix, "📤 Submitting %d byte message", len(payload))
	s.flow.Submit(payload)
}

// State returns the connection state (Idle or Advertising)
func (s *Sender) State() connection.State {
	return s.driver.State()
}

// LastError returns the error that last stopped advertising, if any
func (s *Sender) LastError() error {
	return s.driver.Machine().LastErr
}

// Subscribers returns the currently subscribed endpoints, sorted
func (s *Sender) Subscribers() []string {
	return s.registry.Snapshot()
}

// Busy reports whether a message is in flight or queued
func (s *Sender) Busy() bool {
	return s.flow.Active() || s.flow.Pending() > 0
}

// Stalled reports whether the link refused the last fragment
func (s *Sender) Stalled() bool {
	return s.flow.Stalled()
}

func (s *Sender) execute(effect connection.Effect) {
	switch e := effect.(type) {
	case connection.RegisterChannel:
		props := link.PropertyNotify | link.PropertyWriteWithoutResponse
		if err := s.peripheral.RegisterChannel(e.ServiceID, e.ChannelID, props); err != nil {
			s.driver.Dispatch(connection.AdvertiseFailed{Err: err})
		}

	case connection.Advertise:
		if err := s.peripheral.Advertise(e.ServiceID); err != nil {
			s.driver.Dispatch(connection.AdvertiseFailed{Err: err})
			return
		}
		logger.Info(s.prefix, "📡 Advertising service %s", util.ShortID(e.ServiceID))

	case connection.StopAdvertising:
		if err := s.peripheral.StopAdvertising(); err != nil {
			logger.Warn(s.prefix, "Failed to stop advertising: %v", err)
		}

	case connection.ResetInbound:
		s.resetInbound(e.Peer)

	case connection.Failed:
		logger.Error(s.prefix, "❌ %v", e.Err)
		s.reportError(e.Err)
	}
}

func (s *Sender) isChannel(channelID string) bool {
	return strings.EqualFold(channelID, s.cfg.ChannelID)
}

// IsReadyToUpdateSubscribers resumes a stalled broadcast
func (s *Sender) IsReadyToUpdateSubscribers() {
	s.flow.OnWriteReadinessRestored()
}

// DidSubscribe adds endpoint to the broadcast set
func (s *Sender) DidSubscribe(endpoint, channelID string) {
	if !s.isChannel(channelID) {
		return
	}
	if !s.registry.Add(endpoint) {
		return
	}
	s.cfg.Metrics.SetSubscribers(s.registry.Len())
	logger.Info(s.prefix, "🔔 %s subscribed (%d subscribers)", util.ShortID(endpoint), s.registry.Len())

	if s.handler.OnSubscriber != nil {
		s.handler.OnSubscriber(endpoint, true)
	}
	s.flow.OnSubscriberChanged(endpoint, true)
}

// DidUnsubscribe removes endpoint from the broadcast set. It gets none of the
// message in flight.
func (s *Sender) DidUnsubscribe(endpoint, channelID string) {
	if !s.isChannel(channelID) {
		return
	}
	s.unsubscribe(endpoint)
}

func (s *Sender) unsubscribe(endpoint string) {
	if !s.registry.Remove(endpoint) {
		return
	}
	s.cfg.Metrics.SetSubscribers(s.registry.Len())
	logger.Info(s.prefix, "🔕 %s unsubscribed (%d subscribers)", util.ShortID(endpoint), s.registry.Len())

	if s.handler.OnSubscriber != nil {
		s.handler.OnSubscriber(endpoint, false)
	}
	s.flow.OnSubscriberChanged(endpoint, false)
}

// DidReceiveWrite feeds one fragment written by endpoint
func (s *Sender) DidReceiveWrite(endpoint, channelID string, value []byte) {
	if !s.isChannel(channelID) {
		return
	}

	payload, complete, err := s.reassembler(endpoint).OnFragment(value)
	if err != nil {
		logger.Warn(s.prefix, "⚠️  Dropping message from %s: %v", util.ShortID(endpoint), err)
		s.reportError(transfer.NewError(transfer.KindMessageTooLarge, endpoint, err))
		return
	}
	if !complete {
		return
	}

	logger.Info(s.prefix, "📥 Received %d byte message from %s", len(payload), util.ShortID(endpoint))
	if s.handler.OnMessage != nil {
		s.handler.OnMessage(endpoint, payload)
	}
}

// DidDisconnect drops whatever endpoint had not finished writing
func (s *Sender) DidDisconnect(endpoint string, err error) {
	if err != nil {
		logger.Debug(s.prefix, "%s disconnected: %v", util.ShortID(endpoint), err)
	}
	s.unsubscribe(endpoint)
	s.driver.Dispatch(connection.Disconnected{ID: endpoint, Err: err})
}

func (s *Sender) reassembler(endpoint string) *transfer.Reassembler {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.inbound[endpoint]
	if !ok {
		r = transfer.NewReassembler(
			transfer.WithMaxMessageSize(s.cfg.MaxMessageSize),
			transfer.WithReassemblerMetrics(s.cfg.Metrics),
		)
		s.inbound[endpoint] = r
	}
	return r
}

func (s *Sender) resetInbound(endpoint string) {
	s.mu.Lock()
	r, ok := s.inbound[endpoint]
	delete(s.inbound, endpoint)
	s.mu.Unlock()

	if !ok {
		return
	}
	if n := r.Reset(); n > 0 {
		logger.Warn(s.prefix, "🗑️  Discarded %d bytes of a partial message from %s", n, util.ShortID(endpoint))
	}
}

func (s *Sender) sent(payload []byte, targets []string) {
	logger.Info(s.prefix, "✅ Sent %d byte message to %d subscribers", len(payload), len(targets))
	if s.handler.OnSent != nil {
		s.handler.OnSent(payload, targets)
	}
}

func (s *Sender) reportError(err error) {
	if s.handler.OnError != nil {
		s.handler.OnError(err)
	}
}

// notifySink pushes fragments to the cohort with one update per fragment
type notifySink struct {
	s *Sender
}

// MaxFragmentLen is the smallest value length any target accepts, so every
// target can take every fragment
func (n notifySink) MaxFragmentLen(targets []string) int {
	limit := 0
	for i, target := range targets {
		l := n.s.peripheral.MaximumUpdateValueLength(target)
		if i == 0 || l < limit {
			limit = l
		}
	}
	return limit
}

func (n notifySink) WriteFragment(fragment []byte, targets []string) bool {
	return n.s.peripheral.UpdateValue(n.s.cfg.ChannelID, fragment, targets)
}
