package connection

import (
	"errors"
	"slices"
	"strings"

	"github.com/user/blue-transfer/transfer"
)

const (
	DefaultRSSIFloor   = -50
	DefaultMaxAttempts = 1000
)

var (
	errNotifyRefused  = errors.New("peer did not enable notifications")
	errNotifyStopped  = errors.New("notifications stopped by peer")
	errLinkLost       = errors.New("link lost")
	errAdvertiseStart = errors.New("advertising failed")
)

// Config is the fixed part of a Machine
type Config struct {
	Role        Role
	LocalID     string
	ServiceID   string
	ChannelID   string
	RSSIFloor   int // Discovered endpoints below this are ignored
	MaxAttempts int // Connection attempts before giving up
	Policy      ConnectPolicy
}

// Machine is the connection state of one role. It is a value: Step returns
// an updated copy and never mutates the receiver.
type Machine struct {
	Config

	State      State
	Peer       string
	Connected  bool
	Subscribed bool
	Attempts   int
	LastErr    error

	stopping bool
}

// New returns an Idle machine with defaults filled in
func New(cfg Config) Machine {
	if cfg.RSSIFloor == 0 {
		cfg.RSSIFloor = DefaultRSSIFloor
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Policy == nil {
		cfg.Policy = AlwaysConnect
	}
	return Machine{Config: cfg, State: Idle}
}

// Step applies one event. Events that make no sense in the current state,
// or that name an endpoint other than Peer, are ignored.
func (m Machine) Step(ev Event) (Machine, []Effect) {
	var effects []Effect
	if m.Role == RoleSender {
		effects = m.stepSender(ev)
	} else {
		effects = m.stepReceiver(ev)
	}
	return m, effects
}

func (m *Machine) stepSender(ev Event) []Effect {
	switch e := ev.(type) {
	case Start:
		if m.State != Idle {
			return nil
		}
		m.State = Advertising
		m.LastErr = nil
		return []Effect{
			RegisterChannel{ServiceID: m.ServiceID, ChannelID: m.ChannelID},
			Advertise{ServiceID: m.ServiceID},
		}

	case Stop:
		if m.State != Advertising {
			return nil
		}
		m.State = Idle
		return []Effect{StopAdvertising{}}

	case AdvertiseFailed:
		if m.State != Advertising {
			return nil
		}
		m.State = Idle
		m.LastErr = wrapCause(e.Err, errAdvertiseStart)
		return []Effect{Failed{Err: m.LastErr}}

	case Disconnected:
		// Subscribers come and go; the sender keeps advertising
		if m.State == Advertising {
			return []Effect{ResetInbound{Peer: e.ID}}
		}
	}
	return nil
}

func (m *Machine) stepReceiver(ev Event) []Effect {
	switch e := ev.(type) {
	case Start:
		if m.State != Idle {
			return nil
		}
		m.Attempts = 0
		m.LastErr = nil
		m.stopping = false
		m.State = Discovering
		return []Effect{StartScan{ServiceID: m.ServiceID}}

	case Stop:
		return m.stop()

	case Discovered:
		if m.State != Discovering || !m.acceptable(e) {
			return nil
		}
		m.Peer = e.ID
		m.Attempts++
		m.State = Connecting
		return []Effect{StopScan{}, Connect{ID: e.ID}}

	case ScanFailed:
		if m.State != Discovering {
			return nil
		}
		m.Attempts++
		return m.fail(transfer.KindDiscoveryFailed, e.Err)

	case Connected:
		if m.State != Connecting || e.ID != m.Peer {
			if m.State == Idle && e.ID != "" {
				// A connect that completed after Stop
				return []Effect{Disconnect{ID: e.ID}}
			}
			return nil
		}
		m.Connected = true
		m.State = ResolvingServices
		return []Effect{DiscoverServices{ID: m.Peer, ServiceID: m.ServiceID}}

	case ConnectFailed:
		if m.State != Connecting || e.ID != m.Peer {
			return nil
		}
		return m.fail(transfer.KindConnectFailed, e.Err)

	case ServicesDiscovered:
		if m.State != ResolvingServices || e.ID != m.Peer {
			return nil
		}
		if e.Err != nil {
			return m.fail(transfer.KindServiceResolutionFailed, e.Err)
		}
		if !containsID(e.Services, m.ServiceID) {
			return m.fail(transfer.KindServiceResolutionFailed, transfer.ErrServiceNotFound)
		}
		m.State = ResolvingCharacteristics
		return []Effect{DiscoverChannels{ID: m.Peer, ServiceID: m.ServiceID, ChannelID: m.ChannelID}}

	case ChannelsDiscovered:
		if m.State != ResolvingCharacteristics || e.ID != m.Peer {
			return nil
		}
		if e.Err != nil {
			return m.fail(transfer.KindCharacteristicResolutionFailed, e.Err)
		}
		if !containsID(e.Channels, m.ChannelID) {
			return m.fail(transfer.KindCharacteristicResolutionFailed, transfer.ErrChannelNotFound)
		}
		m.State = Subscribing
		return []Effect{Subscribe{ID: m.Peer, ChannelID: m.ChannelID}}

	case NotifyStateChanged:
		if e.ID != m.Peer {
			return nil
		}
		return m.notifyChanged(e)

	case ServicesInvalidated:
		if e.ID != m.Peer || !m.Connected || m.State == Disconnecting {
			return nil
		}
		if len(e.Services) > 0 && !containsID(e.Services, m.ServiceID) {
			return nil
		}
		var effects []Effect
		if m.State == Ready {
			effects = append(effects, ResetInbound{Peer: m.Peer}, AbortOutbound{Peer: m.Peer})
		}
		m.Subscribed = false
		m.State = ResolvingServices
		return append(effects, DiscoverServices{ID: m.Peer, ServiceID: m.ServiceID})

	case TransferFailed:
		if e.ID != m.Peer || m.State != Ready {
			return nil
		}
		return m.fail(transfer.KindUnexpectedDisconnect, e.Err)

	case Disconnected:
		if e.ID != m.Peer || m.Peer == "" {
			return nil
		}
		return m.disconnected(e)
	}
	return nil
}

// acceptable applies the proximity, service and connect policy filters
func (m *Machine) acceptable(e Discovered) bool {
	if e.ID == "" || (!e.Retrieved && e.RSSI < m.RSSIFloor) {
		return false
	}
	if m.ServiceID != "" && !containsID(e.Services, m.ServiceID) {
		return false
	}
	return m.Policy.ShouldConnect(m.LocalID, e.ID)
}

func (m *Machine) notifyChanged(e NotifyStateChanged) []Effect {
	switch m.State {
	case Subscribing:
		if e.Err != nil {
			return m.fail(transfer.KindSubscriptionFailed, e.Err)
		}
		if !e.Enabled {
			return m.fail(transfer.KindSubscriptionFailed, errNotifyRefused)
		}
		m.Subscribed = true
		m.State = Ready
		return []Effect{PeerReady{Peer: m.Peer}}

	case Ready:
		if e.Err != nil || e.Enabled {
			return nil
		}
		m.Subscribed = false
		return m.fail(transfer.KindSubscriptionFailed, errNotifyStopped)
	}
	return nil
}

func (m *Machine) disconnected(e Disconnected) []Effect {
	m.Connected = false
	m.Subscribed = false

	switch m.State {
	case Disconnecting:
		if m.stopping {
			m.park()
			return nil
		}
		return m.retry()
	case Connecting:
		return m.fail(transfer.KindConnectFailed, wrapCause(e.Err, errLinkLost))
	case ResolvingServices, ResolvingCharacteristics, Subscribing, Ready:
		return m.fail(transfer.KindUnexpectedDisconnect, wrapCause(e.Err, errLinkLost))
	}
	return nil
}

// stop runs the single teardown sequence for a user stop
func (m *Machine) stop() []Effect {
	switch m.State {
	case Idle:
		return nil
	case Discovering:
		m.park()
		return []Effect{StopScan{}}
	case Connecting:
		peer := m.Peer
		m.park()
		return []Effect{Disconnect{ID: peer}}
	case Disconnecting:
		m.stopping = true
		return nil
	}

	m.stopping = true
	effects := m.dataPhaseEnded()
	return append(effects, m.cleanup()...)
}

// fail records the failure, tears the link down if there is one and
// otherwise decides about a retry right away
func (m *Machine) fail(kind transfer.ErrorKind, cause error) []Effect {
	m.LastErr = transfer.NewError(kind, m.Peer, cause)

	effects := m.dataPhaseEnded()
	if m.Connected {
		return append(effects, m.cleanup()...)
	}
	return append(effects, m.retry()...)
}

func (m *Machine) dataPhaseEnded() []Effect {
	if m.State != Ready {
		return nil
	}
	return []Effect{ResetInbound{Peer: m.Peer}, AbortOutbound{Peer: m.Peer}}
}

// cleanup unsubscribes then disconnects; only called while connected
func (m *Machine) cleanup() []Effect {
	var effects []Effect
	if m.Subscribed {
		effects = append(effects, Unsubscribe{ID: m.Peer, ChannelID: m.ChannelID})
		m.Subscribed = false
	}
	m.State = Disconnecting
	return append(effects, Disconnect{ID: m.Peer})
}

func (m *Machine) retry() []Effect {
	effects := []Effect{AttemptFailed{Attempt: m.Attempts, Err: m.LastErr}}
	if m.Attempts < m.MaxAttempts {
		m.Peer = ""
		m.State = Discovering
		return append(effects, StartScan{ServiceID: m.ServiceID})
	}

	err := transfer.NewError(transfer.KindAttemptsExhausted, "", errors.Join(transfer.ErrAttemptsExhausted, m.LastErr))
	m.LastErr = err
	m.park()
	return append(effects, Failed{Err: err})
}

func (m *Machine) park() {
	m.State = Idle
	m.Peer = ""
	m.Connected = false
	m.Subscribed = false
	m.stopping = false
}

func containsID(ids []string, want string) bool {
	return slices.ContainsFunc(ids, func(id string) bool {
		return strings.EqualFold(id, want)
	})
}

func wrapCause(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
