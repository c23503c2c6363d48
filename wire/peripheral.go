package wire

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/user/blue-transfer/link"
	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/util"
)

// Peripheral implements link.Peripheral on a Wire
//
// It keeps the local service table and, per connected central, the set of
// channels that central subscribed to (the CCCD state). Subscriptions are
// dropped with the connection.
type Peripheral struct {
	w *Wire

	mu            sync.RWMutex
	delegate      link.PeripheralDelegate
	services      map[string]map[string]link.Properties // service -> channel -> properties
	subscriptions map[string]map[string]bool            // central -> subscribed channels
}

var _ link.Peripheral = (*Peripheral)(nil)

// NewPeripheral serves the peripheral side of w's connections
func NewPeripheral(w *Wire) *Peripheral {
	p := &Peripheral{
		w:             w,
		services:      make(map[string]map[string]link.Properties),
		subscriptions: make(map[string]map[string]bool),
	}
	w.attach(RolePeripheral, p)
	return p
}

func (p *Peripheral) prefix() string {
	return util.ShortID(p.w.id) + " Peripheral"
}

// SetDelegate registers the event receiver
func (p *Peripheral) SetDelegate(delegate link.PeripheralDelegate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delegate = delegate
}

func (p *Peripheral) getDelegate() link.PeripheralDelegate {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delegate
}

// RegisterChannel adds serviceID/channelID to the service table. Connected
// centrals are told the service changed.
func (p *Peripheral) RegisterChannel(serviceID, channelID string, props link.Properties) error {
	if serviceID == "" || channelID == "" {
		return fmt.Errorf("service and channel IDs are required")
	}
	serviceID = strings.ToUpper(serviceID)
	channelID = strings.ToUpper(channelID)

	p.mu.Lock()
	channels, exists := p.services[serviceID]
	if !exists {
		channels = make(map[string]link.Properties)
		p.services[serviceID] = channels
	}
	channels[channelID] = props
	p.mu.Unlock()

	logger.Debug(p.prefix(), "📋 Registered channel %s in service %s", util.ShortID(channelID), util.ShortID(serviceID))

	for _, c := range p.w.Connections(RolePeripheral) {
		c.sendControl(&Frame{Type: FrameServicesChanged, IDs: []string{serviceID}})
	}
	return nil
}

// Advertise publishes an advertising record offering serviceID
func (p *Peripheral) Advertise(serviceID string) error {
	opts := p.w.Options()
	name := opts.Name
	if name == "" {
		name = "Device-" + util.ShortID(p.w.id)
	}
	adv := Advertisement{
		ID:          p.w.id,
		Name:        name,
		Services:    []string{strings.ToUpper(serviceID)},
		RSSI:        opts.RSSI,
		Connectable: true,
	}
	if err := p.w.WriteAdvertisement(adv); err != nil {
		return err
	}
	logger.Info(p.prefix(), "📡 Advertising %s as %q", util.ShortID(serviceID), name)
	return nil
}

// StopAdvertising removes the advertising record
func (p *Peripheral) StopAdvertising() error {
	if err := p.w.RemoveAdvertisement(); err != nil {
		return err
	}
	logger.Info(p.prefix(), "📡 Stopped advertising")
	return nil
}

// UpdateValue notifies subscribed centrals. Targets that are not subscribed
// to channelID are skipped; an empty targets list means every subscriber.
// Returns false if the transmit queue of any target is full.
func (p *Peripheral) UpdateValue(channelID string, value []byte, targets []string) bool {
	channelID = strings.ToUpper(channelID)

	p.mu.RLock()
	var endpoints []string
	if len(targets) == 0 {
		for central, channels := range p.subscriptions {
			if channels[channelID] {
				endpoints = append(endpoints, central)
			}
		}
	} else {
		for _, central := range targets {
			if p.subscriptions[central][channelID] {
				endpoints = append(endpoints, central)
			}
		}
	}
	p.mu.RUnlock()

	var conns []*Connection
	for _, central := range endpoints {
		if c := p.w.connectionIn(RolePeripheral, central); c != nil {
			conns = append(conns, c)
		}
	}
	if len(conns) == 0 {
		// No subscribed centrals
		return true
	}

	ok := p.w.queueData(conns, func(c *Connection) *Frame {
		return &Frame{Type: FrameNotify, Channel: channelID, Data: value}
	})
	if ok {
		logger.Trace(p.prefix(), "📤 Notified %d centrals (%d bytes)", len(conns), len(value))
	} else {
		logger.Trace(p.prefix(), "⏸️  Transmit queue full, %d bytes not sent", len(value))
	}
	return ok
}

// MaximumUpdateValueLength returns the largest notification central accepts
func (p *Peripheral) MaximumUpdateValueLength(central string) int {
	if c := p.w.connectionIn(RolePeripheral, central); c != nil {
		return c.MaxValueLength()
	}
	return 0
}

// Close stops advertising
func (p *Peripheral) Close() error {
	return p.StopAdvertising()
}

// Subscribers returns the centrals subscribed to channelID
func (p *Peripheral) Subscribers(channelID string) []string {
	channelID = strings.ToUpper(channelID)
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []string
	for central, channels := range p.subscriptions {
		if channels[channelID] {
			out = append(out, central)
		}
	}
	slices.Sort(out)
	return out
}

func (p *Peripheral) channel(serviceID, channelID string) (link.Properties, bool) {
	for service, channels := range p.services {
		if serviceID != "" && service != serviceID {
			continue
		}
		if props, ok := channels[channelID]; ok {
			return props, true
		}
	}
	return 0, false
}

func (p *Peripheral) handleFrame(c *Connection, f *Frame) {
	switch f.Type {
	case FrameDiscoverServices:
		p.handleDiscoverServices(c, f)
	case FrameDiscoverChannels:
		p.handleDiscoverChannels(c, f)
	case FrameSubscribe:
		p.handleSubscribe(c, f)
	case FrameWrite:
		p.handleWrite(c, f)
	default:
		logger.Warn(p.prefix(), "⚠️  Unexpected %s frame from %s", f.Type, util.ShortID(c.remoteID))
	}
}

func (p *Peripheral) handleDiscoverServices(c *Connection, f *Frame) {
	p.mu.RLock()
	var found []string
	for service := range p.services {
		if len(f.IDs) == 0 || containsFold(f.IDs, service) {
			found = append(found, service)
		}
	}
	p.mu.RUnlock()
	slices.Sort(found)

	c.sendControl(&Frame{Type: FrameServices, IDs: found})
}

func (p *Peripheral) handleDiscoverChannels(c *Connection, f *Frame) {
	serviceID := strings.ToUpper(f.Service)
	reply := &Frame{Type: FrameChannels, Service: serviceID}

	p.mu.RLock()
	channels, exists := p.services[serviceID]
	if !exists {
		reply.Data = []byte("unknown service " + serviceID)
	}
	for channel := range channels {
		if len(f.IDs) == 0 || containsFold(f.IDs, channel) {
			reply.IDs = append(reply.IDs, channel)
		}
	}
	p.mu.RUnlock()
	slices.Sort(reply.IDs)

	c.sendControl(reply)
}

func (p *Peripheral) handleSubscribe(c *Connection, f *Frame) {
	channelID := strings.ToUpper(f.Channel)
	enable := f.Flag == 1
	reply := &Frame{Type: FrameNotifyState, Channel: channelID}

	p.mu.Lock()
	props, exists := p.channel("", channelID)
	changed := false
	switch {
	case !exists:
		reply.Data = []byte("unknown channel " + channelID)
	case enable && !props.Has(link.PropertyNotify):
		reply.Data = []byte("channel does not support notify")
	case enable:
		channels := p.subscriptions[c.remoteID]
		if channels == nil {
			channels = make(map[string]bool)
			p.subscriptions[c.remoteID] = channels
		}
		changed = !channels[channelID]
		channels[channelID] = true
		reply.Flag = 1
	default:
		changed = p.subscriptions[c.remoteID][channelID]
		delete(p.subscriptions[c.remoteID], channelID)
	}
	delegate := p.delegate
	p.mu.Unlock()

	// Acknowledge before the delegate runs so the ack precedes any notification
	c.sendControl(reply)

	if !changed || delegate == nil {
		return
	}
	if enable {
		logger.Debug(p.prefix(), "🔔 %s subscribed to %s", util.ShortID(c.remoteID), util.ShortID(channelID))
		delegate.DidSubscribe(c.remoteID, channelID)
	} else {
		logger.Debug(p.prefix(), "🔕 %s unsubscribed from %s", util.ShortID(c.remoteID), util.ShortID(channelID))
		delegate.DidUnsubscribe(c.remoteID, channelID)
	}
}

func (p *Peripheral) handleWrite(c *Connection, f *Frame) {
	channelID := strings.ToUpper(f.Channel)

	p.mu.RLock()
	props, exists := p.channel("", channelID)
	delegate := p.delegate
	p.mu.RUnlock()

	if !exists || !props.Has(link.PropertyWriteWithoutResponse) {
		logger.Warn(p.prefix(), "⚠️  Dropping write to %s from %s", util.ShortID(channelID), util.ShortID(c.remoteID))
		return
	}
	if delegate != nil {
		delegate.DidReceiveWrite(c.remoteID, channelID, f.Data)
	}
}

func (p *Peripheral) handleReady(c *Connection) {
	if delegate := p.getDelegate(); delegate != nil {
		delegate.IsReadyToUpdateSubscribers()
	}
}

func (p *Peripheral) handleDisconnect(c *Connection, err error) {
	p.mu.Lock()
	var dropped []string
	for channel := range p.subscriptions[c.remoteID] {
		dropped = append(dropped, channel)
	}
	delete(p.subscriptions, c.remoteID)
	delegate := p.delegate
	p.mu.Unlock()

	if delegate == nil {
		return
	}
	slices.Sort(dropped)
	for _, channel := range dropped {
		delegate.DidUnsubscribe(c.remoteID, channel)
	}
	delegate.DidDisconnect(c.remoteID, err)

	// A stalled sender may have been waiting on this link's queue
	if c.needsReady.Swap(false) {
		delegate.IsReadyToUpdateSubscribers()
	}
}

func containsFold(ids []string, want string) bool {
	return slices.ContainsFunc(ids, func(id string) bool {
		return strings.EqualFold(id, want)
	})
}
