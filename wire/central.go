package wire

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/user/blue-transfer/link"
	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/util"
)

// Central implements link.Central on a Wire
type Central struct {
	w *Wire

	mu       sync.RWMutex
	delegate link.CentralDelegate
	scanStop chan struct{}
	services map[string][]string // peer -> services it reported
}

var _ link.Central = (*Central)(nil)

// NewCentral serves the central side of w's connections
func NewCentral(w *Wire) *Central {
	c := &Central{w: w, services: make(map[string][]string)}
	w.attach(RoleCentral, c)
	return c
}

func (c *Central) prefix() string {
	return util.ShortID(c.w.id) + " Central"
}

// SetDelegate registers the event receiver
func (c *Central) SetDelegate(delegate link.CentralDelegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = delegate
}

func (c *Central) getDelegate() link.CentralDelegate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delegate
}

// Scan polls advertising records every ScanInterval and reports connectable
// devices that offer serviceID. A running scan is replaced.
func (c *Central) Scan(serviceID string) error {
	if c.w.stopped() {
		return ErrStopped
	}
	c.StopScan()

	stop := make(chan struct{})
	c.mu.Lock()
	c.scanStop = stop
	c.mu.Unlock()

	logger.Debug(c.prefix(), "🔍 Scanning for %s", util.ShortID(serviceID))

	go func() {
		ticker := time.NewTicker(c.w.opts.ScanInterval)
		defer ticker.Stop()

		for {
			c.scanOnce(serviceID, stop)
			select {
			case <-stop:
				return
			case <-c.w.stopping:
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}

func (c *Central) scanOnce(serviceID string, stop chan struct{}) {
	for _, id := range c.w.ListAvailableDevices() {
		select {
		case <-stop:
			return
		default:
		}

		adv, err := c.w.ReadAdvertisement(id)
		if err != nil {
			// Listening but not advertising
			continue
		}
		if !adv.Connectable || !adv.HasService(serviceID) {
			continue
		}
		if delegate := c.getDelegate(); delegate != nil {
			delegate.DidDiscover(link.DiscoveredEndpoint{
				ID:       adv.ID,
				Name:     adv.Name,
				RSSI:     adv.RSSI,
				Services: adv.Services,
			})
		}
	}
}

// StopScan stops a running scan. A DidDiscover already in progress may
// still complete after it returns.
func (c *Central) StopScan() {
	c.mu.Lock()
	stop := c.scanStop
	c.scanStop = nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	logger.Debug(c.prefix(), "🔍 Stopped scanning")
}

// Scanning reports whether a scan is running
func (c *Central) Scanning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanStop != nil
}

// RetrieveConnected returns the peers we are the central of that offer
// serviceID, either in a service discovery answer or in their advertisement
func (c *Central) RetrieveConnected(serviceID string) []string {
	var out []string
	for _, conn := range c.w.Connections(RoleCentral) {
		id := conn.remoteID
		c.mu.RLock()
		known := containsFold(c.services[id], serviceID)
		c.mu.RUnlock()
		if !known {
			adv, err := c.w.ReadAdvertisement(id)
			known = err == nil && adv.HasService(serviceID)
		}
		if known {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Connect dials id in the background; the result arrives as DidConnect or
// DidFailToConnect. Connecting to a peer we are already the central of
// reports DidConnect again.
func (c *Central) Connect(id string) {
	go func() {
		var err error
		if c.w.connectionIn(RoleCentral, id) == nil {
			_, err = c.w.Connect(id)
		}
		delegate := c.getDelegate()
		if delegate == nil {
			return
		}
		if err != nil {
			logger.Debug(c.prefix(), "❌ Connect to %s failed: %v", util.ShortID(id), err)
			delegate.DidFailToConnect(id, err)
			return
		}
		delegate.DidConnect(id)
	}()
}

// Disconnect drops the link to id. DidDisconnect follows with a nil error.
func (c *Central) Disconnect(id string) {
	if conn := c.w.connectionIn(RoleCentral, id); conn != nil {
		conn.closeLocal()
	}
}

func (c *Central) send(id string, f *Frame) error {
	conn := c.w.connectionIn(RoleCentral, id)
	if conn == nil {
		return fmt.Errorf("%w to %s", ErrNotConnected, util.ShortID(id))
	}
	return conn.sendControl(f)
}

// DiscoverServices asks id for its services (all of them when serviceIDs is empty)
func (c *Central) DiscoverServices(id string, serviceIDs ...string) {
	if err := c.send(id, &Frame{Type: FrameDiscoverServices, IDs: serviceIDs}); err != nil {
		if delegate := c.getDelegate(); delegate != nil {
			delegate.DidDiscoverServices(id, nil, err)
		}
	}
}

// DiscoverChannels asks id for the channels of serviceID
func (c *Central) DiscoverChannels(id, serviceID string, channelIDs ...string) {
	f := &Frame{Type: FrameDiscoverChannels, Service: serviceID, IDs: channelIDs}
	if err := c.send(id, f); err != nil {
		if delegate := c.getDelegate(); delegate != nil {
			delegate.DidDiscoverChannels(id, serviceID, nil, err)
		}
	}
}

// SetNotify writes the subscription state of channelID on id
func (c *Central) SetNotify(id, channelID string, enabled bool) {
	f := &Frame{Type: FrameSubscribe, Channel: channelID}
	if enabled {
		f.Flag = 1
	}
	if err := c.send(id, f); err != nil {
		if delegate := c.getDelegate(); delegate != nil {
			delegate.DidUpdateNotificationState(id, channelID, false, err)
		}
	}
}

// WriteWithoutResponse queues value for id
func (c *Central) WriteWithoutResponse(id, channelID string, value []byte) bool {
	conn := c.w.connectionIn(RoleCentral, id)
	if conn == nil {
		// Nothing to wait for; the disconnect is reported separately
		return true
	}
	channelID = strings.ToUpper(channelID)
	return c.w.queueData([]*Connection{conn}, func(*Connection) *Frame {
		return &Frame{Type: FrameWrite, Channel: channelID, Data: value}
	})
}

// MaximumWriteValueLength returns the largest value one write to id carries
func (c *Central) MaximumWriteValueLength(id string) int {
	if conn := c.w.connectionIn(RoleCentral, id); conn != nil {
		return conn.MaxValueLength()
	}
	return 0
}

// IsConnected reports whether we are the central of a live link to id
func (c *Central) IsConnected(id string) bool {
	return c.w.connectionIn(RoleCentral, id) != nil
}

// Close stops scanning and drops every link we dialed
func (c *Central) Close() error {
	c.StopScan()
	for _, conn := range c.w.Connections(RoleCentral) {
		conn.closeLocal()
	}
	return nil
}

func frameError(f *Frame) error {
	if len(f.Data) == 0 {
		return nil
	}
	return errors.New(string(f.Data))
}

func (c *Central) handleFrame(conn *Connection, f *Frame) {
	delegate := c.getDelegate()
	if delegate == nil {
		return
	}
	id := conn.remoteID

	switch f.Type {
	case FrameServices:
		c.mu.Lock()
		for _, service := range f.IDs {
			if !containsFold(c.services[id], service) {
				c.services[id] = append(c.services[id], service)
			}
		}
		c.mu.Unlock()
		delegate.DidDiscoverServices(id, f.IDs, nil)
	case FrameChannels:
		delegate.DidDiscoverChannels(id, f.Service, f.IDs, frameError(f))
	case FrameNotifyState:
		delegate.DidUpdateNotificationState(id, f.Channel, f.Flag == 1, frameError(f))
	case FrameNotify:
		delegate.DidUpdateValue(id, f.Channel, f.Data, nil)
	case FrameServicesChanged:
		logger.Debug(c.prefix(), "🔄 %s changed services %v", util.ShortID(id), f.IDs)
		delegate.DidModifyServices(id, f.IDs)
	default:
		logger.Warn(c.prefix(), "⚠️  Unexpected %s frame from %s", f.Type, util.ShortID(id))
	}
}

func (c *Central) handleReady(conn *Connection) {
	if delegate := c.getDelegate(); delegate != nil {
		delegate.IsReadyToSendWriteWithoutResponse(conn.remoteID)
	}
}

func (c *Central) handleDisconnect(conn *Connection, err error) {
	c.mu.Lock()
	delete(c.services, conn.remoteID)
	c.mu.Unlock()

	if delegate := c.getDelegate(); delegate != nil {
		delegate.DidDisconnect(conn.remoteID, err)
	}
}
