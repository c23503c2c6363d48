package wire

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/util"
	"github.com/user/blue-transfer/wire/debug"
)

// Connection is one socket link to a remote device
//
// Control frames (discovery, subscriptions) are written synchronously.
// Data frames (writes without response, notifications) go through a bounded
// queue drained by a writer goroutine: when the queue is full the data write
// is refused, and the writer reports readiness once after it frees a slot.
type Connection struct {
	w        *Wire
	conn     net.Conn
	remoteID string
	role     ConnectionRole // Our role in this connection
	mtu      int            // Negotiated during the hello exchange

	sendMu     sync.Mutex // Protects writes to conn
	dataQ      chan []byte
	needsReady atomic.Bool // A data write was refused since the last readiness report

	closed      chan struct{}
	closeOnce   sync.Once
	localClosed atomic.Bool
}

func newConnection(w *Wire, conn net.Conn, remoteID string, role ConnectionRole, mtu int) *Connection {
	return &Connection{
		w:        w,
		conn:     conn,
		remoteID: remoteID,
		role:     role,
		mtu:      mtu,
		dataQ:    make(chan []byte, w.opts.QueueDepth),
		closed:   make(chan struct{}),
	}
}

// RemoteID returns the peer's device ID
func (c *Connection) RemoteID() string {
	return c.remoteID
}

// Role returns our role in this connection
func (c *Connection) Role() ConnectionRole {
	return c.role
}

// MTU returns the negotiated ATT MTU
func (c *Connection) MTU() int {
	return c.mtu
}

// MaxValueLength is the largest value one write or notification carries
func (c *Connection) MaxValueLength() int {
	return c.mtu - ATTHeaderLen
}

func (c *Connection) prefix() string {
	return util.ShortID(c.w.id) + " Wire"
}

// sendControl writes f immediately
func (c *Connection) sendControl(f *Frame) error {
	c.logFrame("tx", f)
	return c.writeRaw(encodeFrame(f))
}

func (c *Connection) writeRaw(buf []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.conn.Write(buf)
	return err
}

// hasRoom reports whether a data frame would be accepted right now
func (c *Connection) hasRoom() bool {
	return c.isClosed() || len(c.dataQ) < cap(c.dataQ)
}

// roomOrMark is hasRoom that marks the connection for a readiness report
// when the queue is full
func (c *Connection) roomOrMark() bool {
	if c.hasRoom() {
		return true
	}
	c.needsReady.Store(true)
	// The writer may have freed a slot before it could see the mark
	return c.hasRoom()
}

func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// queueData enqueues a data frame without blocking. Values longer than the
// MTU allows are truncated, as an ATT notification would be.
func (c *Connection) queueData(f *Frame) bool {
	if limit := c.MaxValueLength(); len(f.Data) > limit {
		logger.Warn(c.prefix(), "⚠️  Truncating %d byte value to %d for %s", len(f.Data), limit, util.ShortID(c.remoteID))
		f.Data = f.Data[:limit]
	}

	if c.isClosed() {
		// Lost with the link, like anything in flight when it drops
		return true
	}

	buf := encodeFrame(f)
	select {
	case c.dataQ <- buf:
	default:
		c.needsReady.Store(true)
		select {
		case c.dataQ <- buf:
		default:
			return false
		}
	}
	c.logFrame("tx", f)
	return true
}

// writeLoop drains the data queue until the connection closes
func (c *Connection) writeLoop() {
	defer c.w.wg.Done()
	for {
		select {
		case <-c.closed:
			return
		case buf := <-c.dataQ:
			if err := c.writeRaw(buf); err != nil {
				logger.Debug(c.prefix(), "Write to %s failed: %v", util.ShortID(c.remoteID), err)
				c.close()
				return
			}
			if c.needsReady.CompareAndSwap(true, false) {
				if h := c.w.handler(c.role); h != nil {
					h.handleReady(c)
				}
			}
		}
	}
}

// close shuts the socket; the read loop then reports the disconnect
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// closeLocal closes a link we chose to drop
func (c *Connection) closeLocal() {
	c.localClosed.Store(true)
	c.close()
}

func (c *Connection) logFrame(direction string, f *Frame) {
	if c.w.debug == nil {
		return
	}
	c.w.debug.Log(debug.FrameLog{
		Direction: direction,
		Peer:      c.remoteID,
		Type:      f.Type.String(),
		Service:   f.Service,
		Channel:   f.Channel,
		Flag:      f.Flag,
		IDs:       f.IDs,
		Data:      f.Data,
	})
}
