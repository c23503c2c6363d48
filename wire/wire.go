// Package wire is a link.Peripheral / link.Central implementation that runs
// over Unix domain sockets, so that separate processes on one machine can
// play BLE devices.
//
// Each device listens on {dataDir}/sockets/bt-{id}.sock. Dialing a peer
// makes us the central of that connection; accepting makes us the
// peripheral. Advertising records live in {dataDir}/{id}/advertising.json
// and scanning reads them, which simulates over-the-air discovery.
package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/blue-transfer/logger"
	"github.com/user/blue-transfer/util"
	"github.com/user/blue-transfer/wire/debug"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrPeerDisconnected = errors.New("peer disconnected")
	ErrStopped          = errors.New("wire stopped")
	ErrHandshake        = errors.New("handshake failed")
)

// Options configures a Wire
type Options struct {
	DataDir      string        // Defaults to util.GetDataDir()
	Name         string        // Local name put in advertisements
	MTU          int           // ATT MTU we offer in the hello exchange
	QueueDepth   int           // Data frames buffered per connection
	ScanInterval time.Duration // How often a scan re-reads advertisements
	RSSI         int           // Signal strength others see for us
	Debug        bool          // Frame log under {dataDir}/{id}/debug
}

func (o *Options) setDefaults() {
	if o.DataDir == "" {
		o.DataDir = util.GetDataDir()
	}
	if o.MTU == 0 {
		o.MTU = PreferredMTU
	}
	o.MTU = ClampMTU(o.MTU)
	if o.QueueDepth <= 0 {
		o.QueueDepth = DefaultQueueDepth
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.RSSI == 0 {
		o.RSSI = DefaultRSSI
	}
	if debug.Enabled() {
		o.Debug = true
	}
}

// frameHandler is implemented by Peripheral and Central. Each receives the
// traffic of connections in its role.
type frameHandler interface {
	handleFrame(c *Connection, f *Frame)
	handleReady(c *Connection)
	handleDisconnect(c *Connection, err error)
}

// Wire owns the listening socket and every connection of one device
type Wire struct {
	id         string
	opts       Options
	socketDir  string
	socketPath string
	listener   net.Listener

	mu          sync.RWMutex
	connections map[string]*Connection // peer ID -> single connection

	handlerMu sync.RWMutex
	handlers  map[ConnectionRole]frameHandler

	// Serializes multi-target data writes so a capacity check holds until the enqueue
	dataMu sync.Mutex

	stopOnce sync.Once
	stopping chan struct{}
	wg       sync.WaitGroup

	debug *debug.FrameLogger
}

// New creates a Wire for device id. Call Start before connecting.
func New(id string, opts Options) *Wire {
	opts.setDefaults()
	return &Wire{
		id:          id,
		opts:        opts,
		connections: make(map[string]*Connection),
		handlers:    make(map[ConnectionRole]frameHandler),
		stopping:    make(chan struct{}),
	}
}

// ID returns our device ID
func (w *Wire) ID() string {
	return w.id
}

// Options returns the effective options
func (w *Wire) Options() Options {
	return w.opts
}

func (w *Wire) prefix() string {
	return util.ShortID(w.id) + " Wire"
}

// Start begins listening on the Unix domain socket
func (w *Wire) Start() error {
	socketDir, err := util.SocketDir(w.opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to create socket dir: %w", err)
	}
	w.socketDir = socketDir
	w.socketPath = w.peerSocketPath(w.id)

	// Clean up a socket file left by a previous run
	os.Remove(w.socketPath)

	listener, err := net.Listen("unix", w.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", w.socketPath, err)
	}
	w.listener = listener
	w.debug = debug.NewFrameLogger(util.DeviceDir(w.opts.DataDir, w.id), w.opts.Debug)

	logger.Debug(w.prefix(), "🔌 Listening on %s (mtu=%d, queue=%d)", w.socketPath, w.opts.MTU, w.opts.QueueDepth)

	w.wg.Add(1)
	go w.acceptConnections()
	return nil
}

// Stop closes every connection and the listener (idempotent)
func (w *Wire) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopping)
		if w.listener != nil {
			w.listener.Close()
		}

		w.mu.Lock()
		conns := make([]*Connection, 0, len(w.connections))
		for _, c := range w.connections {
			conns = append(conns, c)
		}
		w.mu.Unlock()
		for _, c := range conns {
			c.closeLocal()
		}

		w.wg.Wait()
		if w.socketPath != "" {
			os.Remove(w.socketPath)
		}
		w.debug.Close()
		logger.Debug(w.prefix(), "Stopped")
	})
}

func (w *Wire) stopped() bool {
	select {
	case <-w.stopping:
		return true
	default:
		return false
	}
}

func (w *Wire) peerSocketPath(id string) string {
	return filepath.Join(w.socketDir, socketPrefix+id+socketSuffix)
}

// attach routes connections of role to h
func (w *Wire) attach(role ConnectionRole, h frameHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers[role] = h
}

func (w *Wire) handler(role ConnectionRole) frameHandler {
	w.handlerMu.RLock()
	defer w.handlerMu.RUnlock()
	return w.handlers[role]
}

func (w *Wire) acceptConnections() {
	defer w.wg.Done()
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			if w.stopped() {
				return
			}
			logger.Warn(w.prefix(), "Accept failed: %v", err)
			continue
		}

		w.wg.Add(1)
		go w.handleIncomingConnection(conn)
	}
}

// handleIncomingConnection answers the hello of a dialing central (we become peripheral)
func (w *Wire) handleIncomingConnection(conn net.Conn) {
	defer w.wg.Done()

	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	hello, err := readFrame(conn)
	if err != nil || hello.Type != FrameHello || len(hello.Data) == 0 {
		logger.Debug(w.prefix(), "Dropping connection with bad hello: %v", err)
		conn.Close()
		return
	}
	peerID := string(hello.Data)

	reply := &Frame{Type: FrameHello, Data: []byte(w.id), Flag: uint64(w.opts.MTU)}
	if _, err := conn.Write(encodeFrame(reply)); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	mtu := ClampMTU(min(w.opts.MTU, int(hello.Flag)))
	if _, err := w.register(conn, peerID, RolePeripheral, mtu); err != nil {
		logger.Debug(w.prefix(), "Rejecting connection from %s: %v", util.ShortID(peerID), err)
		conn.Close()
	}
}

// Connect dials peerID and performs the hello exchange (we become central)
func (w *Wire) Connect(peerID string) (*Connection, error) {
	if w.stopped() {
		return nil, ErrStopped
	}
	if w.Connection(peerID) != nil {
		return nil, fmt.Errorf("%w to %s", ErrAlreadyConnected, util.ShortID(peerID))
	}

	conn, err := net.Dial("unix", w.peerSocketPath(peerID))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", util.ShortID(peerID), err)
	}

	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	hello := &Frame{Type: FrameHello, Data: []byte(w.id), Flag: uint64(w.opts.MTU)}
	if _, err := conn.Write(encodeFrame(hello)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	reply, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if reply.Type != FrameHello || string(reply.Data) != peerID {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected reply %s from %q", ErrHandshake, reply.Type, reply.Data)
	}
	conn.SetDeadline(time.Time{})

	mtu := ClampMTU(min(w.opts.MTU, int(reply.Flag)))
	c, err := w.register(conn, peerID, RoleCentral, mtu)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// register stores the connection and starts its read and write loops
func (w *Wire) register(conn net.Conn, peerID string, role ConnectionRole, mtu int) (*Connection, error) {
	c := newConnection(w, conn, peerID, role, mtu)

	w.mu.Lock()
	if w.stopped() {
		w.mu.Unlock()
		return nil, ErrStopped
	}
	// Check again inside the lock to prevent a race with a concurrent dial
	if _, exists := w.connections[peerID]; exists {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w to %s", ErrAlreadyConnected, util.ShortID(peerID))
	}
	w.connections[peerID] = c
	w.wg.Add(2)
	w.mu.Unlock()

	logger.Debug(w.prefix(), "🔗 Connected to %s as %s (mtu=%d)", util.ShortID(peerID), role, mtu)

	go w.readLoop(c)
	go c.writeLoop()
	return c, nil
}

// readLoop dispatches frames until the socket closes
// Frames of one connection are handled in arrival order on this goroutine
func (w *Wire) readLoop(c *Connection) {
	defer w.wg.Done()

	var err error
	for {
		var f *Frame
		f, err = readFrame(c.conn)
		if err != nil {
			break
		}
		c.logFrame("rx", f)
		if h := w.handler(c.role); h != nil {
			h.handleFrame(c, f)
		}
	}

	w.removeConnection(c, err)
}

func (w *Wire) removeConnection(c *Connection, readErr error) {
	w.mu.Lock()
	if w.connections[c.remoteID] == c {
		delete(w.connections, c.remoteID)
	}
	w.mu.Unlock()
	c.close()

	// Only a disconnect we did not ask for carries an error
	var reason error
	if !c.localClosed.Load() && !w.stopped() {
		reason = ErrPeerDisconnected
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			reason = fmt.Errorf("%w: %v", ErrPeerDisconnected, readErr)
		}
	}
	logger.Debug(w.prefix(), "🔌 Disconnected from %s (%s, err=%v)", util.ShortID(c.remoteID), c.role, reason)

	if h := w.handler(c.role); h != nil {
		h.handleDisconnect(c, reason)
	}
}

// Disconnect drops the link to peerID; false if there was none
func (w *Wire) Disconnect(peerID string) bool {
	c := w.Connection(peerID)
	if c == nil {
		return false
	}
	c.closeLocal()
	return true
}

// Connection returns the live connection to peerID, or nil
func (w *Wire) Connection(peerID string) *Connection {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connections[peerID]
}

// connectionIn returns the connection to peerID only if we hold role in it
func (w *Wire) connectionIn(role ConnectionRole, peerID string) *Connection {
	c := w.Connection(peerID)
	if c == nil || c.role != role {
		return nil
	}
	return c
}

// Connections returns live connections in which we hold role
func (w *Wire) Connections(role ConnectionRole) []*Connection {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []*Connection
	for _, c := range w.connections {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}

// queueData enqueues one data frame per target, all or nothing. If any
// target's queue is full nothing is sent, that target is marked for a
// readiness report, and false is returned.
func (w *Wire) queueData(targets []*Connection, build func(c *Connection) *Frame) bool {
	w.dataMu.Lock()
	defer w.dataMu.Unlock()

	ready := true
	for _, c := range targets {
		if !c.roomOrMark() {
			ready = false
		}
	}
	if !ready {
		return false
	}

	for _, c := range targets {
		c.queueData(build(c))
	}
	return true
}
