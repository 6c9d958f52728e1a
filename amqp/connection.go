package amqp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/panjf2000/ants/v2"

	"github.com/fan-tom/lapin/internal/frame"
	"github.com/fan-tom/lapin/internal/protocol"
	"github.com/fan-tom/lapin/internal/util"
)

// ConnectionState tracks the lifecycle of a connection
type ConnectionState int32

const (
	StateInitializing ConnectionState = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
	StateError
	StateRecovering
)

func (cs ConnectionState) String() string {
	switch cs {
	case StateInitializing:
		return "initializing"
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// Fallbacks applied when both peers leave a tuning field at zero.
const (
	defaultChannelMax uint16 = 65535
	defaultFrameMax   uint32 = 131072

	// closeOkTimeout bounds how long a graceful close waits for the
	// server's Close-Ok before tearing the socket down anyway.
	closeOkTimeout = 5 * time.Second
)

// Connection is a single AMQP connection multiplexing any number of channels
// over one socket. A reader goroutine decodes and dispatches inbound frames,
// a writer goroutine drains the outbound queue, and an optional heartbeater
// keeps the link alive. All user-facing methods are safe for concurrent use.
type Connection struct {
	factory *ConnectionFactory
	logger  hclog.Logger
	metrics MetricsCollector

	conn   net.Conn
	reader *frame.Reader

	// writer is owned by the writer goroutine; wmu lets the reader cut in
	// for the synchronous Close-Ok that must hit the wire before teardown.
	wmu    sync.Mutex
	writer *frame.Writer

	state atomic.Int32

	// Outbound frames travel as batches so a publish's method, header and
	// body frames stay contiguous on the wire.
	writeQ chan []*frame.Frame

	mu        sync.Mutex
	channels  map[uint16]*Channel
	allocator *util.IDAllocator

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  *Error
	closeOkCh chan struct{}

	lastSent atomic.Int64
	lastRecv atomic.Int64

	// Negotiated during the handshake.
	channelMax uint16
	frameMax   uint32
	heartbeat  time.Duration

	serverProperties Table

	blocked          atomic.Bool
	closeListeners   []chan *Error
	blockedListeners []chan BlockedNotification

	notifyPool *ants.Pool

	recovery *recoveryManager
	outbox   *outbox

	wg sync.WaitGroup
}

// BlockedNotification reports a Connection.Blocked or Unblocked from the server
type BlockedNotification struct {
	Blocked bool
	Reason  string
}

func newConnection(cf *ConnectionFactory, netConn net.Conn) *Connection {
	c := &Connection{
		factory:   cf,
		logger:    cf.Logger.Named("amqp"),
		metrics:   cf.Metrics,
		conn:      netConn,
		reader:    frame.NewReader(netConn, protocol.FrameMinSize),
		writer:    frame.NewWriter(netConn, protocol.FrameMinSize),
		writeQ:    make(chan []*frame.Frame, 128),
		channels:  make(map[uint16]*Channel),
		closed:    make(chan struct{}),
		closeOkCh: make(chan struct{}, 1),
	}
	c.state.Store(int32(StateInitializing))
	c.notifyPool, _ = ants.NewPool(16)
	c.recovery = newRecoveryManager(cf.AutomaticRecovery, cf.TopologyRecovery, cf.RecoveryInterval, cf.ConnectionRetryAttempts)
	return c
}

// handshake runs the synchronous opening sequence: protocol header,
// Start/Start-Ok, Tune/Tune-Ok, Open/Open-Ok. The reader and writer loops are
// not running yet, so frames go directly through the codec with the context
// deadline applied to the socket.
func (c *Connection) handshake(ctx context.Context) error {
	c.state.Store(int32(StateHandshaking))

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return fmt.Errorf("set handshake deadline: %w", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.writer.WriteProtocolHeader(); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flush protocol header: %w", err)
	}

	start, err := c.expectMethod(protocol.ClassConnection, protocol.MethodConnectionStart)
	if err != nil {
		return err
	}
	if err := c.handleConnectionStart(start); err != nil {
		return err
	}
	if err := c.sendConnectionStartOk(); err != nil {
		return err
	}

	tune, err := c.expectMethod(protocol.ClassConnection, protocol.MethodConnectionTune)
	if err != nil {
		return err
	}
	if err := c.handleConnectionTune(tune); err != nil {
		return err
	}
	if err := c.sendConnectionTuneOk(); err != nil {
		return err
	}

	if err := c.sendConnectionOpen(); err != nil {
		return err
	}
	if _, err := c.expectMethod(protocol.ClassConnection, protocol.MethodConnectionOpenOk); err != nil {
		return err
	}

	c.allocator = util.NewIDAllocator(1, int(c.channelMax))
	return nil
}

// expectMethod reads one frame and requires it to be the given method. A
// Connection.Close received instead is a refusal and surfaces as an *Error.
func (c *Connection) expectMethod(classID, methodID uint16) (*frame.Method, error) {
	f, err := c.reader.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if f.Type != protocol.FrameMethod || f.ChannelID != 0 {
		return nil, fmt.Errorf("unexpected frame during handshake: %s", f)
	}
	m, err := f.Method()
	if err != nil {
		return nil, err
	}
	if m.ClassID == protocol.ClassConnection && m.MethodID == protocol.MethodConnectionClose {
		code, text := parseClose(m)
		c.sendDirect(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionCloseOk, nil))
		return nil, newError(code, text, true)
	}
	if m.ClassID != classID || m.MethodID != methodID {
		return nil, fmt.Errorf("expected method %d.%d, got %d.%d", classID, methodID, m.ClassID, m.MethodID)
	}
	return m, nil
}

// sendDirect writes a frame bypassing the queue. Handshake only.
func (c *Connection) sendDirect(f *frame.Frame) error {
	if err := c.writer.WriteFrame(f); err != nil {
		return err
	}
	return c.writer.Flush()
}

func (c *Connection) handleConnectionStart(m *frame.Method) error {
	args := frame.NewArgs(m.Args)
	major, err := args.Uint8()
	if err != nil {
		return fmt.Errorf("parse Start: %w", err)
	}
	minor, err := args.Uint8()
	if err != nil {
		return fmt.Errorf("parse Start: %w", err)
	}
	if major != protocol.VersionMajor || minor != protocol.VersionMinor {
		return fmt.Errorf("server speaks AMQP %d.%d, want %d.%d", major, minor, protocol.VersionMajor, protocol.VersionMinor)
	}

	props, err := args.Table()
	if err != nil {
		return fmt.Errorf("parse server properties: %w", err)
	}
	c.serverProperties = Table(props)

	mechanisms, err := args.LongString()
	if err != nil {
		return fmt.Errorf("parse mechanisms: %w", err)
	}
	if !containsToken(string(mechanisms), "PLAIN") {
		return fmt.Errorf("server offers no supported auth mechanism (got %q)", mechanisms)
	}

	return nil
}

func (c *Connection) sendConnectionStartOk() error {
	response := "\x00" + c.factory.Username + "\x00" + c.factory.Password

	args := frame.NewBuilder().
		Table(protocol.Table(c.factory.ClientProperties)).
		ShortString("PLAIN").
		LongString([]byte(response)).
		ShortString("en_US").
		Bytes()

	return c.sendDirect(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionStartOk, args))
}

func (c *Connection) handleConnectionTune(m *frame.Method) error {
	args := frame.NewArgs(m.Args)
	serverChannelMax, err := args.Uint16()
	if err != nil {
		return fmt.Errorf("parse Tune: %w", err)
	}
	serverFrameMax, err := args.Uint32()
	if err != nil {
		return fmt.Errorf("parse Tune: %w", err)
	}
	serverHeartbeat, err := args.Uint16()
	if err != nil {
		return fmt.Errorf("parse Tune: %w", err)
	}

	c.channelMax = negotiateUint16(c.factory.ChannelMax, serverChannelMax)
	if c.channelMax == 0 {
		c.channelMax = defaultChannelMax
	}

	c.frameMax = negotiateUint32(c.factory.FrameMax, serverFrameMax)
	if c.frameMax == 0 {
		c.frameMax = defaultFrameMax
	}

	clientHeartbeat := uint16(c.factory.Heartbeat / time.Second)
	c.heartbeat = time.Duration(negotiateUint16(clientHeartbeat, serverHeartbeat)) * time.Second

	c.reader.SetMaxFrameSize(c.frameMax)
	c.writer.SetMaxFrameSize(c.frameMax)

	return nil
}

// negotiateUint16 picks the effective tuning value: zero means "no preference,
// the other side decides", otherwise the smaller of the two wins.
func negotiateUint16(client, server uint16) uint16 {
	if client == 0 {
		return server
	}
	if server == 0 {
		return client
	}
	if client < server {
		return client
	}
	return server
}

func negotiateUint32(client, server uint32) uint32 {
	if client == 0 {
		return server
	}
	if server == 0 {
		return client
	}
	if client < server {
		return client
	}
	return server
}

func (c *Connection) sendConnectionTuneOk() error {
	args := frame.NewBuilder().
		Uint16(c.channelMax).
		Uint32(c.frameMax).
		Uint16(uint16(c.heartbeat / time.Second)).
		Bytes()

	return c.sendDirect(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionTuneOk, args))
}

func (c *Connection) sendConnectionOpen() error {
	args := frame.NewBuilder().
		ShortString(c.factory.VHost).
		ShortString(""). // reserved (capabilities)
		Flags(false).    // reserved (insist)
		Bytes()

	return c.sendDirect(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionOpen, args))
}

// start launches the background goroutines after a successful handshake
func (c *Connection) start() {
	now := time.Now().UnixNano()
	c.lastSent.Store(now)
	c.lastRecv.Store(now)

	c.state.Store(int32(StateOpen))

	if c.factory.OutboxPath != "" {
		ob, err := openOutbox(c.factory.OutboxPath)
		if err != nil {
			c.logger.Warn("outbox disabled", "error", err)
		} else {
			c.outbox = ob
		}
	}

	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()

	if c.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeater()
	}
}

// sendFrames enqueues a batch of frames for the writer goroutine. The whole
// batch hits the wire contiguously, which is what keeps a publish's method,
// header and body frames from interleaving with other channels' traffic.
func (c *Connection) sendFrames(frames ...*frame.Frame) error {
	select {
	case <-c.closed:
		return c.closeError()
	default:
	}

	select {
	case c.writeQ <- frames:
		return nil
	case <-c.closed:
		return c.closeError()
	}
}

// closeError returns the error the connection died with, never nil once the
// connection is closed.
func (c *Connection) closeError() error {
	select {
	case <-c.closed:
		if c.closeErr != nil {
			return c.closeErr
		}
		return ErrClosed
	default:
		return nil
	}
}

// NewChannel opens a channel with a background context
func (c *Connection) NewChannel() (*Channel, error) {
	return c.NewChannelWithContext(context.Background())
}

// NewChannelWithContext allocates the lowest free channel id and performs the
// Channel.Open round trip on it.
func (c *Connection) NewChannelWithContext(ctx context.Context) (*Channel, error) {
	if c.GetState() != StateOpen {
		if err := c.closeError(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}

	c.mu.Lock()
	id, ok := c.allocator.Allocate()
	if !ok {
		c.mu.Unlock()
		return nil, ErrChannelMax
	}
	ch := newChannel(c, uint16(id))
	c.channels[uint16(id)] = ch
	c.mu.Unlock()

	if err := ch.open(ctx); err != nil {
		c.mu.Lock()
		delete(c.channels, uint16(id))
		c.allocator.Release(id)
		c.mu.Unlock()
		return nil, err
	}

	c.metrics.ChannelOpened()
	return ch, nil
}

// removeChannel detaches a channel and frees its id for reuse. Called only
// after the Close/Close-Ok exchange for that channel has completed.
func (c *Connection) removeChannel(id uint16) {
	c.mu.Lock()
	if _, ok := c.channels[id]; ok {
		delete(c.channels, id)
		c.allocator.Release(int(id))
	}
	c.mu.Unlock()
}

func (c *Connection) channel(id uint16) (*Channel, bool) {
	c.mu.Lock()
	ch, ok := c.channels[id]
	c.mu.Unlock()
	return ch, ok
}

// Close performs a graceful shutdown: Connection.Close is sent, the server's
// Close-Ok awaited (bounded by closeOkTimeout), then everything is torn down.
func (c *Connection) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeOkTimeout)
	defer cancel()
	return c.CloseWithContext(ctx, protocol.ReplySuccess, "connection closed")
}

// CloseWithContext closes the connection with an explicit reply code and text.
// Closing an already gracefully closed connection is a no-op; closing a
// connection that died abnormally returns the error it died with.
func (c *Connection) CloseWithContext(ctx context.Context, code int, text string) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		if c.GetState() == StateClosed {
			return nil
		}
		return c.closeError()
	}

	args := frame.NewBuilder().
		Uint16(uint16(code)).
		ShortString(text).
		Uint16(0).
		Uint16(0).
		Bytes()

	if err := c.sendFrames(frame.NewMethod(0, protocol.ClassConnection, protocol.MethodConnectionClose, args)); err == nil {
		select {
		case <-c.closeOkCh:
		case <-ctx.Done():
			c.logger.Warn("close-ok not received, forcing teardown")
		case <-c.closed:
		}
	}

	c.closeWithError(ErrClosed)
	c.wg.Wait()
	return nil
}

// closeWithError tears the connection down exactly once: the socket is
// closed, every channel's pending work is failed and every listener is told.
// Safe to call from any goroutine, including the reader and writer loops.
func (c *Connection) closeWithError(err *Error) {
	c.closeOnce.Do(func() {
		c.closeErr = err

		prev := ConnectionState(c.state.Load())
		if prev == StateClosing || err == ErrClosed {
			c.state.Store(int32(StateClosed))
		} else {
			c.state.Store(int32(StateError))
		}

		close(c.closed)
		c.conn.Close()

		c.mu.Lock()
		channels := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		listeners := c.closeListeners
		c.closeListeners = nil
		c.mu.Unlock()

		for _, ch := range channels {
			ch.shutdown(err)
		}

		for _, l := range listeners {
			l <- err
			close(l)
		}

		if c.outbox != nil {
			c.outbox.close()
		}

		c.metrics.ConnectionClosed()
		c.logger.Debug("connection closed", "state", ConnectionState(c.state.Load()).String(), "error", err)

		if prev == StateOpen && err != ErrClosed && c.recovery.enabled {
			go c.runRecovery(err)
		} else {
			// ReleaseTimeout joins the pool's maintenance goroutines so a
			// closed connection leaves nothing running behind it.
			if err := c.notifyPool.ReleaseTimeout(time.Second); err != nil {
				c.logger.Debug("notification pool release", "error", err)
			}
		}
	})
}

// IsClosed reports whether the connection is no longer usable
func (c *Connection) IsClosed() bool {
	s := c.GetState()
	return s == StateClosed || s == StateError
}

// GetState returns the current connection state
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsBlocked reports whether the server has flow-blocked the connection
func (c *Connection) IsBlocked() bool {
	return c.blocked.Load()
}

// NotifyClose registers a listener for connection teardown. The channel
// receives the terminal error and is then closed. The channel must be
// buffered or drained promptly. If the connection is already closed the
// error is delivered immediately.
func (c *Connection) NotifyClose(ch chan *Error) chan *Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		ch <- c.closeErr
		close(ch)
	default:
		c.closeListeners = append(c.closeListeners, ch)
	}
	return ch
}

// NotifyBlocked registers a listener for Connection.Blocked and Unblocked
func (c *Connection) NotifyBlocked(ch chan BlockedNotification) chan BlockedNotification {
	c.mu.Lock()
	c.blockedListeners = append(c.blockedListeners, ch)
	c.mu.Unlock()
	return ch
}

// GetChannelCount returns the number of open channels
func (c *Connection) GetChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// GetChannelMax returns the negotiated channel limit
func (c *Connection) GetChannelMax() uint16 {
	return c.channelMax
}

// GetFrameMax returns the negotiated maximum frame size
func (c *Connection) GetFrameMax() uint32 {
	return c.frameMax
}

// GetHeartbeat returns the negotiated heartbeat interval, zero when disabled
func (c *Connection) GetHeartbeat() time.Duration {
	return c.heartbeat
}

// ServerProperties returns the property table the server sent in Start
func (c *Connection) ServerProperties() Table {
	return c.serverProperties
}

// notify runs fn on the notification pool so callbacks never run on the
// reader goroutine.
func (c *Connection) notify(fn func()) {
	if err := c.notifyPool.Submit(fn); err != nil {
		c.logger.Debug("notification dropped", "error", err)
	}
}

func containsToken(s, token string) bool {
	for len(s) > 0 {
		i := 0
		for i < len(s) && s[i] != ' ' {
			i++
		}
		if s[:i] == token {
			return true
		}
		if i == len(s) {
			break
		}
		s = s[i+1:]
	}
	return false
}
