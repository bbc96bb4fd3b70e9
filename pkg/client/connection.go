package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/mcconnect/pkg/protocol"
)

var (
	// ErrNotConnected is returned when sending without a live connection
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("connection closed")
)

// LoginPin is a login notification pushed by the relay
type LoginPin struct {
	PlayerUUID string
	Pin        string
}

// Connection is the plugin side of a relay session. It answers
// !heartbeat pushes on its own and surfaces everything else on channels.
type Connection struct {
	addr  string
	dial  func() (net.Conn, error)
	codec *protocol.Codec

	conn      net.Conn
	mu        sync.RWMutex
	connected bool
	writeMu   sync.Mutex

	// Channels for communication
	replies chan protocol.ReplyCode
	logins  chan LoginPin
	pushes  chan string // !sendAllPlayerStats and anything unrecognised
	errors  chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	heartbeats    atomic.Uint64
	dropped       atomic.Uint64

	autoBeat bool

	// Logging
	logger *log.Logger

	// Shutdown
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a connection for addr (host:port, tcp://, ws:// or wss://)
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:     dialConfig.display,
		dial:     dialConfig.dial,
		codec:    protocol.DefaultCodec(),
		replies:  make(chan protocol.ReplyCode, 100),
		logins:   make(chan LoginPin, 100),
		pushes:   make(chan string, 100),
		errors:   make(chan error, 10),
		autoBeat: true,
		shutdown: make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetCodec overrides the framing, for relays with a non-default header width
func (c *Connection) SetCodec(codec *protocol.Codec) {
	c.codec = codec
}

// DisableAutoBeat stops the connection from answering !heartbeat
func (c *Connection) DisableAutoBeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoBeat = false
}

// logf logs a message if a logger is set
func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect establishes the connection to the relay
func (c *Connection) Connect() error {
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)

	conn, err := c.dial()
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.addr)

	c.wg.Add(1)
	go c.readLoop(conn)

	return nil
}

// Disconnect closes the connection without a !DISCONNECT
func (c *Connection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.logf("Disconnecting from %s", c.addr)
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close says goodbye to the relay if connected and shuts down permanently
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.IsConnected() {
			// Best effort, the relay closes its side on !DISCONNECT
			_ = c.Send(protocol.KeywordDisconnect)
		}
		close(c.shutdown)
		c.Disconnect()
		c.wg.Wait()
		close(c.replies)
		close(c.logins)
		close(c.pushes)
		close(c.errors)
	})
}

// Send writes one framed message to the relay
func (c *Connection) Send(msg string) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	buf, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	if _, err := writer.Write(buf); err != nil {
		c.logf("Write error: %v", err)
		c.handleDisconnect(conn)
		return fmt.Errorf("write error: %w", err)
	}

	c.logf("→ SEND: %s", msg)
	return nil
}

// Authenticate sends !AUTH and waits for the relay's answer
func (c *Connection) Authenticate(ctx context.Context, token string) (protocol.ReplyCode, error) {
	if err := c.Send(protocol.AuthMessage(token)); err != nil {
		return "", err
	}
	return c.AwaitReply(ctx)
}

// Join reports a player joining and waits for the reply
func (c *Connection) Join(ctx context.Context, playerUUID string) (protocol.ReplyCode, error) {
	if err := c.Send(protocol.JoinMessage(playerUUID)); err != nil {
		return "", err
	}
	return c.AwaitReply(ctx)
}

// Quit reports a player leaving and waits for the reply
func (c *Connection) Quit(ctx context.Context, playerUUID string) (protocol.ReplyCode, error) {
	if err := c.Send(protocol.QuitMessage(playerUUID)); err != nil {
		return "", err
	}
	return c.AwaitReply(ctx)
}

// SendStats pushes a stats snapshot. The relay does not reply.
func (c *Connection) SendStats(playerUUID, stats string) error {
	return c.Send(protocol.StatsMessage(playerUUID, stats))
}

// Beat sends one !BEAT
func (c *Connection) Beat() error {
	return c.Send(protocol.KeywordBeat)
}

// AwaitReply waits for the next coded reply
func (c *Connection) AwaitReply(ctx context.Context) (protocol.ReplyCode, error) {
	select {
	case code, ok := <-c.replies:
		if !ok {
			return "", ErrClosed
		}
		return code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Replies returns the channel of coded replies
func (c *Connection) Replies() <-chan protocol.ReplyCode {
	return c.replies
}

// LoginPins returns the channel of login notifications
func (c *Connection) LoginPins() <-chan LoginPin {
	return c.logins
}

// Pushes returns the channel of other relay pushes
func (c *Connection) Pushes() <-chan string {
	return c.pushes
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the relay address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// HeartbeatsAnswered returns how many !heartbeat pushes were answered
func (c *Connection) HeartbeatsAnswered() uint64 {
	return c.heartbeats.Load()
}

// Dropped returns how many login PINs and pushes were discarded because
// their channel was full
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// readLoop reads messages until the connection drops
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()

	reader := &countingReader{r: conn, counter: &c.bytesReceived}
	for {
		msg, err := c.codec.ReadMessage(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, protocol.ErrConnectionClosed) {
				c.logf("Connection closed by relay")
			} else {
				c.logf("Read error: %v", err)
			}
			if c.handleDisconnect(conn) {
				c.report(fmt.Errorf("read error: %w", err))
			}
			return
		}

		c.logf("← RECV: %s", msg)
		c.dispatch(msg)
	}
}

// dispatch routes one relay message
func (c *Connection) dispatch(msg string) {
	if msg == protocol.PushHeartbeat {
		c.mu.RLock()
		autoBeat := c.autoBeat
		c.mu.RUnlock()
		if autoBeat {
			if err := c.Beat(); err == nil {
				c.heartbeats.Add(1)
			}
			return
		}
	}

	if code, ok := protocol.ParseReply(msg); ok {
		deliver(c, c.replies, code)
		return
	}

	if strings.HasPrefix(msg, protocol.PushLoginPinKeyword+protocol.Separator) {
		if uuid, pin, ok := protocol.ParseLoginPin(msg); ok {
			offer(c, c.logins, LoginPin{PlayerUUID: uuid, Pin: pin})
			return
		}
	}

	offer(c, c.pushes, msg)
}

// deliver blocks until v is taken. Only replies use it: every reply has a
// caller waiting in AwaitReply.
func deliver[T any](c *Connection, ch chan T, v T) {
	select {
	case ch <- v:
	case <-c.shutdown:
	}
}

// offer drops v when nobody drains ch, so heartbeats keep being answered
func offer[T any](c *Connection, ch chan T, v T) {
	select {
	case ch <- v:
	default:
		c.dropped.Add(1)
		c.logf("Dropped relay push, channel full: %v", v)
	}
}

func (c *Connection) report(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// handleDisconnect marks conn as gone. It returns false when conn had
// already been replaced or closed.
func (c *Connection) handleDisconnect(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn != conn {
		return false
	}
	c.connected = false
	c.conn.Close()
	c.conn = nil
	c.logf("Disconnected from relay")
	return true
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

// dialTimeout bounds TCP and WebSocket dials
const dialTimeout = 10 * time.Second
