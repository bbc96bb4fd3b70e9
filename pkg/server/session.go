package server

import (
	"errors"
	"io"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/mcconnect/pkg/protocol"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	// ErrHeartbeatTimeout closes a session that stayed silent past the grace period
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrUnauthorizedBeats closes a session that keeps beating without authenticating
	ErrUnauthorizedBeats = errors.New("too many heartbeats before authentication")
	// ErrClientDisconnecting closes a session on !DISCONNECT
	ErrClientDisconnecting = errors.New("client disconnecting")
	// ErrServerShutdown closes every session when the relay stops
	ErrServerShutdown = errors.New("server shutting down")
	// ErrSessionClosed is returned when sending on a closed session
	ErrSessionClosed = errors.New("session closed")
)

// SessionState is the authentication state of a session
type SessionState int32

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateClosed
)

func (st SessionState) String() string {
	switch st {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SafeConn serializes framed writes on a connection so a reply and a
// broadcaster push can never interleave
type SafeConn struct {
	conn         net.Conn
	codec        *protocol.Codec
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewSafeConn wraps conn. A zero writeTimeout means no write deadline.
func NewSafeConn(conn net.Conn, codec *protocol.Codec, writeTimeout time.Duration) *SafeConn {
	if codec == nil {
		codec = protocol.DefaultCodec()
	}
	return &SafeConn{conn: conn, codec: codec, writeTimeout: writeTimeout}
}

// WriteMessage writes one framed message
func (c *SafeConn) WriteMessage(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.codec.WriteMessage(c.conn, msg)
}

// ReadMessage reads one framed message. Only the session's reader calls it.
func (c *SafeConn) ReadMessage() (string, error) {
	return c.codec.ReadMessage(c.conn)
}

// Close closes the underlying connection
func (c *SafeConn) Close() error {
	return c.conn.Close()
}

// Session represents one connected Minecraft server plugin
type Session struct {
	ID          uint64
	Conn        *SafeConn
	ConnType    string // "tcp" or "websocket"
	RemoteAddr  string
	ConnectedAt time.Time

	mu                    sync.Mutex // Protects the fields below
	state                 SessionState
	serverID              int64
	authenticated         bool // stays true after close so the registry entry can be removed
	lastHeartbeatReceived time.Time
	lastHeartbeatSent     time.Time
	unauthorizedBeats     int
	closeReason           error

	done      chan struct{}
	closeOnce sync.Once
	metrics   *Metrics
}

// State returns the current session state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerID returns the authenticated server id
func (s *Session) ServerID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID, s.authenticated
}

// LastHeartbeat returns when the peer was last heard from
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatReceived
}

// CloseReason returns why the session closed, nil while it is open
func (s *Session) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send writes one message to the peer. Safe to call from any goroutine.
func (s *Session) Send(msg string) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	if err := s.Conn.WriteMessage(msg); err != nil {
		return err
	}

	debugLog.Printf("Session %d → SEND: %s", s.ID, msg)
	if s.metrics != nil {
		s.metrics.RecordMessageSent(sentMessageKind(msg))
	}
	return nil
}

// Close closes the session once; later calls return false
func (s *Session) Close(reason error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		s.mu.Unlock()

		close(s.done)
		s.Conn.Close()
		closed = true
	})
	return closed
}

// authenticate moves the session to Authenticated for serverID
func (s *Session) authenticate(serverID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAuthenticated
	s.serverID = serverID
	s.authenticated = true
}

// touch records that a frame arrived
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeatReceived = now
	s.mu.Unlock()
}

// countUnauthorizedBeat returns the number of beats seen before auth
func (s *Session) countUnauthorizedBeat() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unauthorizedBeats++
	return s.unauthorizedBeats
}

// SessionManager tracks every live session, authenticated or not
type SessionManager struct {
	sessions *xsync.MapOf[uint64, *Session]
	nextID   atomic.Uint64
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: xsync.NewMapOf[uint64, *Session](),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for conn
func (sm *SessionManager) CreateSession(conn net.Conn, connType string, codec *protocol.Codec, writeTimeout time.Duration) *Session {
	now := time.Now()
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	sess := &Session{
		ID:                    sm.nextID.Add(1),
		Conn:                  NewSafeConn(conn, codec, writeTimeout),
		ConnType:              connType,
		RemoteAddr:            remote,
		ConnectedAt:           now,
		state:                 StateUnauthenticated,
		lastHeartbeatReceived: now,
		lastHeartbeatSent:     now,
		done:                  make(chan struct{}),
		metrics:               sm.metrics,
	}

	sm.sessions.Store(sess.ID, sess)

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sm.sessions.Size())
		sm.metrics.RecordSessionCreated(connType)
	}

	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	return sm.sessions.Load(sessionID)
}

// GetAllSessions returns all live sessions ordered by id
func (sm *SessionManager) GetAllSessions() []*Session {
	sessions := make([]*Session, 0, sm.sessions.Size())
	sm.sessions.Range(func(_ uint64, sess *Session) bool {
		sessions = append(sessions, sess)
		return true
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions
}

// Count returns the number of live sessions
func (sm *SessionManager) Count() int {
	return sm.sessions.Size()
}

// RemoveSession forgets a session and closes it with reason
func (sm *SessionManager) RemoveSession(sessionID uint64, reason error) {
	sess, ok := sm.sessions.LoadAndDelete(sessionID)
	if !ok {
		return
	}

	sess.Close(reason)

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sm.sessions.Size())
		sm.metrics.RecordSessionClosed(closeReasonLabel(reason))
	}
}

// CloseAll closes every session. Their goroutines remove them.
func (sm *SessionManager) CloseAll() {
	sm.sessions.Range(func(_ uint64, sess *Session) bool {
		sess.Close(ErrServerShutdown)
		return true
	})
}

// closeReasonLabel maps a close reason to a metrics label
func closeReasonLabel(reason error) string {
	switch {
	case reason == nil:
		return "unknown"
	case errors.Is(reason, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(reason, ErrUnauthorizedBeats):
		return "unauthorized_beats"
	case errors.Is(reason, ErrClientDisconnecting):
		return "client_disconnect"
	case errors.Is(reason, ErrServerShutdown):
		return "shutdown"
	case errors.Is(reason, protocol.ErrInvalidHeader), errors.Is(reason, protocol.ErrFrameTooLarge):
		return "framing_error"
	case errors.Is(reason, protocol.ErrConnectionClosed), errors.Is(reason, io.EOF):
		return "peer_closed"
	default:
		return "io_error"
	}
}

// runSession drives one session until it closes. Frames are read on a
// separate goroutine so liveness checks keep running while the peer is silent.
func (s *Server) runSession(sess *Session) {
	frames := make(chan string)
	readErr := make(chan error, 1)
	go s.readFrames(sess, frames, readErr)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	reason := s.sessionLoop(sess, frames, readErr, ticker.C)
	s.finishSession(sess, reason)
}

func (s *Server) sessionLoop(sess *Session, frames <-chan string, readErr <-chan error, tick <-chan time.Time) error {
	for {
		select {
		case payload := <-frames:
			if err := s.handleFrame(sess, payload); err != nil {
				return err
			}

		case err := <-readErr:
			return err

		case now := <-tick:
			if err := s.checkLiveness(sess, now); err != nil {
				return err
			}

		case <-sess.Done():
			if reason := sess.CloseReason(); reason != nil {
				return reason
			}
			return ErrSessionClosed
		}
	}
}

// readFrames feeds decoded payloads to the session loop until the
// connection fails or the session closes
func (s *Server) readFrames(sess *Session, frames chan<- string, readErr chan<- error) {
	for {
		payload, err := sess.Conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}

		select {
		case frames <- payload:
		case <-sess.Done():
			return
		}
	}
}

// finishSession deregisters and closes a session
func (s *Server) finishSession(sess *Session, reason error) {
	// A session closed from outside reports the original reason, not the read error it caused
	if r := sess.CloseReason(); r != nil {
		reason = r
	}
	if serverID, ok := sess.ServerID(); ok {
		s.registry.Deregister(serverID, sess)
	}
	s.sessions.RemoveSession(sess.ID, reason)

	switch {
	case errors.Is(reason, ErrClientDisconnecting), errors.Is(reason, ErrServerShutdown):
		debugLog.Printf("Session %d closed: %v", sess.ID, reason)
	case errors.Is(reason, protocol.ErrConnectionClosed):
		debugLog.Printf("Session %d: peer hung up", sess.ID)
	default:
		log.Printf("Session %d from %s closed: %v", sess.ID, sess.RemoteAddr, reason)
	}
}

// checkLiveness drops silent peers and pushes our own heartbeat
func (s *Server) checkLiveness(sess *Session, now time.Time) error {
	sess.mu.Lock()
	silentFor := now.Sub(sess.lastHeartbeatReceived)
	heartbeatDue := now.Sub(sess.lastHeartbeatSent) >= s.config.HeartbeatInterval
	if heartbeatDue {
		sess.lastHeartbeatSent = now
	}
	sess.mu.Unlock()

	if silentFor > s.config.HeartbeatTimeout {
		return ErrHeartbeatTimeout
	}

	if heartbeatDue {
		if err := sess.Send(protocol.PushHeartbeat); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame applies one payload to the state machine. A non-nil error
// closes the session.
func (s *Server) handleFrame(sess *Session, payload string) error {
	sess.touch(time.Now())

	cmd := protocol.ParseCommand(payload)
	debugLog.Printf("Session %d ← RECV: %s (%d bytes)", sess.ID, cmd.Kind, len(payload))
	s.metrics.RecordMessageReceived(cmd.Kind.String())

	if sess.State() != StateAuthenticated {
		return s.handleUnauthenticated(sess, cmd)
	}
	return s.handleAuthenticated(sess, cmd)
}

func (s *Server) handleUnauthenticated(sess *Session, cmd protocol.Command) error {
	switch cmd.Kind {
	case protocol.CommandBeat:
		if n := sess.countUnauthorizedBeat(); n >= s.config.MaxUnauthorizedBeats {
			return ErrUnauthorizedBeats
		}
		return nil

	case protocol.CommandAuth:
		return s.handleAuth(sess, cmd)

	case protocol.CommandDisconnect:
		return ErrClientDisconnecting

	default:
		return s.reply(sess, protocol.ReplyNoToken)
	}
}

func (s *Server) handleAuthenticated(sess *Session, cmd protocol.Command) error {
	switch cmd.Kind {
	case protocol.CommandBeat:
		// touch already refreshed liveness
		return nil

	case protocol.CommandDisconnect:
		return ErrClientDisconnecting

	case protocol.CommandJoin:
		return s.handleJoin(sess, cmd)

	case protocol.CommandQuit:
		return s.handleQuit(sess, cmd)

	case protocol.CommandStats:
		return s.handleStats(sess, cmd)

	case protocol.CommandMalformed:
		return s.reply(sess, protocol.ReplyMalformed)

	default:
		// Unknown keywords and a second !AUTH
		return s.reply(sess, protocol.ReplyUnknownCommand)
	}
}
