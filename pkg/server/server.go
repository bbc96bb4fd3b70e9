package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aeolun/mcconnect/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server relays Minecraft plugin connections to the data store
type Server struct {
	store    DataStore
	names    NameResolver
	sessions *SessionManager
	registry *Registry
	codec    *protocol.Codec
	config   ServerConfig
	metrics  *Metrics

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	opsListener  net.Listener
	opsServer    *http.Server

	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup // background loops
	sessionWG sync.WaitGroup // one per live session goroutine
}

// ServerConfig holds server configuration
type ServerConfig struct {
	BindAddress string
	TCPPort     int // 0 picks a free port
	HTTPPort    int // WebSocket listener, negative disables
	MetricsPort int // /metrics, /health, /servers; negative disables

	HeaderWidth   int
	MaxFrameBytes int

	HeartbeatInterval    time.Duration // how often we push !heartbeat
	HeartbeatTimeout     time.Duration // silence after which a session is dropped
	PollInterval         time.Duration // liveness check period
	MaxUnauthorizedBeats int
	WriteTimeout         time.Duration

	LoginPollInterval time.Duration
	ChallengeTTL      time.Duration // 0 keeps challenges until delivered or orphaned

	NameLookupURL        string
	NameLookupRate       float64 // requests per second
	NameBackfillInterval time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:     9991,
		HTTPPort:    8080,
		MetricsPort: 9090,

		HeaderWidth:   protocol.DefaultHeaderWidth,
		MaxFrameBytes: protocol.MaxFrameSize,

		HeartbeatInterval:    5 * time.Second,
		HeartbeatTimeout:     7 * time.Second,
		PollInterval:         time.Second,
		MaxUnauthorizedBeats: 5,
		WriteTimeout:         5 * time.Second,

		LoginPollInterval: 5 * time.Second,
		ChallengeTTL:      5 * time.Minute,

		NameLookupURL:        "https://playerdb.co/api/player/minecraft/",
		NameLookupRate:       2,
		NameBackfillInterval: time.Minute,
	}
}

// NewServer creates a new server instance
func NewServer(store DataStore, config ServerConfig) *Server {
	metrics := NewMetrics()
	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	registry := NewRegistry()
	registry.SetMetrics(metrics)

	return &Server{
		store:     store,
		sessions:  sessions,
		registry:  registry,
		codec:     protocol.NewCodec(config.HeaderWidth, config.MaxFrameBytes),
		config:    config,
		metrics:   metrics,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
}

// SetNameResolver enables the player name backfill loop
func (s *Server) SetNameResolver(r NameResolver) {
	s.names = r
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// DataDir returns the relay data directory, creating it if needed
func DataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "mcconnect")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "mcconnect")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLoggers sends errors to stderr and errors.log, and the standard
// logger (used by the database package too) to stdout and server.log
func InitLoggers(dataDir string) error {
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker to tell runs apart
	if _, err := fmt.Fprintf(errorFile, "=== Relay started at %s ===\n", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging writes per-frame debug lines to debug.log
func EnableDebugLogging(dataDir string) {
	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

func (s *Server) listenAddr(port int) string {
	return net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port))
}

// Start starts the relay listener, the HTTP listeners and the background loops
func (s *Server) Start() error {
	addr := s.listenAddr(s.config.TCPPort)

	lc := net.ListenConfig{Control: reuseAddrControl}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if err := s.startHTTP(); err != nil {
		s.listener.Close()
		return err
	}

	// Listen overflow monitor (Linux only)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	s.wg.Add(1)
	go s.loginBroadcastLoop()

	if s.names != nil && s.config.NameBackfillInterval > 0 {
		if _, ok := s.store.(PlayerNameStore); ok {
			s.wg.Add(1)
			go s.nameBackfillLoop()
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the relay listener address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server: no new connections, every session
// closed, every loop finished
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
			log.Println("TCP listener closed")
		}

		s.stopHTTP()

		log.Printf("Closing %d session(s)...", s.sessions.Count())
		s.sessions.CloseAll()

		s.wg.Wait()
		s.sessionWG.Wait()

		log.Println("Graceful shutdown complete")
	})
	return nil
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown() || errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		// Disable Nagle's algorithm, replies are tiny
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.handleConnection(conn, "tcp")
	}
}

// handleConnection creates a session for conn and runs it in its own goroutine
func (s *Server) handleConnection(conn net.Conn, connType string) *Session {
	if s.shuttingDown() {
		conn.Close()
		return nil
	}

	sess := s.sessions.CreateSession(conn, connType, s.codec, s.config.WriteTimeout)
	debugLog.Printf("New %s connection from %s (session %d)", connType, sess.RemoteAddr, sess.ID)

	s.sessionWG.Add(1)
	go func() {
		defer s.sessionWG.Done()
		s.runSession(sess)
	}()

	return sess
}
