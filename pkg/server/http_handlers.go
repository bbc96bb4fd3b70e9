package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// ServerEntry describes one registered server on /servers
type ServerEntry struct {
	ServerID      int64     `json:"server_id"`
	SessionID     uint64    `json:"session_id"`
	RemoteAddr    string    `json:"remote_addr"`
	ConnType      string    `json:"conn_type"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// opsRouter serves metrics, health and the registry listing
func (s *Server) opsRouter() *httprouter.Router {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	router.GET("/health", s.HealthHandler)
	router.GET("/servers", s.ServersHandler)
	return router
}

// publicRouter serves the WebSocket transport
func (s *Server) publicRouter() *httprouter.Router {
	router := httprouter.New()
	router.GET("/ws", s.HandleWebSocket)
	return router
}

// startHTTP opens the public and ops listeners. A negative port disables one.
func (s *Server) startHTTP() error {
	if s.config.HTTPPort >= 0 {
		ln, srv, err := s.serveHTTP("WebSocket", s.config.HTTPPort, s.publicRouter())
		if err != nil {
			return err
		}
		s.httpListener, s.httpServer = ln, srv
		log.Printf("WebSocket transport on ws://%s/ws", ln.Addr())
	}

	if s.config.MetricsPort >= 0 {
		ln, srv, err := s.serveHTTP("ops", s.config.MetricsPort, s.opsRouter())
		if err != nil {
			s.stopHTTP()
			return err
		}
		s.opsListener, s.opsServer = ln, srv
		log.Printf("Ops endpoints on http://%s (/metrics, /health, /servers)", ln.Addr())
	}

	return nil
}

func (s *Server) serveHTTP(name string, port int, handler http.Handler) (net.Listener, *http.Server, error) {
	addr := s.listenAddr(port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for %s on %s: %w", name, addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("%s HTTP server error: %v", name, err)
		}
	}()

	return ln, srv, nil
}

// stopHTTP shuts both HTTP servers down. Hijacked WebSocket connections
// are sessions and get closed with the rest.
func (s *Server) stopHTTP() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{s.httpServer, s.opsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown error: %v", err)
		}
	}
}

// HTTPAddr returns the WebSocket listener address, nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// MetricsAddr returns the ops listener address, nil when disabled
func (s *Server) MetricsAddr() net.Addr {
	if s.opsListener == nil {
		return nil
	}
	return s.opsListener.Addr()
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	health := map[string]interface{}{
		"status":             "healthy",
		"uptime_seconds":     int64(time.Since(s.startTime).Seconds()),
		"active_sessions":    s.sessions.Count(),
		"registered_servers": s.registry.Count(),
	}

	status := http.StatusOK
	if pinger, ok := s.store.(Pinger); ok {
		if err := pinger.Ping(); err != nil {
			errorLog.Printf("Health check: database unreachable: %v", err)
			health["status"] = "degraded"
			health["database_accessible"] = false
			status = http.StatusServiceUnavailable
		} else {
			health["database_accessible"] = true
		}
	}

	writeJSON(w, status, health)
}

// ServersHandler lists the servers that currently have a live session
func (s *Server) ServersHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	entries := s.ServerEntries()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers": entries,
		"count":   len(entries),
	})
}

// ServerEntries snapshots the registry ordered by server id
func (s *Server) ServerEntries() []ServerEntry {
	ids := s.registry.ServerIDs()
	entries := make([]ServerEntry, 0, len(ids))
	for _, id := range ids {
		sess := s.registry.Lookup(id)
		if sess == nil {
			continue // deregistered since ServerIDs
		}
		entries = append(entries, ServerEntry{
			ServerID:      id,
			SessionID:     sess.ID,
			RemoteAddr:    sess.RemoteAddr,
			ConnType:      sess.ConnType,
			ConnectedAt:   sess.ConnectedAt,
			LastHeartbeat: sess.LastHeartbeat(),
		})
	}
	return entries
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
