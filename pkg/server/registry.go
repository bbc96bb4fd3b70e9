package server

import (
	"sort"
	"sync"
)

// Registry maps an authenticated server id to its live session so pushes
// can find it. It never owns sessions; their goroutines do.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	metrics  *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int64]*Session)}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register maps serverID to sess and returns the session it replaced, if any.
// The replaced session is left running.
func (r *Registry) Register(serverID int64, sess *Session) *Session {
	r.mu.Lock()
	prev := r.sessions[serverID]
	r.sessions[serverID] = sess
	n := len(r.sessions)
	r.mu.Unlock()

	r.record(n)
	return prev
}

// Lookup returns the live session for serverID, nil if none
func (r *Registry) Lookup(serverID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[serverID]
}

// Deregister removes serverID only while it still maps to sess, so a
// superseded session closing late cannot evict its replacement
func (r *Registry) Deregister(serverID int64, sess *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[serverID]
	removed := ok && current == sess
	if removed {
		delete(r.sessions, serverID)
	}
	n := len(r.sessions)
	r.mu.Unlock()

	if removed {
		r.record(n)
	}
	return removed
}

// Count returns the number of registered servers
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ServerIDs returns the registered server ids in ascending order
func (r *Registry) ServerIDs() []int64 {
	r.mu.Lock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) record(n int) {
	if r.metrics != nil {
		r.metrics.RecordAuthenticatedSessions(n)
	}
}
