package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/vigil-data/hallwatch/internal/monitoring"
)

// SessionFactory builds a session for a newly registered source.
type SessionFactory func(sourceID string) *Session

type runningSession struct {
	session *Session
	cancel  context.CancelFunc
}

// Registry tracks the live session for each registered source. Registering
// starts the session's Run goroutine; deregistering stops it.
type Registry struct {
	mu       sync.RWMutex
	factory  SessionFactory
	sessions map[string]*runningSession
	logf     func(format string, v ...interface{})
}

func NewRegistry(factory SessionFactory) *Registry {
	return &Registry{
		factory:  factory,
		sessions: make(map[string]*runningSession),
		logf:     monitoring.Component("Registry"),
	}
}

// Register creates and starts a session for sourceID. The session runs until
// Deregister, Close, or ctx cancellation.
func (r *Registry) Register(ctx context.Context, sourceID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sourceID]; ok {
		return nil, fmt.Errorf("source %s already registered", sourceID)
	}
	s := r.factory(sourceID)
	sctx, cancel := context.WithCancel(ctx)
	r.sessions[sourceID] = &runningSession{session: s, cancel: cancel}
	go s.Run(sctx)
	r.logf("registered source %s", sourceID)
	return s, nil
}

// Deregister stops and removes the session for sourceID.
func (r *Registry) Deregister(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rs, ok := r.sessions[sourceID]
	if !ok {
		return
	}
	rs.cancel()
	delete(r.sessions, sourceID)
	r.logf("deregistered source %s", sourceID)
}

// Get returns the session for sourceID, or nil.
func (r *Registry) Get(sourceID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.sessions[sourceID]
	if !ok {
		return nil
	}
	return rs.session
}

// Snapshots returns the current view of every registered session.
func (r *Registry) Snapshots() []SessionSnapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, rs := range r.sessions {
		sessions = append(sessions, rs.session)
	}
	r.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Close stops every session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rs := range r.sessions {
		rs.cancel()
		delete(r.sessions, id)
	}
}
