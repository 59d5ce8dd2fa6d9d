package live

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry maintains all connected Sessions, indexed by connection and by
// user. Unlike a one-session-per-user model, a user keeps presence until the
// last of their connections goes away.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Session            // connID → session
	userConns map[string]map[string]*Session // userID → connID → session
	logger    *zap.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		conns:     make(map[string]*Session),
		userConns: make(map[string]map[string]*Session),
		logger:    logger,
	}
}

// Register adds a session. Returns true when this is the user's first live
// connection, i.e. the user just came online.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[s.ConnID] = s
	set, ok := r.userConns[s.UserID]
	if !ok {
		set = make(map[string]*Session)
		r.userConns[s.UserID] = set
	}
	set[s.ConnID] = s
	first := len(set) == 1
	r.logger.Info("session registered",
		zap.String("conn_id", s.ConnID),
		zap.String("user_id", s.UserID),
		zap.Bool("first", first))
	return first
}

// Unregister removes a session. Returns the number of connections the user
// still holds; zero means the user just went offline.
func (r *Registry) Unregister(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, s.ConnID)
	remaining := 0
	if set, ok := r.userConns[s.UserID]; ok {
		delete(set, s.ConnID)
		remaining = len(set)
		if remaining == 0 {
			delete(r.userConns, s.UserID)
		}
	}
	r.logger.Info("session unregistered",
		zap.String("conn_id", s.ConnID),
		zap.String("user_id", s.UserID),
		zap.Int("remaining", remaining))
	return remaining
}

// Get returns the session for a connection ID, or nil.
func (r *Registry) Get(connID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

// IsOnline reports whether a user holds at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns[userID]) > 0
}

// ConnectionsOf returns a snapshot of a user's sessions.
func (r *Registry) ConnectionsOf(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.userConns[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// OnlineCount returns the number of distinct online users.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns)
}

// ConnCount returns the number of live connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot slice of every current session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.conns))
	for _, s := range r.conns {
		out = append(out, s)
	}
	return out
}

// SweepIdle closes sessions idle beyond maxIdle. Returns how many were
// closed. The read loop handles the actual unregister on close.
func (r *Registry) SweepIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	closed := 0
	for _, s := range r.All() {
		if s.LastSeen().Before(cutoff) {
			s.Close()
			closed++
		}
	}
	if closed > 0 {
		r.logger.Info("idle sessions swept", zap.Int("count", closed))
	}
	return closed
}

// CloseAll gracefully closes every session, waiting briefly for the read
// loops to unwind.
func (r *Registry) CloseAll() {
	sessions := r.All()
	r.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	maxWait := 10 * time.Second
	start := time.Now()
	for time.Since(start) < maxWait {
		if r.ConnCount() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
