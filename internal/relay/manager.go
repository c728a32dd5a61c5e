package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/stratovm/udp-relay/internal/meter"
)

// SessionManager creates and tracks sessions for one relay instance. It is
// a plain value owned by the caller, never a process-wide singleton, so
// independent relay instances can coexist (and be tested) in one process.
type SessionManager struct {
	cfg     SessionConfig
	metrics *meter.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(cfg SessionConfig, m *meter.Metrics) *SessionManager {
	if m == nil {
		m = meter.New()
	}
	return &SessionManager{
		cfg:      cfg,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

func (sm *SessionManager) Metrics() *meter.Metrics { return sm.metrics }

// CreateSession admits an anonymous client under a random session id.
func (sm *SessionManager) CreateSession() (*Session, error) {
	return sm.create(uuid.NewString(), false)
}

// CreateSessionForKey admits a client under a stable key (the verified
// token's sid claim). A key can have at most one live session.
func (sm *SessionManager) CreateSessionForKey(key string) (*Session, error) {
	if key == "" {
		return sm.CreateSession()
	}
	return sm.create(key, true)
}

func (sm *SessionManager) create(id string, stable bool) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.cfg.MaxSessions > 0 && len(sm.sessions) >= sm.cfg.MaxSessions {
		sm.metrics.Inc(meter.DropTooManySessions)
		return nil, ErrTooManySessions
	}
	if stable {
		if _, ok := sm.sessions[id]; ok {
			return nil, ErrSessionAlreadyActive
		}
	}

	sess := newSession(id, sm.cfg, sm.metrics, func() {
		sm.remove(id)
	})
	sm.sessions[id] = sess
	sm.metrics.SessionsTotal.Inc()
	sm.metrics.SessionsActive.Inc()
	return sess, nil
}

func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	_, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		sm.metrics.SessionsActive.Dec()
	}
}

// Len reports the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// CloseAll tears down every live session. Used on shutdown.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	all := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
}
