package deriv

import (
	"context"
	"fmt"
	"sync"

	"deriv-trading-core/config"
	"deriv-trading-core/internal/logging"
)

// SessionManager owns exactly one session per account
type SessionManager struct {
	cfg config.DerivConfig
	log *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a session manager
func NewSessionManager(cfg config.DerivConfig) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		log:      logging.WithComponent("session-manager"),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the ready session for an account, opening and
// authorizing a new one on first use.
func (m *SessionManager) GetOrCreate(ctx context.Context, accountID, token string) (*Session, error) {
	m.mu.Lock()
	if s, ok := m.sessions[accountID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := NewSession(accountID, token, m.cfg)
	m.sessions[accountID] = s
	m.mu.Unlock()

	if err := s.Connect(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, accountID)
		m.mu.Unlock()
		s.Close()
		return nil, fmt.Errorf("failed to open session for account %s: %w", accountID, err)
	}

	m.log.Info("session opened", "account_id", accountID)
	return s, nil
}

// Get returns the session for an account if one exists
func (m *SessionManager) Get(accountID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[accountID]
	return s, ok
}

// CloseAccount closes and removes one account's session
func (m *SessionManager) CloseAccount(accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}

// CloseAll cooperatively shuts down every session
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.log.Info("all sessions closed", "count", len(sessions))
}

// Stats returns per-account session stats
func (m *SessionManager) Stats() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	perAccount := make(map[string]interface{}, len(m.sessions))
	for id, s := range m.sessions {
		perAccount[id] = s.Stats()
	}
	return map[string]interface{}{
		"session_count": len(m.sessions),
		"sessions":      perAccount,
	}
}
