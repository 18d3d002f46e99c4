package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/babelrelay/internal/language"
)

var ErrExists = errors.New("session already exists for connection")

// Session is the per-connection language and activity state.
type Session struct {
	ConnID         string    `json:"connection_id"`
	UserID         string    `json:"user_id"`
	SourceLanguage string    `json:"source_language"`
	TargetLanguage string    `json:"target_language"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Defaults is the language pair assigned to new sessions and substituted for
// unsupported codes.
type Defaults struct {
	Source string
	Target string
}

// Manager owns the Session of every live connection. Lookups return copies.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	catalog  *language.Catalog
	defaults Defaults
	now      func() time.Time
}

func NewManager(catalog *language.Catalog, defaults Defaults) *Manager {
	if catalog == nil {
		catalog = language.Default()
	}
	if defaults.Source == "" {
		defaults.Source = "en"
	}
	if defaults.Target == "" {
		defaults.Target = "es"
	}
	return &Manager{
		sessions: make(map[string]*Session),
		catalog:  catalog,
		defaults: defaults,
		now:      time.Now,
	}
}

func (m *Manager) Create(connID string) (*Session, error) {
	now := m.now()
	s := &Session{
		ConnID:         connID,
		UserID:         uuid.NewString(),
		SourceLanguage: m.defaults.Source,
		TargetLanguage: m.defaults.Target,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[connID]; ok {
		return nil, ErrExists
	}
	m.sessions[connID] = s
	return clone(s), nil
}

func (m *Manager) Get(connID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[connID]
	if !ok {
		return nil, false
	}
	return clone(s), true
}

// SetLanguages stores the pair, replacing unsupported codes with the defaults.
// It reports false when no session exists for connID.
func (m *Manager) SetLanguages(connID, source, target string) (*Session, bool) {
	source = m.catalog.Resolve(source, m.defaults.Source)
	target = m.catalog.Resolve(target, m.defaults.Target)

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connID]
	if !ok {
		return nil, false
	}
	s.SourceLanguage = source
	s.TargetLanguage = target
	return clone(s), true
}

// Touch advances LastActivityAt. It never moves backwards.
func (m *Manager) Touch(connID string) (*Session, bool) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connID]
	if !ok {
		return nil, false
	}
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
	}
	return clone(s), true
}

// Remove deletes and returns the session. A second call for the same id reports false.
func (m *Manager) Remove(connID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[connID]
	if !ok {
		return nil, false
	}
	delete(m.sessions, connID)
	return s, true
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Catalog is the language catalog used for validation.
func (m *Manager) Catalog() *language.Catalog { return m.catalog }

// Clear drops every session and returns how many were removed.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	return n
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
