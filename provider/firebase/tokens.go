package firebase

import (
	"context"
	"sync"
	"time"

	prep "github.com/goliatone/go-prep"
)

const (
	// LocalSessionTTL is how long a "remember me" session is kept
	LocalSessionTTL = 30 * 24 * time.Hour
	// BrowserSessionTTL is how long a session only login is kept
	BrowserSessionTTL = 12 * time.Hour
)

// Session is what the client keeps per device after a sign in
type Session struct {
	UID          string            `json:"uid"`
	IDToken      string            `json:"id_token"`
	RefreshToken string            `json:"refresh_token"`
	ExpiresAt    time.Time         `json:"expires_at"`
	Persistence  prep.Persistence  `json:"persistence"`
	User         prep.ProviderUser `json:"user"`
	SavedAt      time.Time         `json:"saved_at"`
}

// Expired reports whether the ID token needs a refresh, with leeway
func (s *Session) Expired(now time.Time, leeway time.Duration) bool {
	return s.ExpiresAt.IsZero() || !now.Add(leeway).Before(s.ExpiresAt)
}

// SessionTTL returns how long a session with persistence p is retained
func SessionTTL(p prep.Persistence) time.Duration {
	if p == prep.PersistenceSession {
		return BrowserSessionTTL
	}
	return LocalSessionTTL
}

// TokenStore keeps sessions keyed by device id.
// Load returns nil and no error when the device has no session.
type TokenStore interface {
	Load(ctx context.Context, device string) (*Session, error)
	Save(ctx context.Context, device string, session *Session) error
	Delete(ctx context.Context, device string) error
}

// MemoryTokenStore is a process local TokenStore
type MemoryTokenStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemoryTokenStore creates an empty store
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		sessions: map[string]Session{},
		now:      time.Now,
	}
}

func (m *MemoryTokenStore) Load(ctx context.Context, device string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[device]
	m.mu.RUnlock()

	if !ok {
		return nil, nil
	}

	if m.now().Sub(s.SavedAt) > SessionTTL(s.Persistence) {
		_ = m.Delete(ctx, device)
		return nil, nil
	}

	return &s, nil
}

func (m *MemoryTokenStore) Save(ctx context.Context, device string, session *Session) error {
	if session == nil {
		return m.Delete(ctx, device)
	}

	s := *session
	if s.SavedAt.IsZero() {
		s.SavedAt = m.now()
	}

	m.mu.Lock()
	m.sessions[device] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryTokenStore) Delete(ctx context.Context, device string) error {
	m.mu.Lock()
	delete(m.sessions, device)
	m.mu.Unlock()
	return nil
}
