package token

import (
	"errors"
	"log/slog"
	"sync"
)

var ErrNoToken = errors.New("no token stored")

// Credentials is the persisted credential pair. An empty AccessToken means
// "logged out"; every other component only ever reads, the login/logout and
// refresh flows are the only writers.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (c Credentials) Empty() bool {
	return c.AccessToken == ""
}

// Persistence is the backing storage for credentials. Implementations must
// tolerate Load before any Save (return ErrNoToken).
type Persistence interface {
	Load() (Credentials, error)
	Save(Credentials) error
	Clear() error
}

// Store is the single owner of the Session credentials. Reads are served
// from memory; writes go through to persistence and fan out to watchers.
type Store struct {
	mu       sync.RWMutex
	creds    Credentials
	persist  Persistence
	watchers map[int]func(Credentials)
	nextID   int
}

// NewStore loads any persisted credentials into memory. persist may be nil
// for a purely in-memory store.
func NewStore(persist Persistence) *Store {
	s := &Store{
		persist:  persist,
		watchers: make(map[int]func(Credentials)),
	}
	if persist != nil {
		creds, err := persist.Load()
		switch {
		case err == nil:
			s.creds = creds
		case errors.Is(err, ErrNoToken):
			// fresh store
		default:
			slog.Warn("[TOKEN] Failed to load persisted credentials", "error", err)
		}
	}
	return s
}

// Get returns the current credentials.
func (s *Store) Get() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Access returns the current access token, or "" when logged out.
func (s *Store) Access() string {
	return s.Get().AccessToken
}

// Set replaces the credentials and notifies watchers. Setting the identical
// pair is a no-op (no watcher churn on redundant writes).
func (s *Store) Set(creds Credentials) {
	s.mu.Lock()
	if s.creds == creds {
		s.mu.Unlock()
		return
	}
	s.creds = creds
	if s.persist != nil {
		if err := s.persist.Save(creds); err != nil {
			slog.Warn("[TOKEN] Failed to persist credentials", "error", err)
		}
	}
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	for _, w := range watchers {
		w(creds)
	}
}

// Clear drops the credentials (logout). Watchers observe the empty pair.
func (s *Store) Clear() {
	s.mu.Lock()
	if s.creds.Empty() && s.creds.RefreshToken == "" {
		s.mu.Unlock()
		return
	}
	s.creds = Credentials{}
	if s.persist != nil {
		if err := s.persist.Clear(); err != nil {
			slog.Warn("[TOKEN] Failed to clear persisted credentials", "error", err)
		}
	}
	watchers := s.snapshotWatchers()
	s.mu.Unlock()

	for _, w := range watchers {
		w(Credentials{})
	}
}

// Identity decodes the viewer identity from the current access token.
// Returns false when logged out or the token is undecodable.
func (s *Store) Identity() (Identity, bool) {
	access := s.Access()
	if access == "" {
		return Identity{}, false
	}
	id, err := DecodeIdentity(access)
	if err != nil {
		slog.Warn("[TOKEN] Failed to decode identity from token", "error", err)
		return Identity{}, false
	}
	return id, true
}

// Watch registers fn to run on every credential change. The returned func
// unregisters it; after it returns fn is never called again.
func (s *Store) Watch(fn func(Credentials)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Store) snapshotWatchers() []func(Credentials) {
	out := make([]func(Credentials), 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w)
	}
	return out
}
