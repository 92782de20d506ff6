// Package realtime owns the single STOMP connection and keys its lifecycle
// to the authentication state: a connection exists exactly when a session
// does, and an account switch (not a silent token refresh) replaces it.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/stomp"
	"chatsync/internal/token"
)

const defaultReconnectDelay = 5 * time.Second

// State is what descendants get to see: the connection handle when ready,
// nil otherwise.
type State struct {
	Ready bool
	Conn  *stomp.Conn
}

// Manager maintains the connection invariant: at most one live connection,
// present iff the token store holds a session. A token replaced with the
// same subject keeps the connection; a different subject forces a fresh one.
type Manager struct {
	store          *token.Store
	url            string
	reconnectDelay time.Duration

	mu       sync.Mutex
	subject  string // subject of the running session, "" when none
	cancel   context.CancelFunc
	sessions sync.WaitGroup
	state    State
	watchers map[int]func(State)
	nextID   int
	closed   bool

	cancelWatch func()
}

// Option tunes the manager.
type Option func(*Manager)

// WithReconnectDelay overrides the fixed delay between dial attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(m *Manager) { m.reconnectDelay = d }
}

// NewManager starts watching the token store. If a session is already
// present the connection is opened immediately.
func NewManager(store *token.Store, url string, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		url:            url,
		reconnectDelay: defaultReconnectDelay,
		watchers:       make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.cancelWatch = store.Watch(func(creds token.Credentials) {
		m.onCredentials(creds)
	})
	m.onCredentials(store.Get())
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watch registers fn to run on every readiness transition. It is invoked
// immediately with the current state so late subscribers catch up.
func (m *Manager) Watch(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	state := m.state
	m.mu.Unlock()

	fn(state)
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// Close tears everything down. Idempotent; after Close returns no watcher
// fires again and the connection is gone.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancelWatch := m.cancelWatch
	m.mu.Unlock()

	if cancelWatch != nil {
		cancelWatch()
	}
	m.stopSession()
	m.sessions.Wait()
}

func (m *Manager) onCredentials(creds token.Credentials) {
	if creds.Empty() {
		m.stopSession()
		return
	}

	id, err := token.DecodeIdentity(creds.AccessToken)
	if err != nil {
		slog.Warn("[REALTIME] Undecodable access token, keeping current connection", "error", err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	same := m.subject == id.Subject && m.cancel != nil
	m.mu.Unlock()

	if same {
		// Silent refresh: same account, no reconnect.
		slog.Debug("[REALTIME] Token refreshed for current subject, connection kept", "subject", id.Subject)
		return
	}

	m.stopSession()
	m.startSession(id.Subject)
}

func (m *Manager) startSession(subject string) {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.subject = subject
	m.cancel = cancel
	m.sessions.Add(1)
	m.mu.Unlock()

	go m.sessionLoop(ctx, subject)
}

func (m *Manager) stopSession() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.subject = ""
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.sessions.Wait()
}

// sessionLoop dials, announces readiness, and redials on transport loss with
// a fixed delay until the session context is cancelled.
func (m *Manager) sessionLoop(ctx context.Context, subject string) {
	defer m.sessions.Done()

	for {
		conn, err := stomp.Dial(ctx, m.url, m.store.Access(), stomp.DialOptions{})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[REALTIME] Dial failed, retrying", "subject", subject, "delay", m.reconnectDelay, "error", err)
			select {
			case <-time.After(m.reconnectDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		slog.Info("[REALTIME] Connected", "subject", subject)
		m.setState(State{Ready: true, Conn: conn})

		select {
		case <-conn.Done():
			m.setState(State{})
			if ctx.Err() != nil {
				return
			}
			slog.Warn("[REALTIME] Connection lost, reconnecting", "subject", subject, "delay", m.reconnectDelay)
			select {
			case <-time.After(m.reconnectDelay):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			conn.Close()
			m.setState(State{})
			return
		}
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	watchers := make([]func(State), 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w(state)
	}
}
