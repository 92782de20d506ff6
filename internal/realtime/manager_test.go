package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/stomp"
	"chatsync/internal/token"
)

func makeToken(t *testing.T, subject string) string {
	t.Helper()
	claims := token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Name:             subject,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

// countingBridge accepts STOMP handshakes and counts connection opens and
// closes.
type countingBridge struct {
	server *httptest.Server

	mu     sync.Mutex
	opened int
	closed int
}

func newCountingBridge(t *testing.T) *countingBridge {
	b := &countingBridge{}
	upgrader := websocket.Upgrader{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			conn.Close()
			return
		}
		connected := stomp.NewFrame(stomp.CmdConnected, stomp.HdrVersion, "1.2")
		conn.WriteMessage(websocket.TextMessage, connected.Marshal())

		b.mu.Lock()
		b.opened++
		b.mu.Unlock()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		conn.Close()

		b.mu.Lock()
		b.closed++
		b.mu.Unlock()
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *countingBridge) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *countingBridge) counts() (opened, closed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened, b.closed
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectOnLogin(t *testing.T) {
	bridge := newCountingBridge(t)
	store := token.NewStore(nil)

	manager := NewManager(store, bridge.url(), WithReconnectDelay(10*time.Millisecond))
	defer manager.Close()

	assert.False(t, manager.State().Ready)

	store.Set(token.Credentials{AccessToken: makeToken(t, "user-1")})
	waitFor(t, func() bool { return manager.State().Ready }, "never became ready")

	opened, _ := bridge.counts()
	assert.Equal(t, 1, opened)
}

func TestLogoutTearsDownOnce(t *testing.T) {
	bridge := newCountingBridge(t)
	store := token.NewStore(nil)

	manager := NewManager(store, bridge.url(), WithReconnectDelay(10*time.Millisecond))
	defer manager.Close()

	store.Set(token.Credentials{AccessToken: makeToken(t, "user-1")})
	waitFor(t, func() bool { return manager.State().Ready }, "never became ready")

	store.Clear()
	waitFor(t, func() bool {
		_, closed := bridge.counts()
		return closed == 1
	}, "connection not closed after logout")

	assert.False(t, manager.State().Ready)

	// No reconnect attempts while logged out.
	time.Sleep(50 * time.Millisecond)
	opened, closed := bridge.counts()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, closed)
}

func TestSilentRefreshKeepsConnection(t *testing.T) {
	bridge := newCountingBridge(t)
	store := token.NewStore(nil)

	manager := NewManager(store, bridge.url(), WithReconnectDelay(10*time.Millisecond))
	defer manager.Close()

	store.Set(token.Credentials{AccessToken: makeToken(t, "user-1")})
	waitFor(t, func() bool { return manager.State().Ready }, "never became ready")

	// Same subject, different token: a refresh, not a new login.
	store.Set(token.Credentials{AccessToken: makeToken(t, "user-1"), RefreshToken: "r2"})
	time.Sleep(50 * time.Millisecond)

	opened, closed := bridge.counts()
	assert.Equal(t, 1, opened, "silent refresh must not reconnect")
	assert.Zero(t, closed)
	assert.True(t, manager.State().Ready)
}

func TestAccountSwitchReconnects(t *testing.T) {
	bridge := newCountingBridge(t)
	store := token.NewStore(nil)

	manager := NewManager(store, bridge.url(), WithReconnectDelay(10*time.Millisecond))
	defer manager.Close()

	store.Set(token.Credentials{AccessToken: makeToken(t, "user-1")})
	waitFor(t, func() bool { return manager.State().Ready }, "never became ready")

	store.Set(token.Credentials{AccessToken: makeToken(t, "user-2")})
	waitFor(t, func() bool {
		opened, closed := bridge.counts()
		return opened == 2 && closed == 1
	}, "account switch did not replace the connection")
}

func TestLoginLogoutCycles(t *testing.T) {
	bridge := newCountingBridge(t)
	store := token.NewStore(nil)

	manager := NewManager(store, bridge.url(), WithReconnectDelay(10*time.Millisecond))
	defer manager.Close()

	const cycles = 3
	for i := 0; i < cycles; i++ {
		store.Set(token.Credentials{AccessToken: makeToken(t, "user-1")})
		waitFor(t, func() bool { return manager.State().Ready }, "never became ready")
		store.Clear()
		waitFor(t, func() bool { return !manager.State().Ready }, "never became unready")
	}

	waitFor(t, func() bool {
		opened, closed := bridge.counts()
		return opened == cycles && closed == cycles
	}, "setup/teardown counts diverged")
}

func TestReconnectAfterDrop(t *testing.T) {
	bridge := newCountingBridge(t)
	store := token.NewStore(nil)

	manager := NewManager(store, bridge.url(), WithReconnectDelay(10*time.Millisecond))
	defer manager.Close()

	store.Set(token.Credentials{AccessToken: makeToken(t, "user-1")})
	waitFor(t, func() bool { return manager.State().Ready }, "never became ready")

	// Kill the live connection server-side; the manager must redial.
	state := manager.State()
	state.Conn.Close()

	waitFor(t, func() bool {
		opened, _ := bridge.counts()
		return opened >= 2 && manager.State().Ready
	}, "no reconnect after drop")
}

func TestWatchSeesTransitions(t *testing.T) {
	bridge := newCountingBridge(t)
	store := token.NewStore(nil)

	manager := NewManager(store, bridge.url(), WithReconnectDelay(10*time.Millisecond))
	defer manager.Close()

	var mu sync.Mutex
	var transitions []bool
	manager.Watch(func(state State) {
		mu.Lock()
		transitions = append(transitions, state.Ready)
		mu.Unlock()
	})

	store.Set(token.Credentials{AccessToken: makeToken(t, "user-1")})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 2
	}, "missing readiness transition")

	mu.Lock()
	defer mu.Unlock()
	// Initial snapshot (false), then ready.
	assert.False(t, transitions[0])
	assert.True(t, transitions[1])
}
