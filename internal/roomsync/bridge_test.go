package roomsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"chatsync/internal/models"
	"chatsync/internal/stomp"
	"chatsync/internal/token"
)

// testBridge is a minimal STOMP endpoint for one connection: it completes
// the handshake, records inbound frames, and lets the test push MESSAGE
// frames onto recorded subscriptions.
type testBridge struct {
	t      *testing.T
	server *httptest.Server

	mu     sync.Mutex
	conn   *websocket.Conn
	subIDs map[string]string // destination -> subscription id
	nextID int

	sends chan *stomp.Frame
}

func newTestBridge(t *testing.T) *testBridge {
	b := &testBridge{
		t:      t,
		subIDs: make(map[string]string),
		sends:  make(chan *stomp.Frame, 32),
	}
	upgrader := websocket.Upgrader{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		connect, err := stomp.Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, stomp.CmdConnect, connect.Command)

		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		connected := stomp.NewFrame(stomp.CmdConnected, stomp.HdrVersion, "1.2")
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, connected.Marshal()))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := stomp.Unmarshal(data)
			if err != nil {
				continue
			}
			switch frame.Command {
			case stomp.CmdSubscribe:
				b.mu.Lock()
				b.subIDs[frame.Header(stomp.HdrDestination)] = frame.Header(stomp.HdrID)
				b.mu.Unlock()
			case stomp.CmdSend:
				b.sends <- frame
			}
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *testBridge) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// dial opens a client connection through the bridge.
func (b *testBridge) dial(t *testing.T) *stomp.Conn {
	t.Helper()
	conn, err := stomp.Dial(context.Background(), b.url(), "tok", stomp.DialOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// awaitSubscription waits until the client has subscribed to destination.
func (b *testBridge) awaitSubscription(destination string) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b.mu.Lock()
		_, ok := b.subIDs[destination]
		b.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.t.Fatalf("client never subscribed to %s", destination)
}

// awaitSend waits for the next SEND frame and decodes its payload.
func (b *testBridge) awaitSend() models.Outbound {
	select {
	case frame := <-b.sends:
		var out models.Outbound
		require.NoError(b.t, json.Unmarshal(frame.Body, &out))
		return out
	case <-time.After(2 * time.Second):
		b.t.Fatal("timed out waiting for SEND frame")
		return models.Outbound{}
	}
}

// drainSends returns the message types of all SEND frames currently queued.
func (b *testBridge) drainSends() []models.MessageType {
	var types []models.MessageType
	for {
		select {
		case frame := <-b.sends:
			var out models.Outbound
			require.NoError(b.t, json.Unmarshal(frame.Body, &out))
			types = append(types, out.Message.Type)
		default:
			return types
		}
	}
}

// pushMessage delivers msg on the destination's recorded subscription.
func (b *testBridge) pushMessage(destination string, msg models.Message) {
	body, err := json.Marshal(msg)
	require.NoError(b.t, err)
	b.pushBody(destination, body)
}

// pushEvent delivers a room-list feed event.
func (b *testBridge) pushEvent(destination string, ev models.RoomEvent) {
	body, err := json.Marshal(ev)
	require.NoError(b.t, err)
	b.pushBody(destination, body)
}

func (b *testBridge) pushBody(destination string, body []byte) {
	b.mu.Lock()
	conn := b.conn
	subID := b.subIDs[destination]
	b.nextID++
	msgID := b.nextID
	b.mu.Unlock()
	require.NotNil(b.t, conn, "no client connection")
	require.NotEmpty(b.t, subID, "no subscription for %s", destination)

	frame := stomp.NewFrame(stomp.CmdMessage,
		stomp.HdrDestination, destination,
		stomp.HdrSubscription, subID,
		stomp.HdrMessageID, "srv-"+strconv.Itoa(msgID),
	)
	frame.Body = body
	require.NoError(b.t, conn.WriteMessage(websocket.TextMessage, frame.Marshal()))
}

func signedAccessToken(t *testing.T, subject, name string) string {
	t.Helper()
	claims := token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Name:             name,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return signed
}

func sessionStore(t *testing.T, subject, name string) *token.Store {
	t.Helper()
	store := token.NewStore(nil)
	store.Set(token.Credentials{AccessToken: signedAccessToken(t, subject, name)})
	return store
}

func eventually(t *testing.T, cond func() bool, msg string) {
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
