package stomp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBridge is a minimal STOMP endpoint: it accepts one connection,
// completes the handshake, records inbound frames, and lets the test push
// frames down.
type fakeBridge struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	frames   []*Frame
	subIDs   map[string]string // destination -> subscription id
	gotToken string

	frameCh chan *Frame
}

func newFakeBridge(t *testing.T) *fakeBridge {
	b := &fakeBridge{
		t:       t,
		subIDs:  make(map[string]string),
		frameCh: make(chan *Frame, 32),
	}
	upgrader := websocket.Upgrader{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		connect, err := Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, CmdConnect, connect.Command)

		b.mu.Lock()
		b.conn = conn
		b.gotToken = connect.Header(HdrAuthorization)
		b.mu.Unlock()

		connected := NewFrame(CmdConnected, HdrVersion, "1.2")
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, connected.Marshal()))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := Unmarshal(data)
			if err != nil {
				continue
			}
			b.mu.Lock()
			b.frames = append(b.frames, frame)
			if frame.Command == CmdSubscribe {
				b.subIDs[frame.Header(HdrDestination)] = frame.Header(HdrID)
			}
			b.mu.Unlock()
			b.frameCh <- frame
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

// push sends a MESSAGE frame for the destination's current subscription.
func (b *fakeBridge) push(destination string, body string) {
	b.mu.Lock()
	conn := b.conn
	subID := b.subIDs[destination]
	b.mu.Unlock()
	require.NotNil(b.t, conn)

	frame := NewFrame(CmdMessage,
		HdrDestination, destination,
		HdrSubscription, subID,
		HdrMessageID, "m-1",
	)
	frame.Body = []byte(body)
	require.NoError(b.t, conn.WriteMessage(websocket.TextMessage, frame.Marshal()))
}

func (b *fakeBridge) pushRaw(data []byte) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NoError(b.t, conn.WriteMessage(websocket.TextMessage, data))
}

// awaitFrame waits for the next inbound frame with the given command.
func (b *fakeBridge) awaitFrame(command string) *Frame {
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-b.frameCh:
			if frame.Command == command {
				return frame
			}
		case <-deadline:
			b.t.Fatalf("timed out waiting for %s frame", command)
			return nil
		}
	}
}

func TestDialHandshake(t *testing.T) {
	bridge := newFakeBridge(t)

	conn, err := Dial(context.Background(), bridge.url(), "tok-1", DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	bridge.mu.Lock()
	got := bridge.gotToken
	bridge.mu.Unlock()
	assert.Equal(t, "Bearer tok-1", got)
}

func TestDialRefused(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn.ReadMessage()
		refused := NewFrame(CmdError, HdrMessage, "invalid token")
		conn.WriteMessage(websocket.TextMessage, refused.Marshal())
		conn.Close()
	}))
	defer server.Close()

	_, err := Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), "bad", DialOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid token")
}

func TestSubscribeDispatch(t *testing.T) {
	bridge := newFakeBridge(t)

	conn, err := Dial(context.Background(), bridge.url(), "tok", DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan string, 8)
	_, err = conn.Subscribe("/topic/rooms/1", func(f *Frame) {
		received <- string(f.Body)
	})
	require.NoError(t, err)
	bridge.awaitFrame(CmdSubscribe)

	bridge.push("/topic/rooms/1", "one")
	bridge.push("/topic/rooms/1", "two")

	assert.Equal(t, "one", <-received)
	assert.Equal(t, "two", <-received)
}

func TestMalformedFrameDoesNotKillSession(t *testing.T) {
	bridge := newFakeBridge(t)

	conn, err := Dial(context.Background(), bridge.url(), "tok", DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan string, 1)
	_, err = conn.Subscribe("/topic/rooms/1", func(f *Frame) {
		received <- string(f.Body)
	})
	require.NoError(t, err)
	bridge.awaitFrame(CmdSubscribe)

	bridge.pushRaw([]byte("NOT A FRAME"))
	bridge.push("/topic/rooms/1", "still alive")

	select {
	case body := <-received:
		assert.Equal(t, "still alive", body)
	case <-time.After(2 * time.Second):
		t.Fatal("session died after malformed frame")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bridge := newFakeBridge(t)

	conn, err := Dial(context.Background(), bridge.url(), "tok", DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	received := make(chan string, 8)
	sub, err := conn.Subscribe("/topic/rooms/1", func(f *Frame) {
		received <- string(f.Body)
	})
	require.NoError(t, err)
	bridge.awaitFrame(CmdSubscribe)

	require.NoError(t, sub.Unsubscribe())
	bridge.awaitFrame(CmdUnsubscribe)

	// The bridge does not know yet; a late frame must be dropped.
	bridge.push("/topic/rooms/1", "late")

	select {
	case body := <-received:
		t.Fatalf("received %q after unsubscribe", body)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseIsIdempotentAndSilencesHandlers(t *testing.T) {
	bridge := newFakeBridge(t)

	conn, err := Dial(context.Background(), bridge.url(), "tok", DialOptions{})
	require.NoError(t, err)

	var delivered int
	var mu sync.Mutex
	_, err = conn.Subscribe("/topic/rooms/1", func(f *Frame) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	require.NoError(t, err)
	bridge.awaitFrame(CmdSubscribe)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after Close")
	}

	mu.Lock()
	assert.Zero(t, delivered)
	mu.Unlock()
}

func TestSendAfterCloseFails(t *testing.T) {
	bridge := newFakeBridge(t)

	conn, err := Dial(context.Background(), bridge.url(), "tok", DialOptions{})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	err = conn.Send("/app/chat", "application/json", []byte("{}"))
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestSendReachesServer(t *testing.T) {
	bridge := newFakeBridge(t)

	conn, err := Dial(context.Background(), bridge.url(), "tok", DialOptions{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send("/app/chat", "application/json", []byte(`{"a":1}`)))

	frame := bridge.awaitFrame(CmdSend)
	assert.Equal(t, "/app/chat", frame.Header(HdrDestination))
	assert.Equal(t, `{"a":1}`, string(frame.Body))
}
