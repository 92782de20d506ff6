package stomp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Time allowed to read the next pong
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the CONNECT/CONNECTED handshake
	handshakeWait = 10 * time.Second

	// Max frame size accepted from the server
	maxFrameSize = 512 * 1024 // 512 KB
)

var (
	ErrConnClosed    = errors.New("stomp: connection closed")
	ErrNotSubscribed = errors.New("stomp: not subscribed")
)

// Handler receives MESSAGE frames for one subscription. Handlers run on the
// connection's read goroutine, so per-destination delivery order is the
// server's send order. Handlers must not block.
type Handler func(*Frame)

// Subscription is a live topic subscription on a Conn.
type Subscription struct {
	ID          string
	Destination string
	conn        *Conn
}

// Unsubscribe sends UNSUBSCRIBE and removes the handler. Frames already in
// flight for this subscription are dropped after removal. Idempotent.
func (s *Subscription) Unsubscribe() error {
	return s.conn.unsubscribe(s)
}

// Conn is one client STOMP session over a WebSocket. It is created by Dial
// and is dead once Done is closed; reconnection is the caller's concern.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.RWMutex
	subs    map[string]subEntry
	nextSub int
	closed  bool

	onError func(*Frame)
	done    chan struct{}
}

type subEntry struct {
	destination string
	handler     Handler
}

// DialOptions tune the handshake. The zero value is usable.
type DialOptions struct {
	// OnError receives server ERROR frames. Defaults to logging.
	OnError func(*Frame)
}

// Dial opens the WebSocket, performs the CONNECT handshake with the bearer
// token, and starts the read and ping loops.
func Dial(ctx context.Context, rawURL, accessToken string, opts DialOptions) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("stomp: parse url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeWait}
	ws, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("stomp: dial: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	connect := NewFrame(CmdConnect,
		HdrAcceptVersion, "1.2",
		HdrHost, u.Host,
		HdrAuthorization, "Bearer "+accessToken,
	)
	ws.SetWriteDeadline(time.Now().Add(handshakeWait))
	if err := ws.WriteMessage(websocket.TextMessage, connect.Marshal()); err != nil {
		ws.Close()
		return nil, fmt.Errorf("stomp: connect: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("stomp: awaiting CONNECTED: %w", err)
	}
	reply, err := Unmarshal(data)
	if err != nil {
		ws.Close()
		return nil, err
	}
	switch reply.Command {
	case CmdConnected:
		// handshake complete
	case CmdError:
		ws.Close()
		return nil, fmt.Errorf("stomp: server refused connect: %s", reply.Header(HdrMessage))
	default:
		ws.Close()
		return nil, fmt.Errorf("%w: expected CONNECTED, got %s", ErrMalformedFrame, reply.Command)
	}

	c := &Conn{
		ws:      ws,
		subs:    make(map[string]subEntry),
		onError: opts.OnError,
		done:    make(chan struct{}),
	}
	if c.onError == nil {
		c.onError = func(f *Frame) {
			slog.Error("[STOMP] Server error frame", "message", f.Header(HdrMessage), "body", string(f.Body))
		}
	}

	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Done is closed when the connection is no longer usable (read loop exited,
// either from Close or a transport failure).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Subscribe opens a subscription on destination. The handler is registered
// before SUBSCRIBE is sent so the first pushed frame cannot be missed.
func (c *Conn) Subscribe(destination string, handler Handler) (*Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	id := "sub-" + strconv.Itoa(c.nextSub)
	c.nextSub++
	c.subs[id] = subEntry{destination: destination, handler: handler}
	c.mu.Unlock()

	frame := NewFrame(CmdSubscribe, HdrID, id, HdrDestination, destination)
	if err := c.writeFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, err
	}
	return &Subscription{ID: id, Destination: destination, conn: c}, nil
}

func (c *Conn) unsubscribe(s *Subscription) error {
	c.mu.Lock()
	_, live := c.subs[s.ID]
	delete(c.subs, s.ID)
	closed := c.closed
	c.mu.Unlock()

	if !live || closed {
		return nil
	}
	return c.writeFrame(NewFrame(CmdUnsubscribe, HdrID, s.ID))
}

// Send publishes body to destination.
func (c *Conn) Send(destination, contentType string, body []byte) error {
	frame := NewFrame(CmdSend, HdrDestination, destination)
	if contentType != "" {
		frame.Headers[HdrContentType] = contentType
	}
	frame.Body = body
	return c.writeFrame(frame)
}

// Close sends DISCONNECT best-effort and tears the socket down. Idempotent;
// after Close returns no subscription handler is invoked again.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = make(map[string]subEntry)
	c.mu.Unlock()

	// Best-effort goodbye; the socket close is what matters.
	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	c.ws.WriteMessage(websocket.TextMessage, NewFrame(CmdDisconnect).Marshal())
	c.writeMu.Unlock()

	return c.ws.Close()
}

func (c *Conn) writeFrame(f *Frame) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, f.Marshal())
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.ws.Close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			c.mu.RUnlock()
			if !closed && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[STOMP] Unexpected close", "error", err)
			}
			return
		}

		frame, err := Unmarshal(data)
		if err != nil {
			// A single bad frame must not kill the session.
			slog.Error("[STOMP] Dropping malformed frame", "error", err)
			continue
		}

		switch frame.Command {
		case CmdMessage:
			c.dispatch(frame)
		case CmdError:
			c.onError(frame)
		case CmdReceipt:
			slog.Debug("[STOMP] Receipt", "receipt-id", frame.Header(HdrReceiptID))
		default:
			slog.Warn("[STOMP] Unexpected frame from server", "command", frame.Command)
		}
	}
}

func (c *Conn) dispatch(frame *Frame) {
	subID := frame.Header(HdrSubscription)

	c.mu.RLock()
	entry, ok := c.subs[subID]
	closed := c.closed
	c.mu.RUnlock()

	if closed {
		return
	}
	if !ok {
		slog.Debug("[STOMP] Frame for unknown subscription dropped", "subscription", subID, "destination", frame.Header(HdrDestination))
		return
	}
	entry.handler(frame)
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
