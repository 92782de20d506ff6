// Package ws terminates the STOMP-over-WebSocket bridge: it authenticates
// CONNECT frames, manages hub subscriptions, and routes everything published
// to the app destination through the store.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatsync/internal/auth"
	"chatsync/internal/hub"
	"chatsync/internal/models"
	"chatsync/internal/stomp"
	"chatsync/internal/store"
)

const (
	// Time allowed to write a frame
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the client to send CONNECT after the upgrade
	connectWait = 10 * time.Second

	// Max frame size
	maxFrameSize = 512 * 1024 // 512 KB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Validate origin in production
		return true
	},
}

// Session is one authenticated bridge connection. All post-handshake writes
// go through the send channel so WritePump is the only writer.
type Session struct {
	hub   *hub.Hub
	store *store.Store
	conn  *websocket.Conn
	send  chan []byte

	userID   string
	userName string

	mu         sync.Mutex
	subsByID   map[string]string // subscription id -> destination
	subsByDest map[string]string // destination -> subscription id
	closed     bool
	dropOnce   sync.Once
}

// ServeWS upgrades the connection and performs the STOMP handshake. The
// bearer token rides in the CONNECT frame, not the HTTP request.
func ServeWS(h *hub.Hub, st *store.Store, issuer *auth.Issuer, w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	slog.Debug("[WS] New bridge connection request", "from", remoteAddr)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("[WS] Failed to upgrade connection", "from", remoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameSize)

	claims, err := handshake(conn, issuer)
	if err != nil {
		slog.Warn("[WS] Handshake failed", "from", remoteAddr, "error", err)
		conn.Close()
		return
	}

	slog.Info("[WS] Session established", "user", claims.Subject, "name", claims.Name, "from", remoteAddr)

	session := &Session{
		hub:        h,
		store:      st,
		conn:       conn,
		send:       make(chan []byte, 256),
		userID:     claims.Subject,
		userName:   claims.Name,
		subsByID:   make(map[string]string),
		subsByDest: make(map[string]string),
	}

	go session.WritePump()
	go session.ReadPump()
}

// handshake reads CONNECT, validates the token, and answers CONNECTED.
func handshake(conn *websocket.Conn, issuer *auth.Issuer) (*auth.Claims, error) {
	conn.SetReadDeadline(time.Now().Add(connectWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	frame, err := stomp.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if frame.Command != stomp.CmdConnect {
		writeError(conn, "expected CONNECT")
		return nil, stomp.ErrMalformedFrame
	}

	tokenString := frame.Header(stomp.HdrAuthorization)
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}
	if tokenString == "" {
		writeError(conn, "token required")
		return nil, auth.ErrInvalidToken
	}

	claims, err := issuer.ValidateAccess(tokenString)
	if err != nil {
		writeError(conn, "invalid token")
		return nil, err
	}

	connected := stomp.NewFrame(stomp.CmdConnected, stomp.HdrVersion, "1.2")
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, connected.Marshal()); err != nil {
		return nil, err
	}
	return claims, nil
}

func writeError(conn *websocket.Conn, message string) {
	frame := stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, message)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, frame.Marshal())
}

// Deliver queues a payload for the session as a MESSAGE frame. Reports
// false when the buffer is full so the hub can drop the session.
func (s *Session) Deliver(destination string, payload []byte) bool {
	// The lock covers the channel send so teardown cannot close the channel
	// between the closed check and the enqueue.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	subID := s.subsByDest[destination]
	if subID == "" {
		// Unsubscribed while the delivery was queued.
		return true
	}

	frame := stomp.NewFrame(stomp.CmdMessage,
		stomp.HdrDestination, destination,
		stomp.HdrSubscription, subID,
		stomp.HdrMessageID, uuid.NewString(),
		stomp.HdrContentType, "application/json",
	)
	frame.Body = payload

	select {
	case s.send <- frame.Marshal():
		return true
	default:
		return false
	}
}

// Drop force-closes a session the hub gave up on.
func (s *Session) Drop() {
	s.dropOnce.Do(func() {
		s.conn.Close()
	})
}

// ReadPump pumps frames from the socket into the protocol handlers.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.UnsubscribeAll(s)
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.send)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("[WS] Unexpected close", "user", s.userID, "error", err)
			}
			return
		}

		frame, err := stomp.Unmarshal(data)
		if err != nil {
			slog.Warn("[WS] Dropping malformed frame", "user", s.userID, "error", err)
			continue
		}

		switch frame.Command {
		case stomp.CmdSubscribe:
			s.handleSubscribe(frame)
		case stomp.CmdUnsubscribe:
			s.handleUnsubscribe(frame)
		case stomp.CmdSend:
			s.handleSend(frame)
		case stomp.CmdDisconnect:
			if receipt := frame.Header(stomp.HdrReceipt); receipt != "" {
				s.writeFrame(stomp.NewFrame(stomp.CmdReceipt, stomp.HdrReceiptID, receipt))
			}
			return
		default:
			slog.Warn("[WS] Unexpected command", "user", s.userID, "command", frame.Command)
		}
	}
}

// WritePump pumps queued frames to the socket.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Error("[WS] Failed to write frame", "user", s.userID, "error", err)
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handleSubscribe(frame *stomp.Frame) {
	id := frame.Header(stomp.HdrID)
	destination := frame.Header(stomp.HdrDestination)
	if id == "" || destination == "" {
		s.writeFrame(stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, "subscribe requires id and destination"))
		return
	}

	// A user's feed is private: only its owner may subscribe.
	if owner, ok := models.UserIDFromQueue(destination); ok && owner != s.userID {
		slog.Warn("[WS] Subscribe to foreign user queue refused", "user", s.userID, "destination", destination)
		s.writeFrame(stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, "forbidden destination"))
		return
	}

	s.mu.Lock()
	s.subsByID[id] = destination
	s.subsByDest[destination] = id
	s.mu.Unlock()

	s.hub.Subscribe(destination, s)
}

func (s *Session) handleUnsubscribe(frame *stomp.Frame) {
	id := frame.Header(stomp.HdrID)

	s.mu.Lock()
	destination, ok := s.subsByID[id]
	if ok {
		delete(s.subsByID, id)
		delete(s.subsByDest, destination)
	}
	s.mu.Unlock()

	if ok {
		s.hub.Unsubscribe(destination, s)
	}
}

// handleSend routes one outbound payload. Only the app destination is
// writable; everything else is server-pushed.
func (s *Session) handleSend(frame *stomp.Frame) {
	if frame.Header(stomp.HdrDestination) != models.AppChatDestination {
		s.writeFrame(stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, "destination not writable"))
		return
	}

	var out models.Outbound
	if err := json.Unmarshal(frame.Body, &out); err != nil {
		slog.Warn("[WS] Dropping undecodable outbound payload", "user", s.userID, "error", err)
		s.writeFrame(stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, "undecodable payload"))
		return
	}

	msg := out.Message
	if msg.RoomID == "" {
		s.writeFrame(stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, "message requires roomId"))
		return
	}
	// The sender identity is the session's, whatever the payload claims.
	msg.SenderID = s.userID
	if msg.SenderName == "" {
		msg.SenderName = s.userName
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	ctx := context.Background()
	switch msg.Type {
	case models.MessageJoin:
		s.handleJoin(ctx, msg, out.Room)
	case models.MessageLeave:
		s.handleLeave(ctx, msg)
	case models.MessageChat:
		s.handleChat(ctx, msg, out.Room)
	default:
		s.writeFrame(stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, "unknown message type"))
	}
}

// handleJoin enrolls the sender, zeroes their unread, and echoes the join on
// the room topic. The echo is the client's cue to fetch history.
func (s *Session) handleJoin(ctx context.Context, msg models.Message, desc models.RoomDescriptor) {
	if err := s.store.JoinRoom(ctx, msg.RoomID, s.userID); err != nil {
		slog.Error("[WS] Join failed", "user", s.userID, "room", msg.RoomID, "error", err)
		return
	}
	if desc.RoomID != "" {
		if err := s.store.UpsertRoom(ctx, desc); err != nil {
			slog.Warn("[WS] Room upsert on join failed", "room", msg.RoomID, "error", err)
		}
	}
	s.store.PublishRoomMessage(ctx, msg)
	s.store.PublishRoomEvent(ctx, s.userID, models.RoomEvent{
		RoomID:         msg.RoomID,
		UnreadCount:    0,
		ParticipantRef: store.ParticipantRef(msg.RoomID, s.userID),
	})
}

// handleLeave only announces presence exit; membership survives leaving the
// view.
func (s *Session) handleLeave(ctx context.Context, msg models.Message) {
	s.store.PublishRoomMessage(ctx, msg)
}

// handleChat persists the message, fans it out on the room topic, and bumps
// every other member's unread feed.
func (s *Session) handleChat(ctx context.Context, msg models.Message, desc models.RoomDescriptor) {
	if ok, err := s.store.IsMember(ctx, msg.RoomID, s.userID); err != nil || !ok {
		if err != nil {
			slog.Error("[WS] Membership check failed", "user", s.userID, "room", msg.RoomID, "error", err)
		}
		s.writeFrame(stomp.NewFrame(stomp.CmdError, stomp.HdrMessage, "not a member of room"))
		return
	}

	if desc.RoomID != "" {
		if err := s.store.UpsertRoom(ctx, desc); err != nil {
			slog.Warn("[WS] Room upsert failed", "room", msg.RoomID, "error", err)
		}
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		slog.Error("[WS] Failed to persist message", "room", msg.RoomID, "error", err)
	}
	s.store.PublishRoomMessage(ctx, msg)

	members, err := s.store.Members(ctx, msg.RoomID)
	if err != nil {
		slog.Error("[WS] Failed to list members for unread fanout", "room", msg.RoomID, "error", err)
		return
	}
	for _, member := range members {
		if member == s.userID {
			continue
		}
		unread, err := s.store.IncrementUnread(ctx, msg.RoomID, member)
		if err != nil {
			slog.Error("[WS] Failed to bump unread", "room", msg.RoomID, "member", member, "error", err)
			continue
		}
		s.store.PublishRoomEvent(ctx, member, models.RoomEvent{
			RoomID:         msg.RoomID,
			UnreadCount:    unread,
			ParticipantRef: store.ParticipantRef(msg.RoomID, member),
		})
	}
}

// writeFrame enqueues a protocol frame for WritePump. Dropped when the
// buffer is full; these are advisory frames, not deliveries.
func (s *Session) writeFrame(frame *stomp.Frame) {
	select {
	case s.send <- frame.Marshal():
	default:
		slog.Warn("[WS] Send buffer full, dropping frame", "user", s.userID, "command", frame.Command)
	}
}
