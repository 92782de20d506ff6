package roomsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"chatsync/internal/bus"
	"chatsync/internal/models"
	"chatsync/internal/realtime"
	"chatsync/internal/stomp"
	"chatsync/internal/token"
)

// SessionState tracks one room session's lifecycle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateSubscribing
	StateJoined
	StateLeaving
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotReady is returned by Open when the connection or session is not
// there yet. The caller retries on the next readiness transition.
var ErrNotReady = errors.New("roomsync: connection not ready")

// ChatMessage is one entry of the visible buffer. Pending marks a message
// the viewer sent that has not come back on the topic yet.
type ChatMessage struct {
	models.Message
	Pending bool
}

// RoomSession synchronizes one open room: it subscribes to the room topic,
// announces presence, loads the history snapshot, and merges the live tail.
// One instance per room view; opening a different room means a new session.
type RoomSession struct {
	roomID   string
	roomName string
	rooms    *RoomList
	rest     historyFetcher
	bus      *bus.Bus
	tokens   *token.Store

	mu            sync.Mutex
	state         SessionState
	conn          *stomp.Conn
	sub           *stomp.Subscription
	viewer        token.Identity
	messages      []ChatMessage
	pendingLive   []models.Message // live tail received before history landed
	seen          map[string]bool  // message ids already buffered
	historyLoaded bool
	skipLeave     bool
	leaveSent     bool
	cancelDeleted func()
	onChange      func()
}

// historyFetcher is the slice of the REST client the session needs.
type historyFetcher interface {
	History(ctx context.Context, roomID string) ([]models.Message, error)
}

// NewRoomSession builds an idle session for one room.
func NewRoomSession(roomID, roomName string, rooms *RoomList, rest historyFetcher, b *bus.Bus, tokens *token.Store) *RoomSession {
	return &RoomSession{
		roomID:   roomID,
		roomName: roomName,
		rooms:    rooms,
		rest:     rest,
		bus:      b,
		tokens:   tokens,
		seen:     make(map[string]bool),
	}
}

// SetOnChange registers a callback invoked after every visible-buffer
// change. Must be set before Open.
func (s *RoomSession) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Open subscribes to the room topic and publishes the Join announcement.
// Guarded on readiness, session, and room id; anything missing is a no-op
// signalled by ErrNotReady.
func (s *RoomSession) Open(state realtime.State) error {
	if !state.Ready || state.Conn == nil || s.roomID == "" {
		return ErrNotReady
	}
	viewer, ok := s.tokens.Identity()
	if !ok {
		return ErrNotReady
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateSubscribing
	s.conn = state.Conn
	s.viewer = viewer
	// A fresh session never inherits another room's buffer.
	s.messages = nil
	s.pendingLive = nil
	s.seen = make(map[string]bool)
	s.historyLoaded = false
	s.mu.Unlock()

	sub, err := state.Conn.Subscribe(models.RoomTopicDestination(s.roomID), s.onFrame)
	if err != nil {
		s.mu.Lock()
		s.state = StateIdle
		s.conn = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.sub = sub
	s.cancelDeleted = s.bus.Subscribe(bus.RoomDeleted, func(ev bus.Event) {
		if ev.RoomID == s.roomID {
			s.SetSkipLeave()
		}
	})
	s.mu.Unlock()

	s.rooms.SetCurrentRoom(s.roomID)

	// The Join announcement doubles as the history request: the server
	// echoes it back and the echo triggers the snapshot fetch.
	if err := s.publish(models.MessageJoin, ""); err != nil {
		slog.Error("[SESSION] Failed to publish join", "room", s.roomID, "error", err)
	}
	return nil
}

// Send publishes a chat message with a client-stamped timestamp and buffers
// it as pending. Reports whether anything was published: not ready, no
// identity, or blank content all skip silently.
func (s *RoomSession) Send(content string) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}

	s.mu.Lock()
	ready := (s.state == StateSubscribing || s.state == StateJoined) && s.conn != nil && s.viewer.Subject != ""
	s.mu.Unlock()
	if !ready {
		return false
	}

	msg, err := s.publishMessage(models.MessageChat, content)
	if err != nil {
		slog.Error("[SESSION] Failed to publish chat", "room", s.roomID, "error", err)
		return false
	}

	s.mu.Lock()
	s.seen[msg.ID] = true
	s.messages = append(s.messages, ChatMessage{Message: msg, Pending: true})
	onChange := s.onChange
	s.mu.Unlock()

	if onChange != nil {
		onChange()
	}
	return true
}

// SetSkipLeave suppresses the Leave announcement on Close. Set when the
// room was deleted server-side and a leave would reference a dead room.
func (s *RoomSession) SetSkipLeave() {
	s.mu.Lock()
	s.skipLeave = true
	s.mu.Unlock()
}

// Close leaves the room and unsubscribes. Exactly one Leave is published
// per session unless skip-leave was set. Idempotent.
func (s *RoomSession) Close() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateLeaving {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == StateSubscribing || s.state == StateJoined
	s.state = StateLeaving
	skip := s.skipLeave || s.leaveSent
	sub := s.sub
	s.sub = nil
	cancelDeleted := s.cancelDeleted
	s.cancelDeleted = nil
	s.mu.Unlock()

	if wasOpen && !skip {
		s.mu.Lock()
		s.leaveSent = true
		s.mu.Unlock()
		if err := s.publish(models.MessageLeave, ""); err != nil {
			slog.Warn("[SESSION] Failed to publish leave", "room", s.roomID, "error", err)
		}
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if cancelDeleted != nil {
		cancelDeleted()
	}
	s.rooms.ClearCurrentRoom(s.roomID)

	s.mu.Lock()
	s.state = StateClosed
	s.conn = nil
	s.mu.Unlock()
}

// Messages returns a copy of the visible buffer.
func (s *RoomSession) Messages() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// HistoryLoaded reports whether the history snapshot has been applied.
func (s *RoomSession) HistoryLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLoaded
}

// State returns the session state.
func (s *RoomSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// onFrame handles one topic frame. Runs on the connection read goroutine;
// a malformed payload is dropped without disturbing the subscription.
func (s *RoomSession) onFrame(frame *stomp.Frame) {
	var msg models.Message
	if err := json.Unmarshal(frame.Body, &msg); err != nil {
		slog.Error("[SESSION] Dropping malformed message", "room", s.roomID, "error", err)
		return
	}

	switch msg.Type {
	case models.MessageJoin:
		s.onJoin(msg)
	case models.MessageLeave:
		// Control-only; presence exit needs no buffer change.
		slog.Debug("[SESSION] Peer left", "room", s.roomID, "sender", msg.SenderID)
	case models.MessageChat:
		s.onChat(msg)
	default:
		slog.Warn("[SESSION] Dropping message of unknown type", "room", s.roomID, "type", msg.Type)
	}
}

func (s *RoomSession) onJoin(msg models.Message) {
	s.mu.Lock()
	viewer := s.viewer.Subject
	s.mu.Unlock()

	if msg.SenderID == viewer {
		// Our own echo: the server has registered our presence, so the
		// history snapshot is now consistent to fetch.
		go s.loadHistory()
		return
	}

	// A peer entered: everything we authored is now read by them.
	s.mu.Lock()
	changed := false
	for i := range s.messages {
		if s.messages[i].SenderID == viewer && s.messages[i].UnreadCount > 0 {
			s.messages[i].UnreadCount--
			changed = true
		}
	}
	onChange := s.onChange
	s.mu.Unlock()

	if changed && onChange != nil {
		onChange()
	}
}

func (s *RoomSession) onChat(msg models.Message) {
	s.mu.Lock()
	if s.seen[msg.ID] {
		// Echo of a pending send, or a duplicate across the history
		// boundary: confirm in place, never append twice.
		for i := range s.messages {
			if s.messages[i].ID == msg.ID {
				s.messages[i].Message = msg
				s.messages[i].Pending = false
			}
		}
		loaded := s.historyLoaded
		own := msg.SenderID == s.viewer.Subject
		onChange := s.onChange
		s.mu.Unlock()

		if own && loaded {
			s.notifyRoomUpdated()
		}
		if onChange != nil {
			onChange()
		}
		return
	}
	s.seen[msg.ID] = true

	if !s.historyLoaded {
		// History is in flight: hold the live tail aside and replay it,
		// id-filtered, once the snapshot lands.
		s.pendingLive = append(s.pendingLive, msg)
		s.mu.Unlock()
		return
	}

	s.messages = append(s.messages, ChatMessage{Message: msg})
	own := msg.SenderID == s.viewer.Subject
	onChange := s.onChange
	s.mu.Unlock()

	if own {
		// The server does not notify the sender's own feed; nudge the
		// room list ourselves.
		s.notifyRoomUpdated()
	}
	if onChange != nil {
		onChange()
	}
}

// loadHistory fetches the snapshot, sorts it chronologically, and replays
// any live tail buffered while the fetch was in flight.
func (s *RoomSession) loadHistory() {
	history, err := s.rest.History(context.Background(), s.roomID)
	if err != nil {
		slog.Error("[SESSION] History fetch failed", "room", s.roomID, "error", err)
		return
	}

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].SentAt.Before(history[j].SentAt)
	})

	s.mu.Lock()
	if s.state != StateSubscribing {
		// Session closed (or never opened) while the fetch was in flight.
		s.mu.Unlock()
		return
	}

	s.messages = s.messages[:0]
	s.seen = make(map[string]bool, len(history)+len(s.pendingLive))
	for _, msg := range history {
		if msg.Type != models.MessageChat {
			continue
		}
		if s.seen[msg.ID] {
			continue
		}
		s.seen[msg.ID] = true
		s.messages = append(s.messages, ChatMessage{Message: msg})
	}
	for _, msg := range s.pendingLive {
		if s.seen[msg.ID] {
			continue
		}
		s.seen[msg.ID] = true
		s.messages = append(s.messages, ChatMessage{Message: msg})
	}
	s.pendingLive = nil
	s.historyLoaded = true
	s.state = StateJoined
	onChange := s.onChange
	s.mu.Unlock()

	slog.Info("[SESSION] History loaded", "room", s.roomID, "messages", len(history))
	if onChange != nil {
		onChange()
	}
}

func (s *RoomSession) notifyRoomUpdated() {
	participantRef := ""
	if room, ok := s.rooms.Room(s.roomID); ok {
		participantRef = room.ParticipantRef
	}
	s.bus.Publish(bus.Event{Signal: bus.RoomUpdated, RoomID: s.roomID, ParticipantRef: participantRef})
}

// publish sends a control or chat message to the app destination.
func (s *RoomSession) publish(msgType models.MessageType, content string) error {
	_, err := s.publishMessage(msgType, content)
	return err
}

func (s *RoomSession) publishMessage(msgType models.MessageType, content string) (models.Message, error) {
	s.mu.Lock()
	conn := s.conn
	viewer := s.viewer
	s.mu.Unlock()
	if conn == nil {
		return models.Message{}, stomp.ErrConnClosed
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		RoomID:     s.roomID,
		SenderID:   viewer.Subject,
		SenderName: viewer.Name,
		Type:       msgType,
		Content:    content,
		SentAt:     time.Now(),
	}
	if msgType == models.MessageChat {
		msg.UnreadCount = 1
	}

	out := models.Outbound{
		Message: msg,
		Room: models.RoomDescriptor{
			RoomID:      s.roomID,
			Name:        s.roomName,
			LastMessage: content,
			LastSentAt:  msg.SentAt,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		return models.Message{}, err
	}
	if err := conn.Send(models.AppChatDestination, "application/json", body); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}
