// Package roomsync keeps the client's view of rooms and messages in step
// with the backend: one global synchronizer for the room list and unread
// counts, and one session controller per open room.
package roomsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"chatsync/internal/bus"
	"chatsync/internal/models"
	"chatsync/internal/realtime"
	"chatsync/internal/rest"
	"chatsync/internal/stomp"
	"chatsync/internal/token"
)

// hydrationKey identifies one (connection, session) pair. Hydration fires
// once per key no matter how often readiness is re-observed.
type hydrationKey struct {
	conn    *stomp.Conn
	subject string
}

// RoomList is the global room-list synchronizer. It hydrates the summary
// collection over REST once per connection, keeps it patched from the
// per-user feed, and owns the current-room marker.
type RoomList struct {
	rest   *rest.Client
	tokens *token.Store
	bus    *bus.Bus

	mu          sync.Mutex
	rooms       map[string]models.RoomSummary
	current     string // currently viewed room, "" when none
	hydrated    hydrationKey
	sub         *stomp.Subscription
	cancelWatch func()
	closed      bool
}

// NewRoomList attaches the synchronizer to the connection manager. It stays
// live across reconnects: each new connection re-hydrates and opens exactly
// one fresh feed subscription.
func NewRoomList(manager *realtime.Manager, restClient *rest.Client, tokens *token.Store, b *bus.Bus) *RoomList {
	r := &RoomList{
		rest:   restClient,
		tokens: tokens,
		bus:    b,
		rooms:  make(map[string]models.RoomSummary),
	}
	r.cancelWatch = manager.Watch(r.onState)
	return r
}

// Close detaches from the connection manager. The feed subscription dies
// with its connection.
func (r *RoomList) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel := r.cancelWatch
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (r *RoomList) onState(state realtime.State) {
	if !state.Ready {
		r.mu.Lock()
		r.sub = nil
		r.mu.Unlock()
		return
	}

	identity, ok := r.tokens.Identity()
	if !ok {
		return
	}
	key := hydrationKey{conn: state.Conn, subject: identity.Subject}

	r.mu.Lock()
	if r.closed || r.hydrated == key {
		r.mu.Unlock()
		return
	}
	r.hydrated = key
	r.mu.Unlock()

	sub, err := state.Conn.Subscribe(models.UserQueueDestination(identity.Subject), r.onFeedFrame)
	if err != nil {
		slog.Error("[ROOMLIST] Failed to subscribe to user feed", "subject", identity.Subject, "error", err)
	} else {
		r.mu.Lock()
		r.sub = sub
		r.mu.Unlock()
	}

	// Hydration runs off the watcher goroutine; the feed merge tolerates
	// either side arriving first.
	go r.hydrate(context.Background())
}

func (r *RoomList) hydrate(ctx context.Context) {
	rooms, err := r.rest.Rooms(ctx)
	if err != nil {
		slog.Error("[ROOMLIST] Room list hydration failed", "error", err)
		return
	}

	r.mu.Lock()
	r.rooms = make(map[string]models.RoomSummary, len(rooms))
	for _, room := range rooms {
		if room.RoomID == r.current {
			room.UnreadCount = 0
		}
		r.rooms[room.RoomID] = room
	}
	r.mu.Unlock()

	slog.Info("[ROOMLIST] Hydrated", "rooms", len(rooms))
}

// onFeedFrame handles one per-user feed event. A malformed payload is
// dropped; it must never take the subscription down.
func (r *RoomList) onFeedFrame(frame *stomp.Frame) {
	var ev models.RoomEvent
	if err := json.Unmarshal(frame.Body, &ev); err != nil {
		slog.Error("[ROOMLIST] Dropping malformed feed event", "error", err)
		return
	}
	if ev.RoomID == "" {
		slog.Error("[ROOMLIST] Dropping feed event without roomId")
		return
	}

	if ev.Deleted {
		r.mu.Lock()
		delete(r.rooms, ev.RoomID)
		r.mu.Unlock()
		r.bus.Publish(bus.Event{Signal: bus.RoomDeleted, RoomID: ev.RoomID, ParticipantRef: ev.ParticipantRef})
		return
	}

	r.mu.Lock()
	// Viewing implies read: deltas for the open room are coerced to zero.
	unread := ev.UnreadCount
	if ev.RoomID == r.current {
		unread = 0
	}
	room, ok := r.rooms[ev.RoomID]
	if !ok {
		room = models.RoomSummary{RoomID: ev.RoomID}
	}
	room.UnreadCount = unread
	if ev.ParticipantRef != "" {
		room.ParticipantRef = ev.ParticipantRef
	}
	r.rooms[ev.RoomID] = room
	r.mu.Unlock()

	r.bus.Publish(bus.Event{Signal: bus.RoomUpdated, RoomID: ev.RoomID, ParticipantRef: ev.ParticipantRef})
}

// RefreshRoom re-fetches one room's summary and merges it. Views call this
// in response to RoomUpdated signals.
func (r *RoomList) RefreshRoom(ctx context.Context, chatroomUserID string) error {
	room, err := r.rest.RoomUser(ctx, chatroomUserID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if room.RoomID == r.current {
		room.UnreadCount = 0
	}
	r.rooms[room.RoomID] = room
	r.mu.Unlock()
	return nil
}

// Rooms returns the summaries ordered by last-message time, newest first.
func (r *RoomList) Rooms() []models.RoomSummary {
	r.mu.Lock()
	out := make([]models.RoomSummary, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSentAt.After(out[j].LastSentAt)
	})
	return out
}

// Room returns one summary by id.
func (r *RoomList) Room(roomID string) (models.RoomSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	return room, ok
}

// SetCurrentRoom marks roomID as the one on screen. Unread deltas for it
// are applied as zero and its stored count resets immediately.
func (r *RoomList) SetCurrentRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = roomID
	if room, ok := r.rooms[roomID]; ok {
		room.UnreadCount = 0
		r.rooms[roomID] = room
	}
}

// ClearCurrentRoom drops the marker if it still points at roomID.
func (r *RoomList) ClearCurrentRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == roomID {
		r.current = ""
	}
}

// CurrentRoom returns the marker.
func (r *RoomList) CurrentRoom() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
