// Package store is the redis-backed state of the chat backend: room
// metadata, membership, message history, unread counters, and the pub/sub
// channels that fan deliveries out to the bridge.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"chatsync/internal/models"
)

// History is capped per room; older messages fall off.
const historyLimit = 500

var ErrRoomNotFound = errors.New("store: room not found")

type Store struct {
	rdb *redis.Client
}

// New connects to redis and verifies the connection.
func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("store: connect redis: %w", err)
	}

	slog.Info("Connected to Redis")
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client (tests).
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Redis returns the underlying client for collaborators that share the
// connection (user registry, fanout subscriber).
func (s *Store) Redis() *redis.Client {
	return s.rdb
}

// Key layout.
func roomKey(roomID string) string     { return "room:" + roomID }
func membersKey(roomID string) string  { return "room:" + roomID + ":members" }
func messagesKey(roomID string) string { return "room:" + roomID + ":messages" }
func userRoomsKey(userID string) string { return "user:" + userID + ":rooms" }
func unreadKey(userID string) string    { return "unread:" + userID }

// Pub/sub channels. The bridge's fanout maps them back to destinations.
func roomChannel(roomID string) string { return "room:" + roomID }
func userChannel(userID string) string { return "user:" + userID }

// ParticipantRef composes the membership reference carried by feed events
// and resolvable via GET /chatroom/users/{ref}.
func ParticipantRef(roomID, userID string) string {
	return roomID + ":" + userID
}

// SplitParticipantRef is the inverse of ParticipantRef.
func SplitParticipantRef(ref string) (roomID, userID string, ok bool) {
	roomID, userID, ok = strings.Cut(ref, ":")
	if !ok || roomID == "" || userID == "" {
		return "", "", false
	}
	return roomID, userID, true
}

// CreateRoom creates a room and enrolls the given members.
func (s *Store) CreateRoom(ctx context.Context, name string, memberIDs ...string) (string, error) {
	roomID := uuid.NewString()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, roomKey(roomID), "name", name, "createdAt", time.Now().Format(time.RFC3339))
	for _, userID := range memberIDs {
		pipe.SAdd(ctx, membersKey(roomID), userID)
		pipe.SAdd(ctx, userRoomsKey(userID), roomID)
		pipe.HSetNX(ctx, unreadKey(userID), roomID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("store: create room: %w", err)
	}
	return roomID, nil
}

// DeleteRoom removes the room, its history, and every member's membership.
// Returns the member ids so the caller can notify them.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, roomKey(roomID), membersKey(roomID), messagesKey(roomID))
	for _, userID := range members {
		pipe.SRem(ctx, userRoomsKey(userID), roomID)
		pipe.HDel(ctx, unreadKey(userID), roomID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store: delete room: %w", err)
	}
	return members, nil
}

// UpsertRoom merges the descriptor mirrored on outbound messages into the
// room metadata.
func (s *Store) UpsertRoom(ctx context.Context, desc models.RoomDescriptor) error {
	fields := []interface{}{}
	if desc.Name != "" {
		fields = append(fields, "name", desc.Name)
	}
	if desc.LastMessage != "" {
		fields = append(fields, "lastMessage", desc.LastMessage)
	}
	if !desc.LastSentAt.IsZero() {
		fields = append(fields, "lastSentAt", desc.LastSentAt.Format(time.RFC3339Nano))
	}
	if len(fields) == 0 {
		return nil
	}
	return s.rdb.HSet(ctx, roomKey(desc.RoomID), fields...).Err()
}

// Members lists the user ids enrolled in the room.
func (s *Store) Members(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: members: %w", err)
	}
	return members, nil
}

// IsMember reports whether the user is enrolled in the room.
func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	return s.rdb.SIsMember(ctx, membersKey(roomID), userID).Result()
}

// JoinRoom enrolls the user (idempotent) and zeroes their unread counter:
// entering a room means everything in it has been seen.
func (s *Store) JoinRoom(ctx context.Context, roomID, userID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, membersKey(roomID), userID)
	pipe.SAdd(ctx, userRoomsKey(userID), roomID)
	pipe.HSet(ctx, unreadKey(userID), roomID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: join room: %w", err)
	}
	return nil
}

// AppendMessage stores a chat message in the room's history, capped.
func (s *Store) AppendMessage(ctx context.Context, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, messagesKey(msg.RoomID), data)
	pipe.LTrim(ctx, messagesKey(msg.RoomID), -historyLimit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// History returns the stored messages in arrival order. Entries that no
// longer unmarshal are skipped, not fatal.
func (s *Store) History(ctx context.Context, roomID string) ([]models.Message, error) {
	raw, err := s.rdb.LRange(ctx, messagesKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}

	out := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			slog.Warn("[STORE] Skipping undecodable history entry", "room", roomID, "error", err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// IncrementUnread bumps the user's unread counter for the room and returns
// the new value.
func (s *Store) IncrementUnread(ctx context.Context, roomID, userID string) (int, error) {
	n, err := s.rdb.HIncrBy(ctx, unreadKey(userID), roomID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("store: increment unread: %w", err)
	}
	return int(n), nil
}

// ResetUnread zeroes the user's unread counter for the room.
func (s *Store) ResetUnread(ctx context.Context, roomID, userID string) error {
	return s.rdb.HSet(ctx, unreadKey(userID), roomID, 0).Err()
}

// RoomSummary projects one room for one viewer.
func (s *Store) RoomSummary(ctx context.Context, roomID, userID string) (models.RoomSummary, error) {
	meta, err := s.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return models.RoomSummary{}, fmt.Errorf("store: room meta: %w", err)
	}
	if len(meta) == 0 {
		return models.RoomSummary{}, ErrRoomNotFound
	}

	unread, err := s.rdb.HGet(ctx, unreadKey(userID), roomID).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return models.RoomSummary{}, fmt.Errorf("store: unread: %w", err)
	}

	summary := models.RoomSummary{
		RoomID:         roomID,
		Name:           meta["name"],
		LastMessage:    meta["lastMessage"],
		UnreadCount:    unread,
		ParticipantRef: ParticipantRef(roomID, userID),
	}
	if raw := meta["lastSentAt"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			summary.LastSentAt = t
		}
	}
	return summary, nil
}

// RoomSummaries projects every room the viewer belongs to.
func (s *Store) RoomSummaries(ctx context.Context, userID string) ([]models.RoomSummary, error) {
	roomIDs, err := s.rdb.SMembers(ctx, userRoomsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: user rooms: %w", err)
	}

	out := make([]models.RoomSummary, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		summary, err := s.RoomSummary(ctx, roomID, userID)
		if errors.Is(err, ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// PublishRoomMessage fans a message out to everyone subscribed to the room
// topic.
func (s *Store) PublishRoomMessage(ctx context.Context, msg models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.publish(ctx, roomChannel(msg.RoomID), payload)
}

// PublishRoomEvent pushes a per-user feed event.
func (s *Store) PublishRoomEvent(ctx context.Context, userID string, ev models.RoomEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.publish(ctx, userChannel(userID), payload)
}

func (s *Store) publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Error("[STORE] Failed to publish event", "channel", channel, "error", err)
		return err
	}
	return nil
}
