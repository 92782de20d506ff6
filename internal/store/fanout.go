package store

import (
	"context"
	"log/slog"
	"strings"

	"chatsync/internal/hub"
	"chatsync/internal/models"
)

// SubscribeToEvents bridges redis pub/sub into the hub: room channels map to
// room topics, user channels to per-user feeds. Blocks until ctx ends or the
// subscription dies; run as a goroutine.
func SubscribeToEvents(ctx context.Context, s *Store, h *hub.Hub) {
	slog.Info("[FANOUT] Starting redis pub/sub subscription")

	pubsub := s.rdb.PSubscribe(ctx, "room:*", "user:*")
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("[FANOUT] Failed to receive subscription confirmation", "error", err)
		return
	}

	slog.Info("[FANOUT] Subscription confirmed, listening for messages")

	ch := pubsub.Channel()
	for msg := range ch {
		destination, ok := destinationFor(msg.Channel)
		if !ok {
			slog.Warn("[FANOUT] Message on unroutable channel dropped", "channel", msg.Channel)
			continue
		}

		h.Broadcast <- &hub.Delivery{
			Destination: destination,
			Payload:     []byte(msg.Payload),
		}
	}

	slog.Info("[FANOUT] Redis pub/sub channel closed")
}

// destinationFor maps a redis channel name to a STOMP destination.
func destinationFor(channel string) (string, bool) {
	if id, ok := strings.CutPrefix(channel, "room:"); ok && id != "" && !strings.Contains(id, ":") {
		return models.RoomTopicDestination(id), true
	}
	if id, ok := strings.CutPrefix(channel, "user:"); ok && id != "" && !strings.Contains(id, ":") {
		return models.UserQueueDestination(id), true
	}
	return "", false
}
