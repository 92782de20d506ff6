package models

import "strings"

// Destination layout shared by client and bridge. One queue per user for
// cross-room events, one topic per room for message traffic, one app
// destination for everything outbound.
const (
	AppChatDestination = "/app/chat"

	userQueuePrefix = "/user/"
	userQueueSuffix = "/queue/rooms"
	roomTopicPrefix = "/topic/rooms/"
)

// UserQueueDestination is the per-user feed carrying RoomEvent payloads.
func UserQueueDestination(userID string) string {
	return userQueuePrefix + userID + userQueueSuffix
}

// RoomTopicDestination is the per-room traffic topic carrying Message
// payloads.
func RoomTopicDestination(roomID string) string {
	return roomTopicPrefix + roomID
}

// UserIDFromQueue extracts the user id from a per-user feed destination.
func UserIDFromQueue(destination string) (string, bool) {
	rest, ok := strings.CutPrefix(destination, userQueuePrefix)
	if !ok {
		return "", false
	}
	userID, ok := strings.CutSuffix(rest, userQueueSuffix)
	if !ok || userID == "" || strings.Contains(userID, "/") {
		return "", false
	}
	return userID, true
}

// RoomIDFromTopic extracts the room id from a room traffic destination.
func RoomIDFromTopic(destination string) (string, bool) {
	roomID, ok := strings.CutPrefix(destination, roomTopicPrefix)
	if !ok || roomID == "" || strings.Contains(roomID, "/") {
		return "", false
	}
	return roomID, true
}
