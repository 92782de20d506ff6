package models

import "time"

// MessageType discriminates the payloads carried on a room topic. Join and
// Leave are control-only: they drive presence and unread reconciliation and
// are never shown in a room's visible buffer.
type MessageType string

const (
	MessageChat  MessageType = "CHAT"
	MessageJoin  MessageType = "JOIN"
	MessageLeave MessageType = "LEAVE"
)

// Message is the unit of room traffic, both outbound (SEND /app/chat) and
// inbound (MESSAGE frames on /topic/rooms/{id}). Immutable once received.
type Message struct {
	ID          string      `json:"id"`
	RoomID      string      `json:"roomId"`
	SenderID    string      `json:"senderId"`
	SenderName  string      `json:"senderName,omitempty"`
	Type        MessageType `json:"type"`
	Content     string      `json:"content,omitempty"`
	SentAt      time.Time   `json:"sentAt"`
	UnreadCount int         `json:"unreadCount"`
}

// RoomDescriptor mirrors the room metadata the client knows at send time.
// It rides alongside outbound messages so the server can upsert room
// metadata without a separate round trip.
type RoomDescriptor struct {
	RoomID      string    `json:"roomId"`
	Name        string    `json:"name,omitempty"`
	LastMessage string    `json:"lastMessage,omitempty"`
	LastSentAt  time.Time `json:"lastSentAt,omitempty"`
}

// Outbound is the payload published to the app destination: the message
// plus the mirrored room descriptor.
type Outbound struct {
	Message Message        `json:"message"`
	Room    RoomDescriptor `json:"room"`
}
