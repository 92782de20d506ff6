package models

import "time"

// RoomSummary is the list-view projection of a room: what the room list
// renders and what the per-user feed patches.
type RoomSummary struct {
	RoomID         string    `json:"roomId"`
	Name           string    `json:"name"`
	LastMessage    string    `json:"lastMessage,omitempty"`
	LastSentAt     time.Time `json:"lastSentAt,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	ParticipantRef string    `json:"participantRef,omitempty"`
}

// RoomEvent is the per-user feed payload: a partial update for one room,
// delivered on /user/{userID}/queue/rooms for every room the user belongs to.
type RoomEvent struct {
	RoomID         string `json:"roomId"`
	UnreadCount    int    `json:"unreadCount"`
	ParticipantRef string `json:"participantRef,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
}

// HistoryRequest is the body of POST /messages/history.
type HistoryRequest struct {
	RoomID string `json:"roomId"`
}
