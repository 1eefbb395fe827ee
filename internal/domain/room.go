package domain

import "github.com/google/uuid"

// groupPrefix namespaces chat groups inside the broker.
const groupPrefix = "chat_"

// RoomID identifies a chat room. It comes straight from the request path and
// is not persisted.
type RoomID string

// Validate rejects empty room identifiers. No other format rules apply.
func (r RoomID) Validate() error {
	if r == "" {
		return ErrEmptyRoom
	}
	return nil
}

func (r RoomID) String() string {
	return string(r)
}

// GroupName returns the broker group key for a room.
func GroupName(room RoomID) string {
	return groupPrefix + string(room)
}

// ConnectionID is issued once per session and never reused.
type ConnectionID = uuid.UUID

// NewConnectionID allocates a fresh connection handle.
func NewConnectionID() ConnectionID {
	return uuid.New()
}
