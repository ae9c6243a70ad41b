// Package chat implements the room-scoped messaging engine: sessions, rooms,
// bounded message history, presence broadcasts, and typing relay.
package chat

import (
	"encoding/json"
	"fmt"
)

// Inbound event names accepted from clients.
const (
	EventJoin    = "join"
	EventMessage = "message"
	EventTyping  = "typing"
)

// Outbound event names delivered to clients.
const (
	EventJoinedRoom = "joinedRoom"
	EventUserJoined = "userJoined"
	EventUserLeft   = "userLeft"
	EventRoomUsers  = "roomUsers"
	EventUserTyping = "userTyping"
)

// Envelope is the frame exchanged over the transport. Data is decoded lazily
// so the delivery layer can dispatch on the event name without knowing the
// payload shape.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRequest carries the optional identity a client supplies when entering a
// room. Blank fields are filled in by the session registry's defaulting
// policy, not by the caller.
type JoinRequest struct {
	Username string `json:"username" validate:"omitempty,max=50"`
	Room     string `json:"room" validate:"omitempty,max=100"`
}

// MessageRequest carries the text of a posted message. The text is relayed
// verbatim; escaping is the rendering client's responsibility.
type MessageRequest struct {
	Text string `json:"text"`
}

// TypingRequest signals a typing-state transition for the sending session.
type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// JoinedRoomPayload is the private acknowledgment sent to a joining session.
// Messages are ordered oldest-first.
type JoinedRoomPayload struct {
	Room     string    `json:"room"`
	Username string    `json:"username"`
	Messages []Message `json:"messages"`
}

// UserJoinedPayload notifies existing members that someone entered the room.
type UserJoinedPayload struct {
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// UserLeftPayload notifies remaining members that someone left the room.
type UserLeftPayload struct {
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// RoomUser is one roster entry.
type RoomUser struct {
	Username string `json:"username"`
	ID       string `json:"id"`
}

// RoomUsersPayload is the full roster broadcast after any membership change.
type RoomUsersPayload struct {
	Users []RoomUser `json:"users"`
}

// UserTypingPayload relays a typing-state change to the other room members.
type UserTypingPayload struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// EncodeEvent marshals an event name and payload into a wire frame.
func EncodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}
