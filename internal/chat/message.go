package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message is an immutable chat message. It is appended to its room's history
// on creation and only ever dropped from the front when the history bound is
// exceeded.
type Message struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Room      string `json:"room"`
}

func newMessage(username, text, room string, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		Username:  username,
		Text:      text,
		Timestamp: isoTimestamp(at),
		Room:      room,
	}
}

// isoTimestamp renders a time as ISO-8601 in UTC, the format clients expect
// on message and presence events.
func isoTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
