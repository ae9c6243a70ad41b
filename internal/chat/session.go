package chat

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultRoom is the room a session enters when the join request names none.
const DefaultRoom = "general"

// NewConnID generates an opaque identifier for a transport connection. The
// transport owns the identifier; the engine only uses it as a map key.
func NewConnID() string {
	return uuid.NewString()
}

// Session binds one live connection to its server-side identity. A session is
// created on join and destroyed on disconnect; its room is fixed for its
// lifetime, so rejoining a different room requires a new connection.
type Session struct {
	ConnID   string
	UserID   string
	Username string
	Room     string
}

// Registry maps connection ids to their sessions. It is not safe for
// concurrent use; the engine serializes all access under its lock.
type Registry struct {
	sessions map[string]*Session
}

// NewRegistry returns an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register creates a session for the connection and assigns it a fresh user
// id. A blank username defaults to "User_" plus the first 8 hex characters of
// the user id; a blank room defaults to DefaultRoom. Register always
// succeeds.
func (r *Registry) Register(connID, username, room string) *Session {
	id := uuid.NewString()

	username = strings.TrimSpace(username)
	if username == "" {
		username = "User_" + id[:8]
	}
	room = strings.TrimSpace(room)
	if room == "" {
		room = DefaultRoom
	}

	s := &Session{
		ConnID:   connID,
		UserID:   id,
		Username: username,
		Room:     room,
	}
	r.sessions[connID] = s
	return s
}

// Lookup returns the session for a connection, if one exists.
func (r *Registry) Lookup(connID string) (*Session, bool) {
	s, ok := r.sessions[connID]
	return s, ok
}

// Remove deletes and returns the session for a connection. It reports false
// when the connection never joined or was already removed.
func (r *Registry) Remove(connID string) (*Session, bool) {
	s, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
	}
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}
