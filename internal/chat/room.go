package chat

// DefaultHistoryLimit bounds the number of messages retained per room.
const DefaultHistoryLimit = 100

// Room holds the mutable state of one named room: its member set (connection
// ids) and its bounded message history.
type Room struct {
	name     string
	messages []Message
	members  map[string]struct{}
}

// Store maps room names to rooms. Rooms are created lazily on first join and
// deleted once their member set has been empty for the grace period. The
// store is not safe for concurrent use; the engine serializes all access
// under its lock.
type Store struct {
	rooms        map[string]*Room
	historyLimit int
}

// NewStore returns an empty room store that trims each room's history to
// historyLimit entries. A non-positive limit falls back to
// DefaultHistoryLimit.
func NewStore(historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{
		rooms:        make(map[string]*Room),
		historyLimit: historyLimit,
	}
}

// Ensure returns the room with the given name, creating an empty one if it
// does not exist yet. Ensure is idempotent.
func (s *Store) Ensure(name string) *Room {
	room, ok := s.rooms[name]
	if !ok {
		room = &Room{
			name:    name,
			members: make(map[string]struct{}),
		}
		s.rooms[name] = room
	}
	return room
}

// Exists reports whether a room with the given name is in the store.
func (s *Store) Exists(name string) bool {
	_, ok := s.rooms[name]
	return ok
}

// AddMember records a connection as a member of the room. Adding an existing
// member is a no-op. The room must exist.
func (s *Store) AddMember(name, connID string) {
	if room, ok := s.rooms[name]; ok {
		room.members[connID] = struct{}{}
	}
}

// RemoveMember removes a connection from the room's member set. Removing an
// absent member, or from an absent room, is a no-op.
func (s *Store) RemoveMember(name, connID string) {
	if room, ok := s.rooms[name]; ok {
		delete(room.members, connID)
	}
}

// Append adds a message to the room's history, trimming the oldest entries
// when the history exceeds the store's limit. The room must already exist;
// callers guarantee this by joining through Ensure first.
func (s *Store) Append(name string, msg Message) {
	room, ok := s.rooms[name]
	if !ok {
		return
	}
	room.messages = append(room.messages, msg)
	if len(room.messages) > s.historyLimit {
		room.messages = append([]Message(nil), room.messages[len(room.messages)-s.historyLimit:]...)
	}
}

// History returns a copy of the room's messages, oldest first.
func (s *Store) History(name string) []Message {
	room, ok := s.rooms[name]
	if !ok {
		return []Message{}
	}
	out := make([]Message, len(room.messages))
	copy(out, room.messages)
	return out
}

// MemberIDs returns the connection ids of the room's current members.
func (s *Store) MemberIDs(name string) []string {
	room, ok := s.rooms[name]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(room.members))
	for id := range room.members {
		ids = append(ids, id)
	}
	return ids
}

// SnapshotMembers resolves the room's member set into roster entries through
// the session registry. Members whose sessions no longer resolve are dropped
// silently; a disconnect racing a snapshot is a normal outcome, not an error.
func (s *Store) SnapshotMembers(name string, reg *Registry) []RoomUser {
	room, ok := s.rooms[name]
	if !ok {
		return []RoomUser{}
	}
	users := make([]RoomUser, 0, len(room.members))
	for connID := range room.members {
		sess, ok := reg.Lookup(connID)
		if !ok {
			continue
		}
		users = append(users, RoomUser{Username: sess.Username, ID: sess.UserID})
	}
	return users
}

// IsEmpty reports whether the room has no members. A room that does not
// exist is considered empty.
func (s *Store) IsEmpty(name string) bool {
	room, ok := s.rooms[name]
	return !ok || len(room.members) == 0
}

// Delete removes the room and its history from the store.
func (s *Store) Delete(name string) {
	delete(s.rooms, name)
}
