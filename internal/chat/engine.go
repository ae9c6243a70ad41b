package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultGracePeriod is how long an empty room survives before deletion,
// allowing quick rejoins to retain its history.
const DefaultGracePeriod = 5 * time.Minute

// Outbox delivers an encoded event frame to a single connection. Delivery is
// fire-and-forget: implementations must not block and must tolerate unknown
// connection ids, since a member may disconnect between the state transition
// and the fan-out.
type Outbox interface {
	Send(connID string, frame []byte)
}

// Timer is the cancellable handle returned by the engine's timer factory.
type Timer interface {
	Stop() bool
}

// TimerFunc schedules fn to run after d and returns a cancellable handle.
type TimerFunc func(d time.Duration, fn func()) Timer

func afterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Engine is the room/session/broadcast core. All mutations of the session
// registry and room store happen under a single coarse lock, so every
// inbound event runs to completion before the next is observed. Fan-out is
// issued after the lock is released, over member snapshots taken atomically
// with the mutation that triggered them.
type Engine struct {
	mu       sync.Mutex
	registry *Registry
	store    *Store
	outbox   Outbox
	logger   *slog.Logger
	validate *validator.Validate

	grace       time.Duration
	graceTimers map[string]Timer
	now         func() time.Time
	startTimer  TimerFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithGracePeriod overrides how long an empty room is retained.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// WithHistoryLimit overrides the per-room message history bound.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.store = NewStore(n) }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTimerFunc overrides how cleanup timers are scheduled.
func WithTimerFunc(f TimerFunc) Option {
	return func(e *Engine) { e.startTimer = f }
}

// WithLogger overrides the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine that delivers events through the given outbox.
func NewEngine(outbox Outbox, opts ...Option) *Engine {
	e := &Engine{
		registry:    NewRegistry(),
		store:       NewStore(DefaultHistoryLimit),
		outbox:      outbox,
		logger:      slog.Default(),
		validate:    validator.New(),
		grace:       DefaultGracePeriod,
		graceTimers: make(map[string]Timer),
		now:         time.Now,
		startTimer:  afterFunc,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Join registers a session for the connection, enters it into its room, and
// emits the join acknowledgment, the userJoined notice to the other members,
// and a fresh roster to the whole room. A join on an already-joined
// connection is rejected: the first session stays authoritative.
func (e *Engine) Join(connID string, req JoinRequest) {
	if err := e.validate.Struct(&req); err != nil {
		e.logger.Warn("discarding invalid join request", "conn_id", connID, "error", err)
		return
	}

	e.mu.Lock()
	if _, ok := e.registry.Lookup(connID); ok {
		e.mu.Unlock()
		e.logger.Warn("ignoring join from already-joined connection", "conn_id", connID)
		return
	}

	sess := e.registry.Register(connID, req.Username, req.Room)
	e.cancelCleanupLocked(sess.Room)
	e.store.Ensure(sess.Room)
	e.store.AddMember(sess.Room, connID)

	history := e.store.History(sess.Room)
	others := excludeID(e.store.MemberIDs(sess.Room), connID)
	members := e.store.MemberIDs(sess.Room)
	roster := e.snapshotRosterLocked(sess.Room)
	ts := isoTimestamp(e.now())
	e.mu.Unlock()

	e.logger.Info("session joined room",
		"conn_id", connID, "user_id", sess.UserID,
		"username", sess.Username, "room", sess.Room)

	e.send(connID, EventJoinedRoom, JoinedRoomPayload{
		Room:     sess.Room,
		Username: sess.Username,
		Messages: history,
	})
	e.fanOut(others, EventUserJoined, UserJoinedPayload{Username: sess.Username, Timestamp: ts})
	e.fanOut(members, EventRoomUsers, RoomUsersPayload{Users: roster})
}

// PostMessage appends a message to the sender's room history and broadcasts
// it to every member of the room, including the sender. A message from a
// connection without a session is discarded silently; that is the normal
// outcome of racing a disconnect, not an error.
func (e *Engine) PostMessage(connID string, req MessageRequest) {
	e.mu.Lock()
	sess, ok := e.registry.Lookup(connID)
	if !ok {
		e.mu.Unlock()
		return
	}

	msg := newMessage(sess.Username, req.Text, sess.Room, e.now())
	e.store.Append(sess.Room, msg)
	members := e.store.MemberIDs(sess.Room)
	e.mu.Unlock()

	e.fanOut(members, EventMessage, msg)
}

// SetTyping relays a typing-state change to every member of the sender's
// room except the sender. The engine holds no typing state; the sending
// client is responsible for eventually sending the false transition.
func (e *Engine) SetTyping(connID string, req TypingRequest) {
	e.mu.Lock()
	sess, ok := e.registry.Lookup(connID)
	if !ok {
		e.mu.Unlock()
		return
	}
	others := excludeID(e.store.MemberIDs(sess.Room), connID)
	username := sess.Username
	e.mu.Unlock()

	e.fanOut(others, EventUserTyping, UserTypingPayload{Username: username, IsTyping: req.IsTyping})
}

// Disconnect tears down the connection's session, notifies the remaining
// room members, and arms the grace-period cleanup timer if the room is left
// empty. Disconnecting a connection that never joined is a no-op.
func (e *Engine) Disconnect(connID string) {
	e.mu.Lock()
	sess, ok := e.registry.Remove(connID)
	if !ok {
		e.mu.Unlock()
		return
	}

	e.store.RemoveMember(sess.Room, connID)
	remaining := e.store.MemberIDs(sess.Room)
	roster := e.snapshotRosterLocked(sess.Room)
	if e.store.Exists(sess.Room) && e.store.IsEmpty(sess.Room) {
		e.scheduleCleanupLocked(sess.Room)
	}
	ts := isoTimestamp(e.now())
	e.mu.Unlock()

	e.logger.Info("session left room",
		"conn_id", connID, "username", sess.Username, "room", sess.Room)

	e.fanOut(remaining, EventUserLeft, UserLeftPayload{Username: sess.Username, Timestamp: ts})
	e.fanOut(remaining, EventRoomUsers, RoomUsersPayload{Users: roster})
}

// RoomCount returns the number of rooms currently in the store, including
// rooms inside their grace window.
func (e *Engine) RoomCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.store.rooms)
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.Len()
}

// scheduleCleanupLocked arms the deferred-deletion timer for an empty room,
// superseding any timer already pending for it. Callers hold e.mu.
func (e *Engine) scheduleCleanupLocked(room string) {
	if t, ok := e.graceTimers[room]; ok {
		t.Stop()
	}
	e.graceTimers[room] = e.startTimer(e.grace, func() { e.expireRoom(room) })
	e.logger.Info("room empty, cleanup scheduled", "room", room, "grace_period", e.grace)
}

// cancelCleanupLocked stops a pending cleanup timer for the room, if any.
// Callers hold e.mu.
func (e *Engine) cancelCleanupLocked(room string) {
	if t, ok := e.graceTimers[room]; ok {
		t.Stop()
		delete(e.graceTimers, room)
	}
}

// expireRoom runs when a grace timer fires. Emptiness is re-checked under
// the lock: a member who rejoined during the grace window keeps the room and
// its history alive even if the timer could not be cancelled in time.
func (e *Engine) expireRoom(room string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.graceTimers, room)
	if !e.store.IsEmpty(room) {
		return
	}
	e.store.Delete(room)
	e.logger.Info("empty room deleted after grace period", "room", room)
}

// snapshotRosterLocked resolves the room's roster in a stable order.
// Callers hold e.mu.
func (e *Engine) snapshotRosterLocked(room string) []RoomUser {
	roster := e.store.SnapshotMembers(room, e.registry)
	sort.Slice(roster, func(i, j int) bool { return roster[i].Username < roster[j].Username })
	return roster
}

func (e *Engine) send(connID, event string, data any) {
	frame, err := EncodeEvent(event, data)
	if err != nil {
		e.logger.Error("dropping undeliverable event", "event", event, "error", err)
		return
	}
	e.outbox.Send(connID, frame)
}

// fanOut encodes the event once and delivers it best-effort to every target
// connection.
func (e *Engine) fanOut(connIDs []string, event string, data any) {
	if len(connIDs) == 0 {
		return
	}
	frame, err := EncodeEvent(event, data)
	if err != nil {
		e.logger.Error("dropping undeliverable event", "event", event, "error", err)
		return
	}
	for _, id := range connIDs {
		e.outbox.Send(id, frame)
	}
}

func excludeID(ids []string, exclude string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
