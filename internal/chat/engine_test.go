package chat_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbound/roomchat/internal/chat"
)

// recordingOutbox captures every frame the engine delivers, keyed by
// connection id.
type recordingOutbox struct {
	mu     sync.Mutex
	frames map[string][]chat.Envelope
}

func newRecordingOutbox() *recordingOutbox {
	return &recordingOutbox{frames: make(map[string][]chat.Envelope)}
}

func (o *recordingOutbox) Send(connID string, frame []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var env chat.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(fmt.Sprintf("outbox received malformed frame: %v", err))
	}
	o.frames[connID] = append(o.frames[connID], env)
}

// eventsFor returns the envelopes delivered to connID with the given event
// name, in delivery order.
func (o *recordingOutbox) eventsFor(connID, event string) []chat.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []chat.Envelope
	for _, env := range o.frames[connID] {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (o *recordingOutbox) totalFor(connID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames[connID])
}

func decodePayload[T any](t *testing.T, env chat.Envelope) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload
}

// fakeScheduler records scheduled cleanup callbacks so tests can fire or
// cancel them deterministically instead of sleeping through the grace period.
type fakeScheduler struct {
	mu      sync.Mutex
	pending []*fakeTimer
}

type fakeTimer struct {
	fn      func()
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	wasStopped := ft.stopped
	ft.stopped = true
	return !wasStopped
}

func (s *fakeScheduler) timerFunc(_ time.Duration, fn func()) chat.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	ft := &fakeTimer{fn: fn}
	s.pending = append(s.pending, ft)
	return ft
}

// fireAll invokes every scheduled callback, including stopped ones: a real
// time.AfterFunc may fire before Stop wins the race, and the engine must
// tolerate that.
func (s *fakeScheduler) fireAll() {
	s.mu.Lock()
	timers := append([]*fakeTimer(nil), s.pending...)
	s.pending = nil
	s.mu.Unlock()

	for _, ft := range timers {
		ft.fn()
	}
}

func (s *fakeScheduler) scheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func newTestEngine(t *testing.T, opts ...chat.Option) (*chat.Engine, *recordingOutbox, *fakeScheduler) {
	t.Helper()
	outbox := newRecordingOutbox()
	sched := &fakeScheduler{}
	opts = append([]chat.Option{chat.WithTimerFunc(sched.timerFunc)}, opts...)
	return chat.NewEngine(outbox, opts...), outbox, sched
}

func TestJoinSendsAcknowledgmentExactlyOnce(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})

	acks := outbox.eventsFor("c1", chat.EventJoinedRoom)
	require.Len(t, acks, 1)

	payload := decodePayload[chat.JoinedRoomPayload](t, acks[0])
	assert.Equal(t, "x", payload.Room)
	assert.Equal(t, "alice", payload.Username)
	assert.Empty(t, payload.Messages)

	assert.Empty(t, outbox.eventsFor("c1", chat.EventUserJoined),
		"joiner must never see its own userJoined notice")

	rosters := outbox.eventsFor("c1", chat.EventRoomUsers)
	require.Len(t, rosters, 1)
	roster := decodePayload[chat.RoomUsersPayload](t, rosters[0])
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].Username)
	assert.NotEmpty(t, roster.Users[0].ID)
}

func TestJoinDefaultsUsernameAndRoom(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{})

	acks := outbox.eventsFor("c1", chat.EventJoinedRoom)
	require.Len(t, acks, 1)
	payload := decodePayload[chat.JoinedRoomPayload](t, acks[0])

	assert.Equal(t, chat.DefaultRoom, payload.Room)
	require.Len(t, payload.Username, len("User_")+8)
	assert.Equal(t, "User_", payload.Username[:5])
}

func TestJoinBlankFieldsAreDefaulted(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "   ", Room: "  "})

	acks := outbox.eventsFor("c1", chat.EventJoinedRoom)
	require.Len(t, acks, 1)
	payload := decodePayload[chat.JoinedRoomPayload](t, acks[0])
	assert.Equal(t, chat.DefaultRoom, payload.Room)
	assert.Contains(t, payload.Username, "User_")
}

func TestSecondJoinOnSameConnectionIsRejected(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.Join("c1", chat.JoinRequest{Username: "impostor", Room: "y"})

	assert.Len(t, outbox.eventsFor("c1", chat.EventJoinedRoom), 1)
	assert.Equal(t, 1, engine.SessionCount())
	assert.Equal(t, 1, engine.RoomCount())
}

func TestJoinNotifiesExistingMembersOnly(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.Join("c2", chat.JoinRequest{Username: "bob", Room: "x"})

	joined := outbox.eventsFor("c1", chat.EventUserJoined)
	require.Len(t, joined, 1)
	payload := decodePayload[chat.UserJoinedPayload](t, joined[0])
	assert.Equal(t, "bob", payload.Username)
	assert.NotEmpty(t, payload.Timestamp)

	assert.Empty(t, outbox.eventsFor("c2", chat.EventUserJoined))

	// Both members receive the refreshed two-entry roster.
	for _, connID := range []string{"c1", "c2"} {
		rosters := outbox.eventsFor(connID, chat.EventRoomUsers)
		require.NotEmpty(t, rosters, "no roster delivered to %s", connID)
		roster := decodePayload[chat.RoomUsersPayload](t, rosters[len(rosters)-1])
		require.Len(t, roster.Users, 2)
		assert.Equal(t, "alice", roster.Users[0].Username)
		assert.Equal(t, "bob", roster.Users[1].Username)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.Join("c2", chat.JoinRequest{Username: "bob", Room: "y"})

	engine.PostMessage("c1", chat.MessageRequest{Text: "hi"})

	assert.Empty(t, outbox.eventsFor("c2", chat.EventMessage))
	assert.Empty(t, outbox.eventsFor("c2", chat.EventUserJoined))
	assert.Equal(t, 2, engine.RoomCount())
}

func TestPostMessageRoundTripsToSender(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.Join("c2", chat.JoinRequest{Username: "bob", Room: "x"})

	engine.PostMessage("c1", chat.MessageRequest{Text: "hi <b>there</b>"})

	for _, connID := range []string{"c1", "c2"} {
		msgs := outbox.eventsFor(connID, chat.EventMessage)
		require.Len(t, msgs, 1, "member %s did not receive the broadcast", connID)
		msg := decodePayload[chat.Message](t, msgs[0])
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "hi <b>there</b>", msg.Text, "text must be relayed verbatim")
		assert.Equal(t, "x", msg.Room)
		assert.NotEmpty(t, msg.ID)
		_, err := time.Parse(time.RFC3339Nano, msg.Timestamp)
		assert.NoError(t, err, "timestamp must be ISO-8601")
	}
}

func TestPostMessageFromUnjoinedConnectionIsDiscarded(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.PostMessage("ghost", chat.MessageRequest{Text: "boo"})

	assert.Empty(t, outbox.eventsFor("c1", chat.EventMessage))
	assert.Equal(t, 0, outbox.totalFor("ghost"))
}

func TestHistoryDeliveredOldestFirstOnJoin(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	for i := 0; i < 3; i++ {
		engine.PostMessage("c1", chat.MessageRequest{Text: fmt.Sprintf("msg-%d", i)})
	}

	engine.Join("c2", chat.JoinRequest{Username: "bob", Room: "x"})

	acks := outbox.eventsFor("c2", chat.EventJoinedRoom)
	require.Len(t, acks, 1)
	payload := decodePayload[chat.JoinedRoomPayload](t, acks[0])
	require.Len(t, payload.Messages, 3)
	for i, msg := range payload.Messages {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.Text)
	}
}

func TestHistoryTrimsOldestFirst(t *testing.T) {
	engine, outbox, _ := newTestEngine(t, chat.WithHistoryLimit(5))

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	for i := 0; i < 8; i++ {
		engine.PostMessage("c1", chat.MessageRequest{Text: fmt.Sprintf("msg-%d", i)})
	}

	engine.Join("c2", chat.JoinRequest{Username: "bob", Room: "x"})

	acks := outbox.eventsFor("c2", chat.EventJoinedRoom)
	require.Len(t, acks, 1)
	payload := decodePayload[chat.JoinedRoomPayload](t, acks[0])
	require.Len(t, payload.Messages, 5)
	for i, msg := range payload.Messages {
		assert.Equal(t, fmt.Sprintf("msg-%d", i+3), msg.Text, "newest entries must survive in original order")
	}
}

func TestTypingRelayExcludesSender(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.Join("c2", chat.JoinRequest{Username: "bob", Room: "x"})

	engine.SetTyping("c1", chat.TypingRequest{IsTyping: true})
	engine.SetTyping("c1", chat.TypingRequest{IsTyping: false})

	assert.Empty(t, outbox.eventsFor("c1", chat.EventUserTyping))

	notices := outbox.eventsFor("c2", chat.EventUserTyping)
	require.Len(t, notices, 2)
	first := decodePayload[chat.UserTypingPayload](t, notices[0])
	last := decodePayload[chat.UserTypingPayload](t, notices[1])
	assert.Equal(t, "alice", first.Username)
	assert.True(t, first.IsTyping)
	assert.False(t, last.IsTyping, "relay must reflect the last transition per sender")
}

func TestTypingFromUnjoinedConnectionIsDiscarded(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.SetTyping("ghost", chat.TypingRequest{IsTyping: true})

	assert.Empty(t, outbox.eventsFor("c1", chat.EventUserTyping))
}

func TestDisconnectNotifiesRemainingMembers(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.Join("c2", chat.JoinRequest{Username: "bob", Room: "x"})

	engine.Disconnect("c2")

	left := outbox.eventsFor("c1", chat.EventUserLeft)
	require.Len(t, left, 1)
	payload := decodePayload[chat.UserLeftPayload](t, left[0])
	assert.Equal(t, "bob", payload.Username)
	assert.NotEmpty(t, payload.Timestamp)

	assert.Empty(t, outbox.eventsFor("c2", chat.EventUserLeft),
		"the departed session must not receive its own notice")

	rosters := outbox.eventsFor("c1", chat.EventRoomUsers)
	require.NotEmpty(t, rosters)
	roster := decodePayload[chat.RoomUsersPayload](t, rosters[len(rosters)-1])
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "alice", roster.Users[0].Username)

	assert.Equal(t, 1, engine.SessionCount())
}

func TestDisconnectOfUnjoinedConnectionIsNoOp(t *testing.T) {
	engine, outbox, sched := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	before := outbox.totalFor("c1")

	engine.Disconnect("ghost")

	assert.Equal(t, before, outbox.totalFor("c1"))
	assert.Equal(t, 0, sched.scheduledCount())
}

func TestEmptyRoomDeletedAfterGracePeriod(t *testing.T) {
	engine, _, sched := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.PostMessage("c1", chat.MessageRequest{Text: "hi"})
	engine.Disconnect("c1")

	require.Equal(t, 1, sched.scheduledCount(), "cleanup timer must be armed when the room empties")
	assert.Equal(t, 1, engine.RoomCount(), "room survives inside the grace window")

	sched.fireAll()

	assert.Equal(t, 0, engine.RoomCount(), "room and history are discarded after the grace period")
}

func TestRejoinDuringGraceWindowKeepsRoomAndHistory(t *testing.T) {
	engine, outbox, sched := newTestEngine(t)

	engine.Join("c1", chat.JoinRequest{Username: "alice", Room: "x"})
	engine.PostMessage("c1", chat.MessageRequest{Text: "hi"})
	engine.Disconnect("c1")
	require.Equal(t, 1, sched.scheduledCount())

	engine.Join("c2", chat.JoinRequest{Username: "bob", Room: "x"})

	// Even if the stale timer fires, the emptiness re-check keeps the room.
	sched.fireAll()

	assert.Equal(t, 1, engine.RoomCount())

	acks := outbox.eventsFor("c2", chat.EventJoinedRoom)
	require.Len(t, acks, 1)
	payload := decodePayload[chat.JoinedRoomPayload](t, acks[0])
	require.Len(t, payload.Messages, 1, "history must survive a rejoin inside the grace window")
	assert.Equal(t, "hi", payload.Messages[0].Text)
}

func TestOversizedJoinFieldsAreDiscarded(t *testing.T) {
	engine, outbox, _ := newTestEngine(t)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	engine.Join("c1", chat.JoinRequest{Username: string(long), Room: "x"})

	assert.Equal(t, 0, outbox.totalFor("c1"))
	assert.Equal(t, 0, engine.SessionCount())
}

// TestTwoUserScenario walks the full alice/bob session from the service's
// behavioral contract end to end.
func TestTwoUserScenario(t *testing.T) {
	engine, outbox, sched := newTestEngine(t)

	// alice joins room x: empty room created.
	engine.Join("alice-conn", chat.JoinRequest{Username: "alice", Room: "x"})
	require.Equal(t, 1, engine.RoomCount())

	// bob joins room x.
	engine.Join("bob-conn", chat.JoinRequest{Username: "bob", Room: "x"})

	bobAcks := outbox.eventsFor("bob-conn", chat.EventJoinedRoom)
	require.Len(t, bobAcks, 1)
	assert.Empty(t, decodePayload[chat.JoinedRoomPayload](t, bobAcks[0]).Messages)

	aliceJoined := outbox.eventsFor("alice-conn", chat.EventUserJoined)
	require.Len(t, aliceJoined, 1)
	assert.Equal(t, "bob", decodePayload[chat.UserJoinedPayload](t, aliceJoined[0]).Username)

	for _, connID := range []string{"alice-conn", "bob-conn"} {
		rosters := outbox.eventsFor(connID, chat.EventRoomUsers)
		require.NotEmpty(t, rosters)
		assert.Len(t, decodePayload[chat.RoomUsersPayload](t, rosters[len(rosters)-1]).Users, 2)
	}

	// alice posts "hi": both receive it.
	engine.PostMessage("alice-conn", chat.MessageRequest{Text: "hi"})
	for _, connID := range []string{"alice-conn", "bob-conn"} {
		msgs := outbox.eventsFor(connID, chat.EventMessage)
		require.Len(t, msgs, 1)
		msg := decodePayload[chat.Message](t, msgs[0])
		assert.Equal(t, "alice", msg.Username)
		assert.Equal(t, "hi", msg.Text)
	}

	// bob disconnects: alice is notified, room persists, grace timer arms.
	engine.Disconnect("bob-conn")
	left := outbox.eventsFor("alice-conn", chat.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", decodePayload[chat.UserLeftPayload](t, left[0]).Username)
	assert.Equal(t, 1, engine.RoomCount())
	assert.Equal(t, 0, sched.scheduledCount(), "room is not empty yet, no cleanup scheduled")

	// alice disconnects: room empties and the grace timer arms.
	engine.Disconnect("alice-conn")
	require.Equal(t, 1, sched.scheduledCount())

	// Grace period elapses with no rejoin: room and its message are gone.
	sched.fireAll()
	assert.Equal(t, 0, engine.RoomCount())
	assert.Equal(t, 0, engine.SessionCount())
}
