package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/events"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func attach(t *testing.T, h *Hub, sessionID, userID string) *Client {
	t.Helper()
	c := newClient(h, sessionID, userID, nil, zaptest.NewLogger(t))
	h.Register(c)
	return c
}

func received(c *Client) []WSMessage {
	var out []WSMessage
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func isClosed(c *Client) bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func joinedEvent(sessionID, userID string) conversation.Event {
	return conversation.Event{
		Type:       conversation.EventParticipantJoined,
		SessionID:  sessionID,
		OccurredAt: time.Now(),
		Payload: conversation.ParticipantPayload{
			Participant: conversation.ParticipantView{UserID: userID},
		},
	}
}

func TestHub_NotifyBroadcastsToRoomOnly(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), nil, nil)
	a := attach(t, h, "s1", "alice")
	b := attach(t, h, "s1", "bob")
	other := attach(t, h, "s2", "carol")

	if err := h.Notify(context.Background(), joinedEvent("s1", "bob")); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	for _, c := range []*Client{a, b} {
		msgs := received(c)
		if len(msgs) != 1 || msgs[0].Event != conversation.EventParticipantJoined {
			t.Errorf("%s got %+v, want one participant.joined", c.UserID, msgs)
		}
	}
	if msgs := received(other); len(msgs) != 0 {
		t.Errorf("other room got %d messages", len(msgs))
	}
}

func TestHub_RelayReachesOnlyTarget(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), nil, nil)
	a := attach(t, h, "s1", "alice")
	b := attach(t, h, "s1", "bob")

	h.relay(context.Background(), "s1", EventSignalOffer, Signal{From: "alice", To: "bob", SDP: testSDP})

	if msgs := received(a); len(msgs) != 0 {
		t.Errorf("sender got %d messages", len(msgs))
	}
	msgs := received(b)
	if len(msgs) != 1 || msgs[0].Event != EventSignalOffer {
		t.Fatalf("target got %+v", msgs)
	}
	var sig Signal
	if err := json.Unmarshal(msgs[0].Data, &sig); err != nil {
		t.Fatal(err)
	}
	if sig.From != "alice" || sig.SDP != testSDP {
		t.Errorf("signal = %+v", sig)
	}
}

func TestHub_ParticipantLeftClosesThatUser(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), nil, nil)
	a := attach(t, h, "s1", "alice")
	b := attach(t, h, "s1", "bob")

	_ = h.Notify(context.Background(), conversation.Event{
		Type:      conversation.EventParticipantLeft,
		SessionID: "s1",
		Payload:   conversation.ParticipantPayload{Participant: conversation.ParticipantView{UserID: "alice"}},
	})

	if !isClosed(a) {
		t.Error("leaving user still connected")
	}
	if isClosed(b) {
		t.Error("remaining user was disconnected")
	}
	if msgs := received(b); len(msgs) != 1 {
		t.Errorf("remaining user got %d messages, want 1", len(msgs))
	}
}

func TestHub_SessionEndedClosesRoom(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), nil, nil)
	a := attach(t, h, "s1", "alice")
	b := attach(t, h, "s1", "bob")

	_ = h.Notify(context.Background(), conversation.Event{
		Type:      conversation.EventSessionEnded,
		SessionID: "s1",
		Payload:   conversation.SessionEndedPayload{SessionID: "s1"},
	})

	if h.RoomSize("s1") != 0 {
		t.Errorf("RoomSize = %d, want 0", h.RoomSize("s1"))
	}
	for _, c := range []*Client{a, b} {
		if !isClosed(c) {
			t.Errorf("%s still connected", c.UserID)
		}
		if msgs := received(c); len(msgs) != 1 || msgs[0].Event != conversation.EventSessionEnded {
			t.Errorf("%s got %+v", c.UserID, msgs)
		}
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	channels []string
	bodies   [][]byte
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.bodies = append(p.bodies, message.([]byte))
	return redis.NewIntResult(1, nil)
}

type fakeSubscriber struct {
	handlers  map[string]func([]byte)
	cancelled map[string]bool
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: map[string]func([]byte){}, cancelled: map[string]bool{}}
}

func (s *fakeSubscriber) SubscribeSession(sessionID string, handler func([]byte)) (func(), error) {
	s.handlers[sessionID] = handler
	return func() { s.cancelled[sessionID] = true }, nil
}

func TestHub_RelayThroughRedis(t *testing.T) {
	pub := &recordingPublisher{}
	sub := newFakeSubscriber()
	h := NewHub(zaptest.NewLogger(t), pub, sub)
	b := attach(t, h, "s1", "bob")

	h.relay(context.Background(), "s1", EventSignalICE, Signal{From: "alice", To: "bob"})

	if len(pub.channels) != 1 || pub.channels[0] != events.SessionChannel("s1") {
		t.Fatalf("published to %v", pub.channels)
	}
	if msgs := received(b); len(msgs) != 0 {
		t.Fatalf("delivered locally before the round trip: %+v", msgs)
	}

	sub.handlers["s1"](pub.bodies[0])
	if msgs := received(b); len(msgs) != 1 || msgs[0].Event != EventSignalICE {
		t.Errorf("after round trip got %+v", msgs)
	}

	sub.handlers["s1"]([]byte("not json"))
	if msgs := received(b); len(msgs) != 0 {
		t.Errorf("garbage was delivered: %+v", msgs)
	}

	h.Unregister(b)
	if !sub.cancelled["s1"] {
		t.Error("subscription kept after the room emptied")
	}
}

// blockingSubscriber holds SubscribeSession until released.
type blockingSubscriber struct {
	entered   chan string
	release   chan struct{}
	cancelled chan string
}

func newBlockingSubscriber() *blockingSubscriber {
	return &blockingSubscriber{entered: make(chan string, 1), release: make(chan struct{}), cancelled: make(chan string, 1)}
}

func (s *blockingSubscriber) SubscribeSession(sessionID string, _ func([]byte)) (func(), error) {
	s.entered <- sessionID
	<-s.release
	return func() { s.cancelled <- sessionID }, nil
}

func waitFor[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestHub_SlowSubscribeDoesNotStallRooms(t *testing.T) {
	sub := newBlockingSubscriber()
	h := NewHub(zaptest.NewLogger(t), nil, sub)
	alice := newClient(h, "s1", "alice", nil, zaptest.NewLogger(t))

	registered := make(chan struct{})
	go func() {
		h.Register(alice)
		close(registered)
	}()
	waitFor(t, sub.entered, "subscribe")

	delivered := make(chan struct{})
	go func() {
		_ = h.Notify(context.Background(), joinedEvent("s1", "bob"))
		close(delivered)
	}()
	waitFor(t, delivered, "broadcast during subscribe")
	if msgs := received(alice); len(msgs) != 1 {
		t.Fatalf("alice got %d messages, want 1", len(msgs))
	}

	close(sub.release)
	waitFor(t, registered, "register")
	h.Unregister(alice)
	if got := waitFor(t, sub.cancelled, "cancel"); got != "s1" {
		t.Errorf("cancelled %q, want s1", got)
	}
}

func TestHub_SubscriptionDroppedWhenRoomEmptiesMidSubscribe(t *testing.T) {
	sub := newBlockingSubscriber()
	h := NewHub(zaptest.NewLogger(t), nil, sub)
	bob := newClient(h, "s2", "bob", nil, zaptest.NewLogger(t))

	registered := make(chan struct{})
	go func() {
		h.Register(bob)
		close(registered)
	}()
	waitFor(t, sub.entered, "subscribe")
	h.Unregister(bob)
	close(sub.release)
	waitFor(t, registered, "register")

	if got := waitFor(t, sub.cancelled, "cancel"); got != "s2" {
		t.Errorf("cancelled %q, want s2", got)
	}
	if n := h.RoomSize("s2"); n != 0 {
		t.Errorf("room size = %d, want 0", n)
	}
}
