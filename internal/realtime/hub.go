package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/events"
)

const (
	// PingInterval and PongWait are used for heartbeat, in seconds.
	PingInterval = 30
	PongWait     = 60
)

// Subscriber subscribes to a session's channel and invokes handler for each raw envelope.
type Subscriber interface {
	SubscribeSession(sessionID string, handler func(raw []byte)) (cancel func(), err error)
}

// Hub maintains session_id -> set of connections. With a Publisher and Subscriber it
// relays through Redis so rooms spanning several instances see the same stream;
// without them it delivers locally.
type Hub struct {
	rooms  map[string]*room
	mu     sync.RWMutex
	logger *zap.Logger
	pub    events.Publisher
	sub    Subscriber
}

// room is the set of local clients of one session.
type room struct {
	clients map[string]*Client // by client ID
	cancel  func()             // Redis subscription; nil until subscribed
}

// NewHub creates a new WebSocket hub. pub and sub may both be nil.
func NewHub(logger *zap.Logger, pub events.Publisher, sub Subscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]*room),
		logger: logger,
		pub:    pub,
		sub:    sub,
	}
}

// Register adds a client to its session room. The first client of a room starts the
// Redis subscription; the subscribe round trip happens outside the hub lock.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	r := h.rooms[c.SessionID]
	first := r == nil
	if first {
		r = &room{clients: make(map[string]*Client)}
		h.rooms[c.SessionID] = r
	}
	r.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client joined room", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID))

	if first && h.sub != nil {
		h.subscribe(c.SessionID, r)
	}
}

func (h *Hub) subscribe(sessionID string, r *room) {
	cancel, err := h.sub.SubscribeSession(sessionID, func(raw []byte) {
		var env events.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Warn("invalid envelope on session channel", zap.Error(err), zap.String("session_id", sessionID))
			return
		}
		h.deliver(env)
	})
	if err != nil {
		h.logger.Warn("session subscribe failed", zap.Error(err), zap.String("session_id", sessionID))
		return
	}

	h.mu.Lock()
	// the room may have emptied, or been recreated by a later Register, while subscribing
	if h.rooms[sessionID] == r {
		r.cancel = cancel
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	cancel()
}

// Unregister removes a client. Cancels the Redis subscription when the room empties.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if r, ok := h.rooms[c.SessionID]; ok {
		delete(r.clients, c.ID)
		if len(r.clients) == 0 {
			h.dropRoomLocked(c.SessionID)
		}
	}
	h.mu.Unlock()
	c.close()
	h.logger.Debug("client left room", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID))
}

func (h *Hub) dropRoomLocked(sessionID string) {
	r, ok := h.rooms[sessionID]
	if !ok {
		return
	}
	delete(h.rooms, sessionID)
	if r.cancel != nil {
		r.cancel()
	}
}

// clientsLocked returns the session's clients, or nil. Callers hold h.mu.
func (h *Hub) clientsLocked(sessionID string) map[string]*Client {
	if r, ok := h.rooms[sessionID]; ok {
		return r.clients
	}
	return nil
}

// RoomSize returns the number of local connections in a session room.
func (h *Hub) RoomSize(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientsLocked(sessionID))
}

// Notify implements conversation.Notifier for single-instance deployments.
func (h *Hub) Notify(_ context.Context, e conversation.Event) error {
	env, err := events.NewEnvelope(e)
	if err != nil {
		return err
	}
	h.deliver(env)
	return nil
}

// deliver routes an envelope to the local room.
func (h *Hub) deliver(env events.Envelope) {
	if strings.HasPrefix(env.EventType, signalPrefix) {
		var sig Signal
		if err := json.Unmarshal(env.Payload, &sig); err != nil {
			return
		}
		h.sendToUser(env.SessionID, sig.To, WSMessage{Event: env.EventType, Data: env.Payload})
		return
	}

	h.broadcast(env.SessionID, WSMessage{Event: env.EventType, Data: env.Payload})

	switch env.EventType {
	case conversation.EventParticipantLeft:
		var p conversation.ParticipantPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			h.closeUser(env.SessionID, p.Participant.UserID)
		}
	case conversation.EventSessionEnded:
		h.CloseRoom(env.SessionID)
	}
}

func (h *Hub) broadcast(sessionID string, msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clientsLocked(sessionID) {
		c.enqueue(msg)
	}
}

func (h *Hub) sendToUser(sessionID, userID string, msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clientsLocked(sessionID) {
		if c.UserID == userID {
			c.enqueue(msg)
		}
	}
}

func (h *Hub) closeUser(sessionID, userID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clientsLocked(sessionID) {
		if c.UserID == userID {
			c.close()
		}
	}
}

// CloseRoom disconnects every local client of a session.
func (h *Hub) CloseRoom(sessionID string) {
	h.mu.Lock()
	clients := h.clientsLocked(sessionID)
	h.dropRoomLocked(sessionID)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	if len(clients) > 0 {
		h.logger.Info("room closed", zap.String("session_id", sessionID), zap.Int("clients", len(clients)))
	}
}

// relay sends a signaling message to its target. With Redis it goes through the session
// channel so the subscriber delivers it on whichever instance holds the target.
func (h *Hub) relay(ctx context.Context, sessionID, event string, sig Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	env := events.Envelope{EventType: event, Version: events.Version, SessionID: sessionID, Payload: data,
		Metadata: events.Metadata{Source: events.Source}}
	if h.pub == nil {
		h.deliver(env)
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := h.pub.Publish(ctx, events.SessionChannel(sessionID), body).Err(); err != nil {
		h.logger.Warn("signal publish failed", zap.Error(err), zap.String("session_id", sessionID))
	}
}
