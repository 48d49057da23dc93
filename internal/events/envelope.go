// Package events carries conversation lifecycle events out of the process: Redis pub/sub
// for realtime rooms, a Redis job queue for the archiver, and the log.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wespeak/conversation/internal/conversation"
)

const (
	// Version is the envelope schema version.
	Version = "1.0"
	// Source names this service in envelope metadata.
	Source = "conversation-service"

	sessionChannelPrefix = "conversation:session:"
	// FirehoseChannel receives every event of every session.
	FirehoseChannel = "conversation:events"
)

// Metadata travels with every envelope.
type Metadata struct {
	CorrelationID string `json:"correlationId"`
	Source        string `json:"source"`
}

// Envelope is the wire form of a conversation.Event.
type Envelope struct {
	EventType string          `json:"eventType"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
}

// NewEnvelope wraps e with a fresh correlation ID.
func NewEnvelope(e conversation.Event) (Envelope, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return Envelope{
		EventType: e.Type,
		Version:   Version,
		Timestamp: e.OccurredAt.UTC(),
		SessionID: e.SessionID,
		Payload:   payload,
		Metadata:  Metadata{CorrelationID: uuid.NewString(), Source: Source},
	}, nil
}

// SessionChannel is the pub/sub channel of one session's room.
func SessionChannel(sessionID string) string {
	return sessionChannelPrefix + sessionID
}
