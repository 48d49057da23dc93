package conversation

import (
	"time"

	"github.com/wespeak/conversation/internal/models"
)

// Event types emitted by the orchestrator.
const (
	EventSessionStarted    = "session.started"
	EventSessionEnded      = "session.ended"
	EventParticipantJoined = "participant.joined"
	EventParticipantLeft   = "participant.left"
	EventMediaChanged      = "participant.media_changed"
)

// Event is a lifecycle notification. Payload is one of the *Payload types below.
type Event struct {
	Type       string      `json:"event_type"`
	SessionID  string      `json:"session_id"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// SessionStartedPayload is sent once, when a session first reaches its activation threshold.
type SessionStartedPayload struct {
	SessionID          string       `json:"session_id"`
	TimeSlotID         string       `json:"time_slot_id"`
	TargetLanguageCode string       `json:"target_language_code"`
	Level              models.Level `json:"level"`
	ParticipantIDs     []string     `json:"participant_ids"`
	RecordingEnabled   bool         `json:"recording_enabled"`
}

// EndedParticipant is one row of the session.ended participant list.
type EndedParticipant struct {
	UserID           string     `json:"user_id"`
	JoinedAt         time.Time  `json:"joined_at"`
	LeftAt           *time.Time `json:"left_at,omitempty"`
	RecordingConsent bool       `json:"recording_consent"`
}

// SessionEndedPayload lists every participant of the session, including those force-disconnected.
type SessionEndedPayload struct {
	SessionID        string             `json:"session_id"`
	TimeSlotID       string             `json:"time_slot_id"`
	Participants     []EndedParticipant `json:"participants"`
	DurationSeconds  int64              `json:"duration_seconds"`
	RecordingEnabled bool               `json:"recording_enabled"`
}

// ParticipantPayload carries a participant change to the session room.
type ParticipantPayload struct {
	Participant ParticipantView `json:"participant"`
}

func sessionStartedEvent(s *models.Session, connected []models.Participant, at time.Time) Event {
	ids := make([]string, 0, len(connected))
	for _, p := range connected {
		ids = append(ids, p.UserID)
	}
	return Event{
		Type:       EventSessionStarted,
		SessionID:  s.ID,
		OccurredAt: at,
		Payload: SessionStartedPayload{
			SessionID:          s.ID,
			TimeSlotID:         s.TimeSlotID,
			TargetLanguageCode: s.TargetLanguageCode,
			Level:              s.Level,
			ParticipantIDs:     ids,
			RecordingEnabled:   s.RecordingEnabled,
		},
	}
}

func sessionEndedEvent(s *models.Session, participants []models.Participant, at time.Time) Event {
	rows := make([]EndedParticipant, 0, len(participants))
	for _, p := range participants {
		rows = append(rows, EndedParticipant{
			UserID:           p.UserID,
			JoinedAt:         p.JoinedAt,
			LeftAt:           p.LeftAt,
			RecordingConsent: p.RecordingConsent,
		})
	}
	return Event{
		Type:       EventSessionEnded,
		SessionID:  s.ID,
		OccurredAt: at,
		Payload: SessionEndedPayload{
			SessionID:        s.ID,
			TimeSlotID:       s.TimeSlotID,
			Participants:     rows,
			DurationSeconds:  int64(s.Duration() / time.Second),
			RecordingEnabled: s.RecordingEnabled,
		},
	}
}

func participantEvent(typ string, p *models.Participant, at time.Time) Event {
	return Event{
		Type:       typ,
		SessionID:  p.SessionID,
		OccurredAt: at,
		Payload:    ParticipantPayload{Participant: participantView(p)},
	}
}
