package models

import "time"

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// Open reports whether the session can still admit participants.
func (s SessionStatus) Open() bool {
	return s == SessionWaiting || s == SessionActive
}

// Session is one group conversation tied to a time slot occurrence.
type Session struct {
	ID                 string        `json:"id"`
	TimeSlotID         string        `json:"time_slot_id"`
	TargetLanguageCode string        `json:"target_language_code"`
	Level              Level         `json:"level"`
	Status             SessionStatus `json:"status"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	RecordingEnabled   bool          `json:"recording_enabled"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Duration returns EndedAt - StartedAt, or zero if the session never started or has not ended.
func (s *Session) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}
