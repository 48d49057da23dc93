package models

import "time"

// ParticipantStatus is the connection state of a session member.
type ParticipantStatus string

const (
	ParticipantConnected    ParticipantStatus = "connected"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

// DefaultDisplayName is used when a join request carries no display name.
const DefaultDisplayName = "User"

// Participant is a user's membership row in one session. The row is reused across reconnects.
type Participant struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"session_id"`
	UserID           string            `json:"user_id"`
	DisplayName      string            `json:"display_name"`
	Status           ParticipantStatus `json:"status"`
	CameraEnabled    bool              `json:"camera_enabled"`
	MicEnabled       bool              `json:"mic_enabled"`
	RecordingConsent bool              `json:"recording_consent"`
	JoinedAt         time.Time         `json:"joined_at"`
	LeftAt           *time.Time        `json:"left_at,omitempty"`
}
