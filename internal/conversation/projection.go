package conversation

import (
	"time"

	"github.com/wespeak/conversation/internal/models"
)

// ParticipantView is the caller-facing projection of a participant row.
type ParticipantView struct {
	ID               string                   `json:"id"`
	UserID           string                   `json:"user_id"`
	DisplayName      string                   `json:"display_name"`
	Status           models.ParticipantStatus `json:"status"`
	CameraEnabled    bool                     `json:"camera_enabled"`
	MicEnabled       bool                     `json:"mic_enabled"`
	RecordingConsent bool                     `json:"recording_consent"`
	JoinedAt         time.Time                `json:"joined_at"`
}

// SessionView is a session with its non-disconnected participants.
type SessionView struct {
	ID                 string               `json:"id"`
	TimeSlotID         string               `json:"time_slot_id"`
	TargetLanguageCode string               `json:"target_language_code"`
	Level              models.Level         `json:"level"`
	Status             models.SessionStatus `json:"status"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	EndedAt            *time.Time           `json:"ended_at,omitempty"`
	RecordingEnabled   bool                 `json:"recording_enabled"`
	Participants       []ParticipantView    `json:"participants"`
}

// HistoryItem is one past or current session membership of a user.
type HistoryItem struct {
	SessionID          string       `json:"session_id"`
	TargetLanguageCode string       `json:"target_language_code,omitempty"`
	Level              models.Level `json:"level,omitempty"`
	JoinedAt           time.Time    `json:"joined_at"`
	LeftAt             *time.Time   `json:"left_at,omitempty"`
	ParticipantCount   int          `json:"participant_count"`
}

// HistoryPage is a page of HistoryItem.
type HistoryPage struct {
	Sessions []HistoryItem `json:"sessions"`
	Total    int           `json:"total"`
	HasMore  bool          `json:"has_more"`
}

func participantView(p *models.Participant) ParticipantView {
	return ParticipantView{
		ID:               p.ID,
		UserID:           p.UserID,
		DisplayName:      p.DisplayName,
		Status:           p.Status,
		CameraEnabled:    p.CameraEnabled,
		MicEnabled:       p.MicEnabled,
		RecordingConsent: p.RecordingConsent,
		JoinedAt:         p.JoinedAt,
	}
}

func sessionView(s *models.Session, participants []models.Participant) *SessionView {
	views := make([]ParticipantView, 0, len(participants))
	for i := range participants {
		views = append(views, participantView(&participants[i]))
	}
	return &SessionView{
		ID:                 s.ID,
		TimeSlotID:         s.TimeSlotID,
		TargetLanguageCode: s.TargetLanguageCode,
		Level:              s.Level,
		Status:             s.Status,
		StartedAt:          s.StartedAt,
		EndedAt:            s.EndedAt,
		RecordingEnabled:   s.RecordingEnabled,
		Participants:       views,
	}
}
