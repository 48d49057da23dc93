package conversation

import (
	"context"
	"time"

	"github.com/wespeak/conversation/internal/models"
)

// TimeSlotSource is the read-only provider of scheduled slots.
type TimeSlotSource interface {
	// GetTimeSlot returns ErrNotFound (wrapped) when the slot does not exist.
	GetTimeSlot(ctx context.Context, id string) (*models.TimeSlot, error)
	// ListStartingBetween returns active slots with from <= startTime < to.
	ListStartingBetween(ctx context.Context, from, to time.Time) ([]models.TimeSlot, error)
}

// RegistrationGate answers whether a user may join a slot and records attendance.
type RegistrationGate interface {
	// IsRegistered reports whether the user is registered for the slot and not yet marked attended.
	IsRegistered(ctx context.Context, timeSlotID, userID string) (bool, error)
	MarkAttended(ctx context.Context, timeSlotID, userID string) error
	ListRegistered(ctx context.Context, timeSlotID string) ([]models.Registration, error)
	MarkNoShow(ctx context.Context, timeSlotID, userID string) error
}

// Store persists sessions and participants. Methods that change status are conditional
// so that a stale caller cannot resurrect or double-transition a session.
type Store interface {
	// GetSession returns ErrNotFound (wrapped) when missing.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// FindOpenSession returns the waiting or active session for the slot, or nil.
	FindOpenSession(ctx context.Context, timeSlotID string) (*models.Session, error)
	// HasSession reports whether any session, in any status, exists for the slot.
	HasSession(ctx context.Context, timeSlotID string) (bool, error)
	// CreateSession inserts s; returns ErrDuplicateSession if the slot already has an open session.
	CreateSession(ctx context.Context, s *models.Session) error
	// EndSession ends an open session and disconnects its connected participants in one unit
	// of work. It returns the ended session and every participant row, or ended=false when
	// the session was already ended.
	EndSession(ctx context.Context, id string, at time.Time) (s *models.Session, participants []models.Participant, ended bool, err error)
	// ListSessionsByStatus returns up to limit sessions, most recently created first.
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error)

	// FindConnectedParticipant returns the user's connected row, or nil.
	FindConnectedParticipant(ctx context.Context, userID string) (*models.Participant, error)
	// AdmitParticipant is one unit of work: it checks session status and capacity, upserts
	// the (session, user) row as connected, sets the sticky recording flag when p consents
	// and moves a waiting session to active (startedAt = p.JoinedAt) once c.Min rows are
	// connected. A reconnecting row keeps its display name and media flags; p is refreshed
	// from the stored row. It returns the committed session and whether this admission
	// activated it. Errors: ErrSessionFull when c.Max rows are already connected,
	// ErrSessionEnded when the session is no longer open, ErrUserConnected when the user is
	// connected elsewhere.
	AdmitParticipant(ctx context.Context, p *models.Participant, c Capacity) (s *models.Session, activated bool, err error)
	// DisconnectParticipant marks a connected row disconnected and reports whether it changed.
	DisconnectParticipant(ctx context.Context, id string, at time.Time) (bool, error)
	// UpdateMedia applies the non-nil flags and returns the updated row.
	UpdateMedia(ctx context.Context, id string, camera, mic *bool) (*models.Participant, error)
	CountConnected(ctx context.Context, sessionID string) (int, error)
	// ListParticipants returns rows for the session; disconnected rows only when includeDisconnected.
	ListParticipants(ctx context.Context, sessionID string, includeDisconnected bool) ([]models.Participant, error)
	// ListHistory returns the user's rows ordered by joinedAt descending, and the total count.
	ListHistory(ctx context.Context, userID string, offset, limit int) ([]models.Participant, int, error)
}

// Capacity bounds one admission.
type Capacity struct {
	Max int // connected rows allowed
	Min int // connected rows that activate a waiting session
}

// Notifier receives lifecycle events. Errors are logged by the orchestrator and never propagated.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Locker serializes work on a key. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
