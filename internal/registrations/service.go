package registrations

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
)

const (
	// RegistrationCloses is how long before start registration closes.
	RegistrationCloses = 5 * time.Minute
	// CancellationDeadline is how long before start cancellation closes.
	CancellationDeadline = 15 * time.Minute
	// DefaultMaxActive caps a user's simultaneous registered rows.
	DefaultMaxActive = 5
)

var (
	ErrSlotFull           = &conversation.Error{Code: "SLOT_FULL", Message: "this time slot is already full"}
	ErrAlreadyRegistered  = &conversation.Error{Code: "ALREADY_REGISTERED", Message: "you are already registered for this time slot"}
	ErrRegistrationClosed = &conversation.Error{Code: "REGISTRATION_CLOSED", Message: "registration is closed for this time slot (starts in less than 5 minutes)"}
	ErrCancellationClosed = &conversation.Error{Code: "CANCELLATION_DEADLINE_PASSED", Message: "you cannot cancel your registration less than 15 minutes before the start"}
	ErrNotRegistered      = &conversation.Error{Code: "NOT_REGISTERED", Message: "you are not registered for this time slot"}
	ErrSlotUnavailable    = &conversation.Error{Code: "SLOT_UNAVAILABLE", Message: "this time slot is not available"}
)

// MaxRegistrationsError reports that the user already holds n active registrations.
func MaxRegistrationsError(n int) *conversation.Error {
	return &conversation.Error{Code: "MAX_REGISTRATIONS", Message: fmt.Sprintf("you can only have %d active registrations at a time", n)}
}

// StatusOf maps registration error codes to HTTP status.
func StatusOf(code string) int {
	switch code {
	case "SLOT_FULL", "MAX_REGISTRATIONS", "ALREADY_REGISTERED":
		return http.StatusConflict
	case "REGISTRATION_CLOSED", "CANCELLATION_DEADLINE_PASSED":
		return http.StatusForbidden
	case "NOT_REGISTERED", "SLOT_UNAVAILABLE":
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

// Store is the registration persistence the service drives.
type Store interface {
	Register(ctx context.Context, reg *models.Registration, capacity, maxActive int) error
	Cancel(ctx context.Context, timeSlotID, userID string, at time.Time) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]models.Registration, error)
}

// Service applies the registration time and capacity rules.
type Service struct {
	store     Store
	slots     conversation.TimeSlotSource
	maxActive int
	now       func() time.Time
	logger    *zap.Logger
}

// NewService creates a registration service. maxActive <= 0 means DefaultMaxActive.
func NewService(store Store, slots conversation.TimeSlotSource, maxActive int, logger *zap.Logger) *Service {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		slots:     slots,
		maxActive: maxActive,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// Register signs the user up for the slot.
func (s *Service) Register(ctx context.Context, timeSlotID, userID string) (*models.Registration, error) {
	slot, err := s.slots.GetTimeSlot(ctx, timeSlotID)
	if err != nil {
		return nil, err
	}
	if !slot.IsActive {
		return nil, ErrSlotUnavailable
	}
	now := s.now()
	if now.Add(RegistrationCloses).After(slot.StartTime) {
		return nil, ErrRegistrationClosed
	}
	reg := &models.Registration{
		ID:           uuid.NewString(),
		TimeSlotID:   slot.ID,
		UserID:       userID,
		Status:       models.RegistrationRegistered,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	if err := s.store.Register(ctx, reg, slot.MaxParticipants, s.maxActive); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", zap.String("user_id", userID), zap.String("time_slot_id", slot.ID))
	return reg, nil
}

// Cancel withdraws the user's registration.
func (s *Service) Cancel(ctx context.Context, timeSlotID, userID string) error {
	slot, err := s.slots.GetTimeSlot(ctx, timeSlotID)
	if err != nil {
		return err
	}
	now := s.now()
	if now.Add(CancellationDeadline).After(slot.StartTime) {
		return ErrCancellationClosed
	}
	ok, err := s.store.Cancel(ctx, timeSlotID, userID, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotRegistered
	}
	s.logger.Info("registration cancelled", zap.String("user_id", userID), zap.String("time_slot_id", timeSlotID))
	return nil
}

// ListForUser returns the user's registrations.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]models.Registration, error) {
	return s.store.ListByUser(ctx, userID)
}
