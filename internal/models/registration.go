package models

import "time"

// RegistrationStatus tracks a user's registration for a time slot.
type RegistrationStatus string

const (
	RegistrationRegistered RegistrationStatus = "registered"
	RegistrationAttended   RegistrationStatus = "attended"
	RegistrationNoShow     RegistrationStatus = "no_show"
	RegistrationCancelled  RegistrationStatus = "cancelled"
)

// Registration is a user's sign-up for a time slot.
type Registration struct {
	ID           string             `json:"id"`
	TimeSlotID   string             `json:"time_slot_id"`
	UserID       string             `json:"user_id"`
	Status       RegistrationStatus `json:"status"`
	RegisteredAt time.Time          `json:"registered_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
