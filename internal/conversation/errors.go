package conversation

import "errors"

// Error is an expected, user-facing outcome of a precondition check.
// Callers should surface Code and Message and never retry.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

var (
	ErrNotRegistered    = &Error{Code: "NOT_REGISTERED", Message: "you are not registered for this time slot"}
	ErrAlreadyInSession = &Error{Code: "ALREADY_IN_SESSION", Message: "you are already in an active session"}
	ErrJoinWindowClosed = &Error{Code: "JOIN_WINDOW_CLOSED", Message: "the join window for this time slot has closed"}
	ErrSessionEnded     = &Error{Code: "SESSION_ENDED", Message: "this session has already ended"}
	ErrSessionFull      = &Error{Code: "SESSION_FULL", Message: "this session is already full"}
	ErrNoActiveSession  = &Error{Code: "NO_ACTIVE_SESSION", Message: "you don't have an active session"}
)

// ErrNotFound is returned when a session or time slot the orchestrator relies on is missing.
// It indicates inconsistent state, not a user error.
var ErrNotFound = errors.New("conversation: not found")

// ErrDuplicateSession is returned by Store.CreateSession when the slot already has an open session.
var ErrDuplicateSession = errors.New("conversation: open session already exists for time slot")

// ErrUserConnected is returned by Store.AdmitParticipant when the user already holds a connected
// row in another session.
var ErrUserConnected = errors.New("conversation: user already connected elsewhere")
