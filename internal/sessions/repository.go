package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
)

const (
	sessionCols     = `id, time_slot_id, target_language_code, level, status, started_at, ended_at, recording_enabled, created_at`
	participantCols = `id, session_id, user_id, display_name, status, camera_enabled, mic_enabled, recording_consent, joined_at, left_at`

	uniqueViolation = "23505"
)

// Repository is the PostgreSQL conversation.Store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ conversation.Store = (*Repository)(nil)

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.TimeSlotID, &s.TargetLanguageCode, &s.Level, &s.Status, &s.StartedAt, &s.EndedAt, &s.RecordingEnabled, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanParticipant(row pgx.Row) (*models.Participant, error) {
	var p models.Participant
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.DisplayName, &p.Status, &p.CameraEnabled, &p.MicEnabled, &p.RecordingConsent, &p.JoinedAt, &p.LeftAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectParticipants(rows pgx.Rows) ([]models.Participant, error) {
	defer rows.Close()
	var list []models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// GetSession returns a session by ID.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, conversation.ErrNotFound)
	}
	return s, err
}

// FindOpenSession returns the waiting or active session of a slot, or nil.
func (r *Repository) FindOpenSession(ctx context.Context, timeSlotID string) (*models.Session, error) {
	const q = `SELECT ` + sessionCols + ` FROM sessions WHERE time_slot_id = $1 AND status IN ('waiting', 'active') LIMIT 1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, timeSlotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// HasSession reports whether the slot has any session at all.
func (r *Repository) HasSession(ctx context.Context, timeSlotID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE time_slot_id = $1)`, timeSlotID).Scan(&exists)
	return exists, err
}

// CreateSession inserts a session. The partial unique index on open sessions turns a
// concurrent second insert into ErrDuplicateSession.
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (` + sessionCols + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := r.pool.Exec(ctx, q, s.ID, s.TimeSlotID, s.TargetLanguageCode, s.Level, s.Status, s.StartedAt, s.EndedAt, s.RecordingEnabled, s.CreatedAt)
	if isUniqueViolation(err) {
		return conversation.ErrDuplicateSession
	}
	return err
}

// EndSession ends an open session and disconnects its connected participants in one transaction.
func (r *Repository) EndSession(ctx context.Context, id string, at time.Time) (*models.Session, []models.Participant, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, false, err
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, false, fmt.Errorf("session %s: %w", id, conversation.ErrNotFound)
		}
		return nil, nil, false, err
	}
	if !s.Status.Open() {
		return nil, nil, false, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE sessions SET status = 'ended', ended_at = $2 WHERE id = $1`, id, at); err != nil {
		return nil, nil, false, err
	}
	const disconnect = `UPDATE participants SET status = 'disconnected', left_at = $2 WHERE session_id = $1 AND status = 'connected'`
	if _, err := tx.Exec(ctx, disconnect, id, at); err != nil {
		return nil, nil, false, err
	}
	rows, err := tx.Query(ctx, `SELECT `+participantCols+` FROM participants WHERE session_id = $1 ORDER BY joined_at`, id)
	if err != nil {
		return nil, nil, false, err
	}
	participants, err := collectParticipants(rows)
	if err != nil {
		return nil, nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, false, err
	}
	s.Status = models.SessionEnded
	s.EndedAt = &at
	return s, participants, true, nil
}

// ListSessionsByStatus returns up to limit sessions with the status, newest first.
func (r *Repository) ListSessionsByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	const q = `SELECT ` + sessionCols + ` FROM sessions WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// FindConnectedParticipant returns the user's connected row, or nil.
func (r *Repository) FindConnectedParticipant(ctx context.Context, userID string) (*models.Participant, error) {
	const q = `SELECT ` + participantCols + ` FROM participants WHERE user_id = $1 AND status = 'connected' LIMIT 1`
	p, err := scanParticipant(r.pool.QueryRow(ctx, q, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// AdmitParticipant locks the session row, checks status and capacity, upserts the
// (session, user) row as connected and applies the recording flag and activation in the
// same transaction.
func (r *Repository) AdmitParticipant(ctx context.Context, p *models.Participant, c conversation.Capacity) (*models.Session, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = $1 FOR UPDATE`, p.SessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("session %s: %w", p.SessionID, conversation.ErrNotFound)
		}
		return nil, false, err
	}
	if !s.Status.Open() {
		return nil, false, conversation.ErrSessionEnded
	}
	const countConnected = `SELECT COUNT(*) FROM participants WHERE session_id = $1 AND status = 'connected'`
	var connected int
	if err := tx.QueryRow(ctx, countConnected, p.SessionID).Scan(&connected); err != nil {
		return nil, false, err
	}
	if connected >= c.Max {
		return nil, false, conversation.ErrSessionFull
	}

	// a returning row keeps its name and media flags
	const upsert = `INSERT INTO participants (` + participantCols + `)
		VALUES ($1, $2, $3, $4, 'connected', FALSE, FALSE, $5, $6, NULL)
		ON CONFLICT (session_id, user_id) DO UPDATE SET
			status = 'connected', recording_consent = EXCLUDED.recording_consent,
			joined_at = EXCLUDED.joined_at, left_at = NULL
		RETURNING ` + participantCols
	stored, err := scanParticipant(tx.QueryRow(ctx, upsert, p.ID, p.SessionID, p.UserID, p.DisplayName, p.RecordingConsent, p.JoinedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, false, conversation.ErrUserConnected
		}
		return nil, false, err
	}

	if p.RecordingConsent && !s.RecordingEnabled {
		if _, err := tx.Exec(ctx, `UPDATE sessions SET recording_enabled = TRUE WHERE id = $1`, s.ID); err != nil {
			return nil, false, err
		}
		s.RecordingEnabled = true
	}
	activated := false
	if s.Status == models.SessionWaiting {
		if err := tx.QueryRow(ctx, countConnected, p.SessionID).Scan(&connected); err != nil {
			return nil, false, err
		}
		if connected >= c.Min {
			at := p.JoinedAt
			if _, err := tx.Exec(ctx, `UPDATE sessions SET status = 'active', started_at = $2 WHERE id = $1`, s.ID, at); err != nil {
				return nil, false, err
			}
			s.Status, s.StartedAt = models.SessionActive, &at
			activated = true
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	*p = *stored
	return s, activated, nil
}

// DisconnectParticipant marks a connected row disconnected.
func (r *Repository) DisconnectParticipant(ctx context.Context, id string, at time.Time) (bool, error) {
	const q = `UPDATE participants SET status = 'disconnected', left_at = $2 WHERE id = $1 AND status = 'connected'`
	tag, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateMedia applies the non-nil media flags.
func (r *Repository) UpdateMedia(ctx context.Context, id string, camera, mic *bool) (*models.Participant, error) {
	const q = `UPDATE participants SET
		camera_enabled = COALESCE($2, camera_enabled),
		mic_enabled = COALESCE($3, mic_enabled)
		WHERE id = $1 RETURNING ` + participantCols
	p, err := scanParticipant(r.pool.QueryRow(ctx, q, id, camera, mic))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, conversation.ErrNotFound)
	}
	return p, err
}

// CountConnected returns the number of connected participants in a session.
func (r *Repository) CountConnected(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE session_id = $1 AND status = 'connected'`, sessionID).Scan(&n)
	return n, err
}

// ListParticipants returns a session's participants in join order.
func (r *Repository) ListParticipants(ctx context.Context, sessionID string, includeDisconnected bool) ([]models.Participant, error) {
	q := `SELECT ` + participantCols + ` FROM participants WHERE session_id = $1`
	if !includeDisconnected {
		q += ` AND status = 'connected'`
	}
	rows, err := r.pool.Query(ctx, q+` ORDER BY joined_at`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectParticipants(rows)
}

// ListHistory returns a page of the user's participant rows, newest first, and the total.
func (r *Repository) ListHistory(ctx context.Context, userID string, offset, limit int) ([]models.Participant, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM participants WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	const q = `SELECT ` + participantCols + ` FROM participants WHERE user_id = $1 ORDER BY joined_at DESC LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	list, err := collectParticipants(rows)
	return list, total, err
}
