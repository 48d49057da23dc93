package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
)

const (
	sessionCols     = `id, time_slot_id, target_language_code, level, status, started_at, ended_at, recording_enabled, created_at`
	participantCols = `id, session_id, user_id, display_name, status, camera_enabled, mic_enabled, recording_consent, joined_at, left_at`
)

var _ conversation.Store = (*Store)(nil)

func scanSession(row scanner) (*models.Session, error) {
	var (
		s              models.Session
		started, ended sql.NullInt64
		created        int64
	)
	err := row.Scan(&s.ID, &s.TimeSlotID, &s.TargetLanguageCode, &s.Level, &s.Status, &started, &ended, &s.RecordingEnabled, &created)
	if err != nil {
		return nil, err
	}
	s.StartedAt, s.EndedAt, s.CreatedAt = timePtr(started), timePtr(ended), fromMillis(created)
	return &s, nil
}

func scanParticipant(row scanner) (*models.Participant, error) {
	var (
		p      models.Participant
		joined int64
		left   sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.DisplayName, &p.Status, &p.CameraEnabled, &p.MicEnabled, &p.RecordingConsent, &joined, &left)
	if err != nil {
		return nil, err
	}
	p.JoinedAt, p.LeftAt = fromMillis(joined), timePtr(left)
	return &p, nil
}

func collectParticipants(rows *sql.Rows) ([]models.Participant, error) {
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

// GetSession returns a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, conversation.ErrNotFound)
	}
	return sess, err
}

// FindOpenSession returns the waiting or active session of a slot, or nil.
func (s *Store) FindOpenSession(ctx context.Context, timeSlotID string) (*models.Session, error) {
	const q = `SELECT ` + sessionCols + ` FROM sessions WHERE time_slot_id = ? AND status IN ('waiting', 'active') LIMIT 1`
	sess, err := scanSession(s.db.QueryRowContext(ctx, q, timeSlotID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

// HasSession reports whether the slot has any session at all.
func (s *Store) HasSession(ctx context.Context, timeSlotID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE time_slot_id = ?)`, timeSlotID).Scan(&exists)
	return exists, err
}

// CreateSession inserts a session; the open-session unique index rejects a second one.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	const q = `INSERT INTO sessions (` + sessionCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, sess.ID, sess.TimeSlotID, sess.TargetLanguageCode, sess.Level, sess.Status,
		nullMillis(sess.StartedAt), nullMillis(sess.EndedAt), sess.RecordingEnabled, toMillis(sess.CreatedAt))
	if isUniqueViolation(err) {
		return conversation.ErrDuplicateSession
	}
	return err
}

// EndSession ends an open session and disconnects its connected participants in one transaction.
func (s *Store) EndSession(ctx context.Context, id string, at time.Time) (*models.Session, []models.Participant, bool, error) {
	var (
		sess         *models.Session
		participants []models.Participant
		ended        bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("session %s: %w", id, conversation.ErrNotFound)
			}
			return err
		}
		if !sess.Status.Open() {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = 'ended', ended_at = ? WHERE id = ?`, toMillis(at), id); err != nil {
			return err
		}
		const disconnect = `UPDATE participants SET status = 'disconnected', left_at = ? WHERE session_id = ? AND status = 'connected'`
		if _, err := tx.ExecContext(ctx, disconnect, toMillis(at), id); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `SELECT `+participantCols+` FROM participants WHERE session_id = ? ORDER BY joined_at`, id)
		if err != nil {
			return err
		}
		participants, err = collectParticipants(rows)
		ended = err == nil
		return err
	})
	if err != nil || !ended {
		return nil, nil, false, err
	}
	at = at.UTC()
	sess.Status = models.SessionEnded
	sess.EndedAt = &at
	return sess, participants, true, nil
}

// ListSessionsByStatus returns up to limit sessions with the status, newest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	const q = `SELECT ` + sessionCols + ` FROM sessions WHERE status = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *sess)
	}
	return list, rows.Err()
}

// FindConnectedParticipant returns the user's connected row, or nil.
func (s *Store) FindConnectedParticipant(ctx context.Context, userID string) (*models.Participant, error) {
	const q = `SELECT ` + participantCols + ` FROM participants WHERE user_id = ? AND status = 'connected' LIMIT 1`
	p, err := scanParticipant(s.db.QueryRowContext(ctx, q, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// AdmitParticipant checks status and capacity, upserts the (session, user) row as connected
// and applies the recording flag and activation inside one immediate transaction.
func (s *Store) AdmitParticipant(ctx context.Context, p *models.Participant, c conversation.Capacity) (*models.Session, bool, error) {
	var (
		sess      *models.Session
		stored    *models.Participant
		activated bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		sess, err = scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, p.SessionID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("session %s: %w", p.SessionID, conversation.ErrNotFound)
			}
			return err
		}
		if !sess.Status.Open() {
			return conversation.ErrSessionEnded
		}
		const countConnected = `SELECT COUNT(*) FROM participants WHERE session_id = ? AND status = 'connected'`
		var connected int
		if err := tx.QueryRowContext(ctx, countConnected, p.SessionID).Scan(&connected); err != nil {
			return err
		}
		if connected >= c.Max {
			return conversation.ErrSessionFull
		}
		// a returning row keeps its name and media flags
		const upsert = `INSERT INTO participants (` + participantCols + `)
			VALUES (?, ?, ?, ?, 'connected', 0, 0, ?, ?, NULL)
			ON CONFLICT (session_id, user_id) DO UPDATE SET
				status = 'connected', recording_consent = excluded.recording_consent,
				joined_at = excluded.joined_at, left_at = NULL
			RETURNING ` + participantCols
		stored, err = scanParticipant(tx.QueryRowContext(ctx, upsert, p.ID, p.SessionID, p.UserID, p.DisplayName, p.RecordingConsent, toMillis(p.JoinedAt)))
		if isUniqueViolation(err) {
			return conversation.ErrUserConnected
		}
		if err != nil {
			return err
		}

		if p.RecordingConsent && !sess.RecordingEnabled {
			if _, err := tx.ExecContext(ctx, `UPDATE sessions SET recording_enabled = 1 WHERE id = ?`, sess.ID); err != nil {
				return err
			}
			sess.RecordingEnabled = true
		}
		if sess.Status != models.SessionWaiting {
			return nil
		}
		if err := tx.QueryRowContext(ctx, countConnected, p.SessionID).Scan(&connected); err != nil {
			return err
		}
		if connected < c.Min {
			return nil
		}
		at := p.JoinedAt.UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET status = 'active', started_at = ? WHERE id = ?`, toMillis(at), sess.ID); err != nil {
			return err
		}
		sess.Status, sess.StartedAt = models.SessionActive, &at
		activated = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	*p = *stored
	return sess, activated, nil
}

// DisconnectParticipant marks a connected row disconnected.
func (s *Store) DisconnectParticipant(ctx context.Context, id string, at time.Time) (bool, error) {
	const q = `UPDATE participants SET status = 'disconnected', left_at = ? WHERE id = ? AND status = 'connected'`
	res, err := s.db.ExecContext(ctx, q, toMillis(at), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateMedia applies the non-nil media flags.
func (s *Store) UpdateMedia(ctx context.Context, id string, camera, mic *bool) (*models.Participant, error) {
	const q = `UPDATE participants SET
		camera_enabled = COALESCE(?, camera_enabled),
		mic_enabled = COALESCE(?, mic_enabled)
		WHERE id = ? RETURNING ` + participantCols
	p, err := scanParticipant(s.db.QueryRowContext(ctx, q, nullBool(camera), nullBool(mic), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant %s: %w", id, conversation.ErrNotFound)
	}
	return p, err
}

// CountConnected returns the number of connected participants in a session.
func (s *Store) CountConnected(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE session_id = ? AND status = 'connected'`, sessionID).Scan(&n)
	return n, err
}

// ListParticipants returns a session's participants in join order.
func (s *Store) ListParticipants(ctx context.Context, sessionID string, includeDisconnected bool) ([]models.Participant, error) {
	q := `SELECT ` + participantCols + ` FROM participants WHERE session_id = ?`
	if !includeDisconnected {
		q += ` AND status = 'connected'`
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY joined_at`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectParticipants(rows)
}

// ListHistory returns a page of the user's participant rows, newest first, and the total.
func (s *Store) ListHistory(ctx context.Context, userID string, offset, limit int) ([]models.Participant, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	const q = `SELECT ` + participantCols + ` FROM participants WHERE user_id = ? ORDER BY joined_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	list, err := collectParticipants(rows)
	return list, total, err
}
