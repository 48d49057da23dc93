package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
	"github.com/wespeak/conversation/internal/registrations"
)

const regCols = `id, time_slot_id, user_id, status, registered_at, updated_at`

var (
	_ conversation.RegistrationGate = (*Store)(nil)
	_ registrations.Store           = (*Store)(nil)
)

func collectRegistrations(rows *sql.Rows) ([]models.Registration, error) {
	defer rows.Close()
	var list []models.Registration
	for rows.Next() {
		var (
			reg                   models.Registration
			registered, updatedAt int64
		)
		if err := rows.Scan(&reg.ID, &reg.TimeSlotID, &reg.UserID, &reg.Status, &registered, &updatedAt); err != nil {
			return nil, err
		}
		reg.RegisteredAt, reg.UpdatedAt = fromMillis(registered), fromMillis(updatedAt)
		list = append(list, reg)
	}
	return list, rows.Err()
}

// IsRegistered reports whether the user holds a registration not yet marked attended.
func (s *Store) IsRegistered(ctx context.Context, timeSlotID, userID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM registrations WHERE time_slot_id = ? AND user_id = ? AND status = 'registered')`
	var ok bool
	err := s.db.QueryRowContext(ctx, q, timeSlotID, userID).Scan(&ok)
	return ok, err
}

// MarkAttended moves a registered row to attended.
func (s *Store) MarkAttended(ctx context.Context, timeSlotID, userID string) error {
	return s.transition(ctx, timeSlotID, userID, models.RegistrationAttended)
}

// MarkNoShow moves a registered row to no_show.
func (s *Store) MarkNoShow(ctx context.Context, timeSlotID, userID string) error {
	return s.transition(ctx, timeSlotID, userID, models.RegistrationNoShow)
}

func (s *Store) transition(ctx context.Context, timeSlotID, userID string, to models.RegistrationStatus) error {
	const q = `UPDATE registrations SET status = ?, updated_at = ? WHERE time_slot_id = ? AND user_id = ? AND status = 'registered'`
	_, err := s.db.ExecContext(ctx, q, to, toMillis(time.Now()), timeSlotID, userID)
	return err
}

// ListRegistered returns the slot's registrations still in registered status.
func (s *Store) ListRegistered(ctx context.Context, timeSlotID string) ([]models.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+regCols+` FROM registrations WHERE time_slot_id = ? AND status = 'registered' ORDER BY registered_at`, timeSlotID)
	if err != nil {
		return nil, err
	}
	return collectRegistrations(rows)
}

// CountRegistered returns registrations holding a seat (registered or attended).
func (s *Store) CountRegistered(ctx context.Context, timeSlotID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations WHERE time_slot_id = ? AND status IN ('registered', 'attended')`, timeSlotID).Scan(&n)
	return n, err
}

// ListByUser returns the user's registrations, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]models.Registration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+regCols+` FROM registrations WHERE user_id = ? ORDER BY registered_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectRegistrations(rows)
}

// Register reserves a seat inside an immediate transaction. A cancelled row is reactivated.
func (s *Store) Register(ctx context.Context, reg *models.Registration, capacity, maxActive int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM time_slots WHERE id = ?)`, reg.TimeSlotID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("time slot %s: %w", reg.TimeSlotID, conversation.ErrNotFound)
		}
		var status models.RegistrationStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM registrations WHERE time_slot_id = ? AND user_id = ?`, reg.TimeSlotID, reg.UserID).Scan(&status)
		switch {
		case err == nil && status != models.RegistrationCancelled:
			return registrations.ErrAlreadyRegistered
		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return err
		}

		var taken int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations WHERE time_slot_id = ? AND status IN ('registered', 'attended')`, reg.TimeSlotID).Scan(&taken); err != nil {
			return err
		}
		if taken >= capacity {
			return registrations.ErrSlotFull
		}
		if maxActive > 0 {
			var active int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM registrations WHERE user_id = ? AND status = 'registered'`, reg.UserID).Scan(&active); err != nil {
				return err
			}
			if active >= maxActive {
				return registrations.MaxRegistrationsError(maxActive)
			}
		}

		const q = `INSERT INTO registrations (` + regCols + `)
			VALUES (?, ?, ?, 'registered', ?, ?)
			ON CONFLICT (time_slot_id, user_id) DO UPDATE SET status = 'registered', registered_at = excluded.registered_at, updated_at = excluded.updated_at
			RETURNING id`
		if err := tx.QueryRowContext(ctx, q, reg.ID, reg.TimeSlotID, reg.UserID, toMillis(reg.RegisteredAt), toMillis(reg.RegisteredAt)).Scan(&reg.ID); err != nil {
			return err
		}
		reg.Status = models.RegistrationRegistered
		reg.UpdatedAt = reg.RegisteredAt
		return nil
	})
}

// Cancel moves a registered row to cancelled and reports whether one existed.
func (s *Store) Cancel(ctx context.Context, timeSlotID, userID string, at time.Time) (bool, error) {
	const q = `UPDATE registrations SET status = 'cancelled', updated_at = ? WHERE time_slot_id = ? AND user_id = ? AND status = 'registered'`
	res, err := s.db.ExecContext(ctx, q, toMillis(at), timeSlotID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
