package registrations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
)

const regCols = `id, time_slot_id, user_id, status, registered_at, updated_at`

// Repository handles registration persistence and is the conversation.RegistrationGate.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a registrations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ conversation.RegistrationGate = (*Repository)(nil)

func collectRegistrations(rows pgx.Rows) ([]models.Registration, error) {
	defer rows.Close()
	var list []models.Registration
	for rows.Next() {
		var reg models.Registration
		if err := rows.Scan(&reg.ID, &reg.TimeSlotID, &reg.UserID, &reg.Status, &reg.RegisteredAt, &reg.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, reg)
	}
	return list, rows.Err()
}

// IsRegistered reports whether the user holds a registration not yet marked attended.
func (r *Repository) IsRegistered(ctx context.Context, timeSlotID, userID string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM registrations WHERE time_slot_id = $1 AND user_id = $2 AND status = 'registered')`
	var ok bool
	err := r.pool.QueryRow(ctx, q, timeSlotID, userID).Scan(&ok)
	return ok, err
}

// MarkAttended moves a registered row to attended.
func (r *Repository) MarkAttended(ctx context.Context, timeSlotID, userID string) error {
	return r.transition(ctx, timeSlotID, userID, models.RegistrationAttended)
}

// MarkNoShow moves a registered row to no_show.
func (r *Repository) MarkNoShow(ctx context.Context, timeSlotID, userID string) error {
	return r.transition(ctx, timeSlotID, userID, models.RegistrationNoShow)
}

func (r *Repository) transition(ctx context.Context, timeSlotID, userID string, to models.RegistrationStatus) error {
	const q = `UPDATE registrations SET status = $3, updated_at = NOW() WHERE time_slot_id = $1 AND user_id = $2 AND status = 'registered'`
	_, err := r.pool.Exec(ctx, q, timeSlotID, userID, to)
	return err
}

// ListRegistered returns the slot's registrations still in registered status.
func (r *Repository) ListRegistered(ctx context.Context, timeSlotID string) ([]models.Registration, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+regCols+` FROM registrations WHERE time_slot_id = $1 AND status = 'registered' ORDER BY registered_at`, timeSlotID)
	if err != nil {
		return nil, err
	}
	return collectRegistrations(rows)
}

// CountRegistered returns registrations holding a seat (registered or attended).
func (r *Repository) CountRegistered(ctx context.Context, timeSlotID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM registrations WHERE time_slot_id = $1 AND status IN ('registered', 'attended')`, timeSlotID).Scan(&n)
	return n, err
}

// ListByUser returns the user's registrations, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string) ([]models.Registration, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+regCols+` FROM registrations WHERE user_id = $1 ORDER BY registered_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectRegistrations(rows)
}

// Register reserves a seat under the slot row lock. A cancelled row is reactivated.
func (r *Repository) Register(ctx context.Context, reg *models.Registration, capacity, maxActive int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var slotID string
	if err := tx.QueryRow(ctx, `SELECT id FROM time_slots WHERE id = $1 FOR UPDATE`, reg.TimeSlotID).Scan(&slotID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("time slot %s: %w", reg.TimeSlotID, conversation.ErrNotFound)
		}
		return err
	}
	var status models.RegistrationStatus
	err = tx.QueryRow(ctx, `SELECT status FROM registrations WHERE time_slot_id = $1 AND user_id = $2`, reg.TimeSlotID, reg.UserID).Scan(&status)
	switch {
	case err == nil && status != models.RegistrationCancelled:
		return ErrAlreadyRegistered
	case err != nil && !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	var taken int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM registrations WHERE time_slot_id = $1 AND status IN ('registered', 'attended')`, reg.TimeSlotID).Scan(&taken); err != nil {
		return err
	}
	if taken >= capacity {
		return ErrSlotFull
	}
	if maxActive > 0 {
		var active int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM registrations WHERE user_id = $1 AND status = 'registered'`, reg.UserID).Scan(&active); err != nil {
			return err
		}
		if active >= maxActive {
			return MaxRegistrationsError(maxActive)
		}
	}

	const q = `INSERT INTO registrations (id, time_slot_id, user_id, status, registered_at, updated_at)
		VALUES ($1, $2, $3, 'registered', $4, $4)
		ON CONFLICT (time_slot_id, user_id) DO UPDATE SET status = 'registered', registered_at = EXCLUDED.registered_at, updated_at = EXCLUDED.updated_at
		RETURNING id, registered_at, updated_at`
	if err := tx.QueryRow(ctx, q, reg.ID, reg.TimeSlotID, reg.UserID, reg.RegisteredAt).Scan(&reg.ID, &reg.RegisteredAt, &reg.UpdatedAt); err != nil {
		return err
	}
	reg.Status = models.RegistrationRegistered
	return tx.Commit(ctx)
}

// Cancel moves a registered row to cancelled and reports whether one existed.
func (r *Repository) Cancel(ctx context.Context, timeSlotID, userID string, at time.Time) (bool, error) {
	const q = `UPDATE registrations SET status = 'cancelled', updated_at = $3 WHERE time_slot_id = $1 AND user_id = $2 AND status = 'registered'`
	tag, err := r.pool.Exec(ctx, q, timeSlotID, userID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
