package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
	"github.com/wespeak/conversation/internal/timeslots"
)

const slotCols = `id, target_language_code, level, start_time, duration_minutes, max_participants, min_participants, is_active, created_at`

var (
	_ conversation.TimeSlotSource = (*Store)(nil)
	_ timeslots.Store             = (*Store)(nil)
)

func scanSlot(row scanner) (*models.TimeSlot, error) {
	var (
		s              models.TimeSlot
		start, created int64
	)
	err := row.Scan(&s.ID, &s.TargetLanguageCode, &s.Level, &start, &s.DurationMinutes, &s.MaxParticipants, &s.MinParticipants, &s.IsActive, &created)
	if err != nil {
		return nil, err
	}
	s.StartTime, s.CreatedAt = fromMillis(start), fromMillis(created)
	return &s, nil
}

func collectSlots(rows *sql.Rows) ([]models.TimeSlot, error) {
	defer rows.Close()
	var list []models.TimeSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// Create inserts a time slot.
func (s *Store) Create(ctx context.Context, slot *models.TimeSlot) error {
	if slot.CreatedAt.IsZero() {
		slot.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO time_slots (` + slotCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q, slot.ID, slot.TargetLanguageCode, slot.Level, toMillis(slot.StartTime),
		slot.DurationMinutes, slot.MaxParticipants, slot.MinParticipants, slot.IsActive, toMillis(slot.CreatedAt))
	return err
}

// GetTimeSlot returns a time slot by ID.
func (s *Store) GetTimeSlot(ctx context.Context, id string) (*models.TimeSlot, error) {
	slot, err := scanSlot(s.db.QueryRowContext(ctx, `SELECT `+slotCols+` FROM time_slots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("time slot %s: %w", id, conversation.ErrNotFound)
	}
	return slot, err
}

// ListStartingBetween returns active slots with from <= start_time < to.
func (s *Store) ListStartingBetween(ctx context.Context, from, to time.Time) ([]models.TimeSlot, error) {
	const q = `SELECT ` + slotCols + ` FROM time_slots WHERE is_active = 1 AND start_time >= ? AND start_time < ? ORDER BY start_time`
	rows, err := s.db.QueryContext(ctx, q, toMillis(from), toMillis(to))
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

// List returns active slots matching f, soonest first.
func (s *Store) List(ctx context.Context, f timeslots.Filter) ([]models.TimeSlot, error) {
	var (
		where = []string{"is_active = 1"}
		args  []any
	)
	if f.TargetLanguageCode != "" {
		where = append(where, "target_language_code = ?")
		args = append(args, f.TargetLanguageCode)
	}
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, f.Level)
	}
	if f.From != nil {
		where = append(where, "start_time >= ?")
		args = append(args, toMillis(*f.From))
	}
	if f.To != nil {
		where = append(where, "start_time < ?")
		args = append(args, toMillis(*f.To))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := `SELECT ` + slotCols + ` FROM time_slots WHERE ` + strings.Join(where, " AND ") + ` ORDER BY start_time LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

// Deactivate hides a slot from listings and the materialize sweep.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE time_slots SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("time slot %s: %w", id, conversation.ErrNotFound)
	}
	return nil
}
