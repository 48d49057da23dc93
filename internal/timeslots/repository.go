package timeslots

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
)

const slotCols = `id, target_language_code, level, start_time, duration_minutes, max_participants, min_participants, is_active, created_at`

// Filter narrows List results. Zero fields are ignored.
type Filter struct {
	TargetLanguageCode string
	Level              models.Level
	From               *time.Time
	To                 *time.Time
	Offset             int
	Limit              int
}

// Repository handles time_slots persistence and is the conversation.TimeSlotSource.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a time slots repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ conversation.TimeSlotSource = (*Repository)(nil)

func scanSlot(row pgx.Row) (*models.TimeSlot, error) {
	var s models.TimeSlot
	err := row.Scan(&s.ID, &s.TargetLanguageCode, &s.Level, &s.StartTime, &s.DurationMinutes, &s.MaxParticipants, &s.MinParticipants, &s.IsActive, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func collectSlots(rows pgx.Rows) ([]models.TimeSlot, error) {
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
func (r *Repository) Create(ctx context.Context, s *models.TimeSlot) error {
	const q = `INSERT INTO time_slots (id, target_language_code, level, start_time, duration_minutes, max_participants, min_participants, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, s.ID, s.TargetLanguageCode, s.Level, s.StartTime, s.DurationMinutes, s.MaxParticipants, s.MinParticipants, s.IsActive).
		Scan(&s.CreatedAt)
}

// GetTimeSlot returns a time slot by ID.
func (r *Repository) GetTimeSlot(ctx context.Context, id string) (*models.TimeSlot, error) {
	s, err := scanSlot(r.pool.QueryRow(ctx, `SELECT `+slotCols+` FROM time_slots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("time slot %s: %w", id, conversation.ErrNotFound)
	}
	return s, err
}

// ListStartingBetween returns active slots with from <= start_time < to.
func (r *Repository) ListStartingBetween(ctx context.Context, from, to time.Time) ([]models.TimeSlot, error) {
	const q = `SELECT ` + slotCols + ` FROM time_slots WHERE is_active AND start_time >= $1 AND start_time < $2 ORDER BY start_time`
	rows, err := r.pool.Query(ctx, q, from, to)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

// List returns active slots matching f, soonest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]models.TimeSlot, error) {
	var (
		where = []string{"is_active"}
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.TargetLanguageCode != "" {
		where = append(where, "target_language_code = "+arg(f.TargetLanguageCode))
	}
	if f.Level != "" {
		where = append(where, "level = "+arg(f.Level))
	}
	if f.From != nil {
		where = append(where, "start_time >= "+arg(*f.From))
	}
	if f.To != nil {
		where = append(where, "start_time < "+arg(*f.To))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + slotCols + ` FROM time_slots WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY start_time LIMIT ` + arg(limit) + ` OFFSET ` + arg(f.Offset)
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

// Deactivate hides a slot from listings and the materialize sweep.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE time_slots SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("time slot %s: %w", id, conversation.ErrNotFound)
	}
	return nil
}
