package models

import "time"

// Level is a CEFR proficiency level.
type Level string

const (
	LevelA1 Level = "A1"
	LevelA2 Level = "A2"
	LevelB1 Level = "B1"
	LevelB2 Level = "B2"
	LevelC1 Level = "C1"
	LevelC2 Level = "C2"
)

// ParseLevel returns the level for s, or false if s is not a CEFR level.
func ParseLevel(s string) (Level, bool) {
	switch l := Level(s); l {
	case LevelA1, LevelA2, LevelB1, LevelB2, LevelC1, LevelC2:
		return l, true
	}
	return "", false
}

// TimeSlot is a scheduled conversation occurrence users register for.
type TimeSlot struct {
	ID                 string    `json:"id"`
	TargetLanguageCode string    `json:"target_language_code"`
	Level              Level     `json:"level"`
	StartTime          time.Time `json:"start_time"`
	DurationMinutes    int       `json:"duration_minutes"`
	MaxParticipants    int       `json:"max_participants"`
	MinParticipants    int       `json:"min_participants"`
	IsActive           bool      `json:"is_active"`
	CreatedAt          time.Time `json:"created_at"`
}

// EndTime is StartTime plus the slot duration.
func (s *TimeSlot) EndTime() time.Time {
	return s.StartTime.Add(time.Duration(s.DurationMinutes) * time.Minute)
}
