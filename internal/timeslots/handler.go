package timeslots

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
	"github.com/wespeak/conversation/pkg/response"
)

// RegistrationWindow is how long before start a slot stops accepting registrations.
const RegistrationWindow = 5 * time.Minute

// Store is the slot persistence used by the handler.
type Store interface {
	Create(ctx context.Context, s *models.TimeSlot) error
	GetTimeSlot(ctx context.Context, id string) (*models.TimeSlot, error)
	List(ctx context.Context, f Filter) ([]models.TimeSlot, error)
	Deactivate(ctx context.Context, id string) error
}

// RegistrationCounter counts live registrations of a slot.
type RegistrationCounter interface {
	CountRegistered(ctx context.Context, timeSlotID string) (int, error)
}

// CreateRequest is the body for POST /timeslots.
type CreateRequest struct {
	TargetLanguageCode string `json:"target_language_code" binding:"required"`
	Level              string `json:"level" binding:"required"`
	StartTime          string `json:"start_time" binding:"required"`
	DurationMinutes    int    `json:"duration_minutes" binding:"required,min=15,max=45"`
	MaxParticipants    int    `json:"max_participants" binding:"omitempty,min=2,max=8"`
	MinParticipants    int    `json:"min_participants" binding:"omitempty,min=1,max=8"`
}

// View is a slot with its registration summary.
type View struct {
	models.TimeSlot
	EndTime         time.Time `json:"end_time"`
	RegisteredCount int       `json:"registered_count"`
	AvailableSpots  int       `json:"available_spots"`
	IsAvailable     bool      `json:"is_available"`
}

// ListResponse is the body of GET /timeslots.
type ListResponse struct {
	TimeSlots []View `json:"timeslots"`
	HasMore   bool   `json:"has_more"`
}

// Handler handles time slot HTTP endpoints.
type Handler struct {
	store    Store
	counter  RegistrationCounter
	defaults conversation.Config
	now      func() time.Time
	logger   *zap.Logger
}

// NewHandler creates a time slot handler. Slots created without capacity bounds take
// them from defaults.
func NewHandler(store Store, counter RegistrationCounter, defaults conversation.Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:    store,
		counter:  counter,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// RegisterRoutes mounts the slot routes. Mutations go through admin.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, admin ...gin.HandlerFunc) {
	rg.GET("/timeslots", h.List)
	rg.GET("/timeslots/:id", h.Get)
	rg.POST("/timeslots", append(admin, h.Create)...)
	rg.DELETE("/timeslots/:id", append(admin, h.Delete)...)
}

func (h *Handler) view(c *gin.Context, s *models.TimeSlot) (View, error) {
	n, err := h.counter.CountRegistered(c.Request.Context(), s.ID)
	if err != nil {
		return View{}, err
	}
	spots := s.MaxParticipants - n
	if spots < 0 {
		spots = 0
	}
	return View{
		TimeSlot:        *s,
		EndTime:         s.EndTime(),
		RegisteredCount: n,
		AvailableSpots:  spots,
		IsAvailable:     s.IsActive && spots > 0 && h.now().Add(RegistrationWindow).Before(s.StartTime),
	}, nil
}

// List handles GET /timeslots?language=&level=&from=&to=&page=&size=.
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))
	if page < 0 {
		page = 0
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	f := Filter{TargetLanguageCode: c.Query("language"), Offset: page * size, Limit: size + 1}
	if lv := c.Query("level"); lv != "" {
		level, ok := models.ParseLevel(lv)
		if !ok {
			response.BadRequest(c, "invalid level")
			return
		}
		f.Level = level
	}
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := c.Query(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				response.BadRequest(c, "invalid "+key)
				return
			}
			*dst = &t
		}
	}

	slots, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		h.logger.Error("list time slots failed", zap.Error(err))
		response.Internal(c, "failed to list time slots")
		return
	}
	resp := ListResponse{TimeSlots: make([]View, 0, len(slots))}
	if len(slots) > size {
		resp.HasMore = true
		slots = slots[:size]
	}
	for i := range slots {
		v, err := h.view(c, &slots[i])
		if err != nil {
			h.logger.Error("count registrations failed", zap.Error(err), zap.String("time_slot_id", slots[i].ID))
			response.Internal(c, "failed to list time slots")
			return
		}
		resp.TimeSlots = append(resp.TimeSlots, v)
	}
	response.OK(c, resp)
}

// Get handles GET /timeslots/:id.
func (h *Handler) Get(c *gin.Context) {
	s, err := h.store.GetTimeSlot(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			response.NotFound(c, "time slot not found")
			return
		}
		h.logger.Error("get time slot failed", zap.Error(err))
		response.Internal(c, "failed to get time slot")
		return
	}
	v, err := h.view(c, s)
	if err != nil {
		h.logger.Error("count registrations failed", zap.Error(err), zap.String("time_slot_id", s.ID))
		response.Internal(c, "failed to get time slot")
		return
	}
	response.OK(c, v)
}

// Create handles POST /timeslots (admin only).
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	level, ok := models.ParseLevel(req.Level)
	if !ok {
		response.BadRequest(c, "invalid level")
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		response.BadRequest(c, "invalid start_time")
		return
	}
	s := &models.TimeSlot{
		ID:                 uuid.NewString(),
		TargetLanguageCode: req.TargetLanguageCode,
		Level:              level,
		StartTime:          start.UTC(),
		DurationMinutes:    req.DurationMinutes,
		MaxParticipants:    req.MaxParticipants,
		MinParticipants:    req.MinParticipants,
		IsActive:           true,
	}
	if s.MaxParticipants == 0 {
		s.MaxParticipants = h.defaults.MaxParticipants
	}
	if s.MinParticipants == 0 {
		s.MinParticipants = h.defaults.MinParticipants
	}
	if s.MinParticipants > s.MaxParticipants {
		response.BadRequest(c, "min_participants exceeds max_participants")
		return
	}
	if err := h.store.Create(c.Request.Context(), s); err != nil {
		h.logger.Error("create time slot failed", zap.Error(err))
		response.Internal(c, "failed to create time slot")
		return
	}
	h.logger.Info("time slot created", zap.String("time_slot_id", s.ID), zap.Time("start_time", s.StartTime))
	response.Created(c, View{TimeSlot: *s, EndTime: s.EndTime(), AvailableSpots: s.MaxParticipants, IsAvailable: true})
}

// Delete handles DELETE /timeslots/:id (admin only). Slots are deactivated, never removed.
func (h *Handler) Delete(c *gin.Context) {
	if err := h.store.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			response.NotFound(c, "time slot not found")
			return
		}
		h.logger.Error("deactivate time slot failed", zap.Error(err))
		response.Internal(c, "failed to delete time slot")
		return
	}
	response.NoContent(c)
}
