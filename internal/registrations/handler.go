package registrations

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/middleware"
	"github.com/wespeak/conversation/internal/models"
	"github.com/wespeak/conversation/pkg/response"
)

// Handler handles registration HTTP endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a registrations handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the registration routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/timeslots/:id/register", h.Register)
	rg.DELETE("/timeslots/:id/register", h.Cancel)
	rg.GET("/registrations", h.ListMine)
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	var ce *conversation.Error
	switch {
	case errors.As(err, &ce):
		response.Fail(c, StatusOf(ce.Code), ce.Code, ce.Message)
	case errors.Is(err, conversation.ErrNotFound):
		response.NotFound(c, "time slot not found")
	default:
		h.logger.Error(msg, zap.Error(err))
		response.Internal(c, msg)
	}
}

// Register handles POST /timeslots/:id/register.
func (h *Handler) Register(c *gin.Context) {
	reg, err := h.svc.Register(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		h.fail(c, err, "failed to register")
		return
	}
	response.Created(c, reg)
}

// Cancel handles DELETE /timeslots/:id/register.
func (h *Handler) Cancel(c *gin.Context) {
	if err := h.svc.Cancel(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		h.fail(c, err, "failed to cancel registration")
		return
	}
	response.NoContent(c)
}

// ListMine handles GET /registrations.
func (h *Handler) ListMine(c *gin.Context) {
	list, err := h.svc.ListForUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.fail(c, err, "failed to list registrations")
		return
	}
	if list == nil {
		list = []models.Registration{}
	}
	response.OK(c, gin.H{"registrations": list, "total": len(list)})
}
