package sessions

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/middleware"
	"github.com/wespeak/conversation/pkg/response"
)

// Service is the orchestrator surface the handler drives.
type Service interface {
	JoinSession(ctx context.Context, req conversation.JoinRequest) (*conversation.SessionView, error)
	LeaveSession(ctx context.Context, userID string) error
	UpdateMediaState(ctx context.Context, userID string, upd conversation.MediaUpdate) (*conversation.ParticipantView, error)
	GetCurrentSession(ctx context.Context, userID string) (*conversation.SessionView, error)
	GetSessionHistory(ctx context.Context, userID string, page, size int) (*conversation.HistoryPage, error)
}

// TokenIssuer mints media room tokens. nil disables the room-token route.
type TokenIssuer interface {
	Issue(userID, roomID string) (token string, expiresAt time.Time, err error)
}

// JoinRequest is the body for POST /sessions/join.
type JoinRequest struct {
	TimeSlotID       string `json:"time_slot_id" binding:"required"`
	DisplayName      string `json:"display_name"`
	RecordingConsent bool   `json:"recording_consent"`
}

// MediaRequest is the body for PATCH /sessions/current/media.
type MediaRequest struct {
	CameraEnabled *bool `json:"camera_enabled"`
	MicEnabled    *bool `json:"mic_enabled"`
}

// RoomTokenResponse is returned by GET /sessions/current/room-token.
type RoomTokenResponse struct {
	SessionID string    `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler handles conversation session HTTP endpoints.
type Handler struct {
	svc        Service
	tokens     TokenIssuer
	iceServers []webrtc.ICEServer
	logger     *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(svc Service, tokens TokenIssuer, iceURLs []string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ice []webrtc.ICEServer
	if len(iceURLs) > 0 {
		ice = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	return &Handler{svc: svc, tokens: tokens, iceServers: ice, logger: logger}
}

// RegisterRoutes mounts the session routes on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	s := rg.Group("/sessions")
	s.POST("/join", h.Join)
	s.GET("/current", h.Current)
	s.PATCH("/current/media", h.UpdateMedia)
	s.POST("/current/leave", h.Leave)
	s.GET("/current/room-token", h.RoomToken)
	s.GET("/history", h.History)
	s.GET("/ice-servers", h.ICEServers)
}

// statusOf maps session error codes to HTTP status.
func statusOf(code string) int {
	switch code {
	case "ALREADY_IN_SESSION":
		return http.StatusConflict
	case "SESSION_ENDED":
		return http.StatusGone
	case "NOT_REGISTERED", "SESSION_FULL", "JOIN_WINDOW_CLOSED":
		return http.StatusForbidden
	case "NO_ACTIVE_SESSION":
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (h *Handler) fail(c *gin.Context, err error, msg string) {
	var ce *conversation.Error
	switch {
	case errors.As(err, &ce):
		response.Fail(c, statusOf(ce.Code), ce.Code, ce.Message)
	case errors.Is(err, conversation.ErrNotFound):
		// already logged by the orchestrator
		response.Fail(c, http.StatusNotFound, "NOT_FOUND", "resource not found")
	default:
		h.logger.Error(msg, zap.Error(err), zap.String("user_id", middleware.UserID(c)))
		response.Internal(c, msg)
	}
}

// Join handles POST /sessions/join.
func (h *Handler) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	name := req.DisplayName
	if name == "" {
		name = c.GetString(middleware.ContextDisplayName)
	}
	v, err := h.svc.JoinSession(c.Request.Context(), conversation.JoinRequest{
		UserID:           middleware.UserID(c),
		TimeSlotID:       req.TimeSlotID,
		DisplayName:      name,
		RecordingConsent: req.RecordingConsent,
	})
	if err != nil {
		h.fail(c, err, "failed to join session")
		return
	}
	response.OK(c, v)
}

// Current handles GET /sessions/current.
func (h *Handler) Current(c *gin.Context) {
	v, err := h.svc.GetCurrentSession(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.fail(c, err, "failed to get current session")
		return
	}
	response.OK(c, v)
}

// UpdateMedia handles PATCH /sessions/current/media.
func (h *Handler) UpdateMedia(c *gin.Context) {
	var req MediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.CameraEnabled == nil && req.MicEnabled == nil {
		response.BadRequest(c, "camera_enabled or mic_enabled is required")
		return
	}
	p, err := h.svc.UpdateMediaState(c.Request.Context(), middleware.UserID(c),
		conversation.MediaUpdate{CameraEnabled: req.CameraEnabled, MicEnabled: req.MicEnabled})
	if err != nil {
		h.fail(c, err, "failed to update media state")
		return
	}
	response.OK(c, p)
}

// Leave handles POST /sessions/current/leave.
func (h *Handler) Leave(c *gin.Context) {
	if err := h.svc.LeaveSession(c.Request.Context(), middleware.UserID(c)); err != nil {
		h.fail(c, err, "failed to leave session")
		return
	}
	response.NoContent(c)
}

// History handles GET /sessions/history?page=&size=.
func (h *Handler) History(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "10"))
	hp, err := h.svc.GetSessionHistory(c.Request.Context(), middleware.UserID(c), page, size)
	if err != nil {
		h.fail(c, err, "failed to get session history")
		return
	}
	response.OK(c, hp)
}

// RoomToken handles GET /sessions/current/room-token. The token is scoped to the
// caller's connected session.
func (h *Handler) RoomToken(c *gin.Context) {
	if h.tokens == nil {
		response.ServiceUnavailable(c, "room tokens are not configured")
		return
	}
	userID := middleware.UserID(c)
	v, err := h.svc.GetCurrentSession(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err, "failed to get current session")
		return
	}
	tok, exp, err := h.tokens.Issue(userID, v.ID)
	if err != nil {
		h.logger.Error("issue room token failed", zap.Error(err), zap.String("session_id", v.ID))
		response.Internal(c, "failed to issue room token")
		return
	}
	response.OK(c, RoomTokenResponse{SessionID: v.ID, Token: tok, ExpiresAt: exp})
}

// ICEServers handles GET /sessions/ice-servers.
func (h *Handler) ICEServers(c *gin.Context) {
	ice := h.iceServers
	if ice == nil {
		ice = []webrtc.ICEServer{}
	}
	response.OK(c, gin.H{"ice_servers": ice})
}
