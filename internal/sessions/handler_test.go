package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/middleware"
)

type stubService struct {
	err      error
	lastJoin conversation.JoinRequest
	lastUpd  conversation.MediaUpdate
	page     [2]int
	left     string
}

func (s *stubService) JoinSession(_ context.Context, req conversation.JoinRequest) (*conversation.SessionView, error) {
	s.lastJoin = req
	if s.err != nil {
		return nil, s.err
	}
	return &conversation.SessionView{ID: "s1", TimeSlotID: req.TimeSlotID, Status: "waiting"}, nil
}

func (s *stubService) LeaveSession(_ context.Context, userID string) error {
	s.left = userID
	return s.err
}

func (s *stubService) UpdateMediaState(_ context.Context, userID string, upd conversation.MediaUpdate) (*conversation.ParticipantView, error) {
	s.lastUpd = upd
	if s.err != nil {
		return nil, s.err
	}
	return &conversation.ParticipantView{UserID: userID, CameraEnabled: upd.CameraEnabled != nil && *upd.CameraEnabled}, nil
}

func (s *stubService) GetCurrentSession(_ context.Context, _ string) (*conversation.SessionView, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &conversation.SessionView{ID: "s1"}, nil
}

func (s *stubService) GetSessionHistory(_ context.Context, _ string, page, size int) (*conversation.HistoryPage, error) {
	s.page = [2]int{page, size}
	if s.err != nil {
		return nil, s.err
	}
	return &conversation.HistoryPage{Sessions: []conversation.HistoryItem{}, Total: 0}, nil
}

type stubIssuer struct{}

func (stubIssuer) Issue(userID, roomID string) (string, time.Time, error) {
	return "04tok-" + userID + "-" + roomID, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), nil
}

type body struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func newRouter(t *testing.T, svc Service, tokens TokenIssuer) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/api/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, "alice")
		c.Set(middleware.ContextDisplayName, "Alice A.")
		c.Next()
	})
	NewHandler(svc, tokens, []string{"stun:stun.example.org:3478"}, zaptest.NewLogger(t)).RegisterRoutes(g)
	return r
}

func do(t *testing.T, r http.Handler, method, path, payload string) (*httptest.ResponseRecorder, body) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(payload)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var b body
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
			t.Fatalf("decode %q: %v", w.Body.String(), err)
		}
	}
	return w, b
}

func TestJoin(t *testing.T) {
	svc := &stubService{}
	r := newRouter(t, svc, nil)

	w, b := do(t, r, http.MethodPost, "/api/v1/sessions/join", `{"time_slot_id":"slot-1","recording_consent":true}`)
	if w.Code != http.StatusOK || !b.Success {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if svc.lastJoin.UserID != "alice" || svc.lastJoin.TimeSlotID != "slot-1" || !svc.lastJoin.RecordingConsent {
		t.Errorf("join request = %+v", svc.lastJoin)
	}
	if svc.lastJoin.DisplayName != "Alice A." {
		t.Errorf("display name = %q, want the token's name", svc.lastJoin.DisplayName)
	}

	w, _ = do(t, r, http.MethodPost, "/api/v1/sessions/join", `{"display_name":"x"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing time_slot_id status = %d", w.Code)
	}
}

func TestJoinErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{conversation.ErrNotRegistered, http.StatusForbidden, "NOT_REGISTERED"},
		{conversation.ErrSessionFull, http.StatusForbidden, "SESSION_FULL"},
		{conversation.ErrJoinWindowClosed, http.StatusForbidden, "JOIN_WINDOW_CLOSED"},
		{conversation.ErrAlreadyInSession, http.StatusConflict, "ALREADY_IN_SESSION"},
		{conversation.ErrSessionEnded, http.StatusGone, "SESSION_ENDED"},
		{fmt.Errorf("slot x: %w", conversation.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{errors.New("db down"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := newRouter(t, &stubService{err: tt.err}, nil)
			w, b := do(t, r, http.MethodPost, "/api/v1/sessions/join", `{"time_slot_id":"slot-1"}`)
			if w.Code != tt.status || b.Code != tt.code {
				t.Errorf("got %d %q, want %d %q", w.Code, b.Code, tt.status, tt.code)
			}
			if b.Success {
				t.Error("success = true on failure")
			}
		})
	}
}

func TestCurrentAndLeave(t *testing.T) {
	svc := &stubService{}
	r := newRouter(t, svc, nil)

	if w, _ := do(t, r, http.MethodGet, "/api/v1/sessions/current", ""); w.Code != http.StatusOK {
		t.Errorf("current status = %d", w.Code)
	}
	if w, _ := do(t, r, http.MethodPost, "/api/v1/sessions/current/leave", ""); w.Code != http.StatusNoContent || svc.left != "alice" {
		t.Errorf("leave status = %d left = %q", w.Code, svc.left)
	}

	svc.err = conversation.ErrNoActiveSession
	w, b := do(t, r, http.MethodGet, "/api/v1/sessions/current", "")
	if w.Code != http.StatusNotFound || b.Code != "NO_ACTIVE_SESSION" {
		t.Errorf("no session: %d %q", w.Code, b.Code)
	}
	w, b = do(t, r, http.MethodPost, "/api/v1/sessions/current/leave", "")
	if w.Code != http.StatusNotFound || b.Code != "NO_ACTIVE_SESSION" {
		t.Errorf("leave without session: %d %q", w.Code, b.Code)
	}
}

func TestUpdateMedia(t *testing.T) {
	svc := &stubService{}
	r := newRouter(t, svc, nil)

	w, _ := do(t, r, http.MethodPatch, "/api/v1/sessions/current/media", `{"camera_enabled":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.lastUpd.CameraEnabled == nil || !*svc.lastUpd.CameraEnabled || svc.lastUpd.MicEnabled != nil {
		t.Errorf("update = %+v", svc.lastUpd)
	}

	if w, _ := do(t, r, http.MethodPatch, "/api/v1/sessions/current/media", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty update status = %d", w.Code)
	}
}

func TestHistoryPassesPaging(t *testing.T) {
	svc := &stubService{}
	r := newRouter(t, svc, nil)

	if w, _ := do(t, r, http.MethodGet, "/api/v1/sessions/history?page=2&size=5", ""); w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if svc.page != [2]int{2, 5} {
		t.Errorf("page = %v", svc.page)
	}
	do(t, r, http.MethodGet, "/api/v1/sessions/history", "")
	if svc.page != [2]int{0, 10} {
		t.Errorf("default page = %v", svc.page)
	}
}

func TestRoomToken(t *testing.T) {
	w, _ := do(t, newRouter(t, &stubService{}, nil), http.MethodGet, "/api/v1/sessions/current/room-token", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured status = %d", w.Code)
	}

	w, b := do(t, newRouter(t, &stubService{}, stubIssuer{}), http.MethodGet, "/api/v1/sessions/current/room-token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var tok RoomTokenResponse
	if err := json.Unmarshal(b.Data, &tok); err != nil {
		t.Fatal(err)
	}
	if tok.SessionID != "s1" || tok.Token != "04tok-alice-s1" {
		t.Errorf("token = %+v", tok)
	}

	w, _ = do(t, newRouter(t, &stubService{err: conversation.ErrNoActiveSession}, stubIssuer{}), http.MethodGet, "/api/v1/sessions/current/room-token", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("no session status = %d", w.Code)
	}
}

func TestICEServers(t *testing.T) {
	w, b := do(t, newRouter(t, &stubService{}, nil), http.MethodGet, "/api/v1/sessions/ice-servers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var data struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"ice_servers"`
	}
	if err := json.Unmarshal(b.Data, &data); err != nil {
		t.Fatal(err)
	}
	if len(data.ICEServers) != 1 || data.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("ice servers = %+v", data.ICEServers)
	}
}
