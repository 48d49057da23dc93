package timeslots

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/models"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type memStore struct {
	slots   map[string]*models.TimeSlot
	order   []string
	filters []Filter
}

func newMemStore(slots ...models.TimeSlot) *memStore {
	m := &memStore{slots: map[string]*models.TimeSlot{}}
	for i := range slots {
		s := slots[i]
		m.slots[s.ID] = &s
		m.order = append(m.order, s.ID)
	}
	return m
}

func (m *memStore) Create(_ context.Context, s *models.TimeSlot) error {
	m.slots[s.ID] = s
	m.order = append(m.order, s.ID)
	return nil
}

func (m *memStore) GetTimeSlot(_ context.Context, id string) (*models.TimeSlot, error) {
	s, ok := m.slots[id]
	if !ok {
		return nil, fmt.Errorf("time slot %s: %w", id, conversation.ErrNotFound)
	}
	return s, nil
}

func (m *memStore) List(_ context.Context, f Filter) ([]models.TimeSlot, error) {
	m.filters = append(m.filters, f)
	var out []models.TimeSlot
	for _, id := range m.order {
		if s := m.slots[id]; s.IsActive {
			out = append(out, *s)
		}
	}
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) Deactivate(_ context.Context, id string) error {
	s, ok := m.slots[id]
	if !ok {
		return fmt.Errorf("time slot %s: %w", id, conversation.ErrNotFound)
	}
	s.IsActive = false
	return nil
}

type counts map[string]int

func (c counts) CountRegistered(_ context.Context, id string) (int, error) { return c[id], nil }

func slot(id string, start time.Time) models.TimeSlot {
	return models.TimeSlot{ID: id, TargetLanguageCode: "es", Level: models.LevelB1, StartTime: start,
		DurationMinutes: 30, MaxParticipants: 4, MinParticipants: 2, IsActive: true}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func newRouter(t *testing.T, store Store, c RegistrationCounter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHandler(store, c, conversation.DefaultConfig(), zaptest.NewLogger(t))
	h.now = func() time.Time { return now }
	r := gin.New()
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func call(t *testing.T, r http.Handler, method, path, payload string, out interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(payload)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		var env envelope
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return w.Code
}

func TestList_AvailabilityAndPaging(t *testing.T) {
	store := newMemStore(
		slot("soon", now.Add(4*time.Minute)),
		slot("full", now.Add(time.Hour)),
		slot("open", now.Add(2*time.Hour)),
	)
	r := newRouter(t, store, counts{"full": 4, "open": 1})

	var resp ListResponse
	if code := call(t, r, http.MethodGet, "/api/v1/timeslots?size=2", "", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !resp.HasMore || len(resp.TimeSlots) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.TimeSlots[0].IsAvailable {
		t.Error("slot starting in 4 minutes is available")
	}
	if full := resp.TimeSlots[1]; full.IsAvailable || full.AvailableSpots != 0 || full.RegisteredCount != 4 {
		t.Errorf("full slot = %+v", full)
	}
	if got := store.filters[0]; got.Limit != 3 || got.Offset != 0 {
		t.Errorf("filter = %+v, want one extra row", got)
	}

	resp = ListResponse{}
	call(t, r, http.MethodGet, "/api/v1/timeslots?size=2&page=1", "", &resp)
	if resp.HasMore || len(resp.TimeSlots) != 1 {
		t.Fatalf("page 1 = %+v", resp)
	}
	if open := resp.TimeSlots[0]; !open.IsAvailable || open.AvailableSpots != 3 || !open.EndTime.Equal(open.StartTime.Add(30*time.Minute)) {
		t.Errorf("open slot = %+v", open)
	}
}

func TestList_RejectsBadFilters(t *testing.T) {
	r := newRouter(t, newMemStore(), counts{})
	for _, q := range []string{"level=Z9", "from=yesterday"} {
		if code := call(t, r, http.MethodGet, "/api/v1/timeslots?"+q, "", nil); code != http.StatusBadRequest {
			t.Errorf("%s status = %d", q, code)
		}
	}
}

func TestCreate(t *testing.T) {
	store := newMemStore()
	r := newRouter(t, store, counts{})

	var v View
	body := `{"target_language_code":"fr","level":"A2","start_time":"2026-03-03T18:00:00Z","duration_minutes":30}`
	if code := call(t, r, http.MethodPost, "/api/v1/timeslots", body, &v); code != http.StatusCreated {
		t.Fatalf("status = %d", code)
	}
	if v.MaxParticipants != 8 || v.MinParticipants != 2 || !v.IsActive || v.ID == "" {
		t.Errorf("created = %+v", v)
	}
	if _, ok := store.slots[v.ID]; !ok {
		t.Error("slot not stored")
	}

	for name, payload := range map[string]string{
		"short":       `{"target_language_code":"fr","level":"A2","start_time":"2026-03-03T18:00:00Z","duration_minutes":10}`,
		"too many":    `{"target_language_code":"fr","level":"A2","start_time":"2026-03-03T18:00:00Z","duration_minutes":30,"max_participants":9}`,
		"min>max":     `{"target_language_code":"fr","level":"A2","start_time":"2026-03-03T18:00:00Z","duration_minutes":30,"max_participants":3,"min_participants":4}`,
		"bad level":   `{"target_language_code":"fr","level":"D1","start_time":"2026-03-03T18:00:00Z","duration_minutes":30}`,
		"bad instant": `{"target_language_code":"fr","level":"A2","start_time":"tomorrow","duration_minutes":30}`,
	} {
		if code := call(t, r, http.MethodPost, "/api/v1/timeslots", payload, nil); code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", name, code)
		}
	}
}

func TestGetAndDelete(t *testing.T) {
	store := newMemStore(slot("a", now.Add(time.Hour)))
	r := newRouter(t, store, counts{"a": 2})

	var v View
	if code := call(t, r, http.MethodGet, "/api/v1/timeslots/a", "", &v); code != http.StatusOK || v.RegisteredCount != 2 {
		t.Fatalf("get = %d %+v", code, v)
	}
	if code := call(t, r, http.MethodGet, "/api/v1/timeslots/nope", "", nil); code != http.StatusNotFound {
		t.Errorf("missing get status = %d", code)
	}
	if code := call(t, r, http.MethodDelete, "/api/v1/timeslots/a", "", nil); code != http.StatusNoContent {
		t.Errorf("delete status = %d", code)
	}
	if store.slots["a"].IsActive {
		t.Error("slot still active")
	}
	if code := call(t, r, http.MethodDelete, "/api/v1/timeslots/nope", "", nil); code != http.StatusNotFound {
		t.Errorf("missing delete status = %d", code)
	}
}
