package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wespeak/conversation/internal/models"
)

// memStore is an in-memory Store with the same conditional semantics as the SQL stores.
type memStore struct {
	mu           sync.Mutex
	sessions     map[string]*models.Session
	participants map[string]*models.Participant
	order        []string // session ids in creation order
}

func newMemStore() *memStore {
	return &memStore{
		sessions:     make(map[string]*models.Session),
		participants: make(map[string]*models.Participant),
	}
}

func (m *memStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) FindOpenSession(_ context.Context, timeSlotID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TimeSlotID == timeSlotID && s.Status.Open() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) HasSession(_ context.Context, timeSlotID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TimeSlotID == timeSlotID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.TimeSlotID == s.TimeSlotID && existing.Status.Open() {
			return ErrDuplicateSession
		}
	}
	cp := *s
	m.sessions[s.ID] = &cp
	m.order = append(m.order, s.ID)
	return nil
}

func (m *memStore) EndSession(_ context.Context, id string, at time.Time) (*models.Session, []models.Participant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil, false, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if !s.Status.Open() {
		return nil, nil, false, nil
	}
	s.Status = models.SessionEnded
	s.EndedAt = &at
	var rows []models.Participant
	for _, p := range m.participants {
		if p.SessionID != id {
			continue
		}
		if p.Status == models.ParticipantConnected {
			p.Status = models.ParticipantDisconnected
			left := at
			p.LeftAt = &left
		}
		rows = append(rows, *p)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].JoinedAt.Before(rows[j].JoinedAt) })
	cp := *s
	return &cp, rows, true, nil
}

func (m *memStore) ListSessionsByStatus(_ context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		if s := m.sessions[m.order[i]]; s.Status == status {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) FindConnectedParticipant(_ context.Context, userID string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.UserID == userID && p.Status == models.ParticipantConnected {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) AdmitParticipant(_ context.Context, p *models.Participant, c Capacity) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[p.SessionID]
	if !ok {
		return nil, false, fmt.Errorf("session %s: %w", p.SessionID, ErrNotFound)
	}
	if !s.Status.Open() {
		return nil, false, ErrSessionEnded
	}
	connected := 0
	var existing *models.Participant
	for _, row := range m.participants {
		if row.UserID == p.UserID && row.Status == models.ParticipantConnected {
			return nil, false, ErrUserConnected
		}
		if row.SessionID == p.SessionID {
			if row.Status == models.ParticipantConnected {
				connected++
			}
			if row.UserID == p.UserID {
				existing = row
			}
		}
	}
	if connected >= c.Max {
		return nil, false, ErrSessionFull
	}
	if existing != nil {
		p.ID = existing.ID
		p.DisplayName = existing.DisplayName
		p.CameraEnabled, p.MicEnabled = existing.CameraEnabled, existing.MicEnabled
	}
	p.Status = models.ParticipantConnected
	p.LeftAt = nil
	cp := *p
	m.participants[cp.ID] = &cp

	if p.RecordingConsent {
		s.RecordingEnabled = true
	}
	activated := false
	if s.Status == models.SessionWaiting && connected+1 >= c.Min {
		at := p.JoinedAt
		s.Status = models.SessionActive
		s.StartedAt = &at
		activated = true
	}
	out := *s
	return &out, activated, nil
}

func (m *memStore) DisconnectParticipant(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok || p.Status != models.ParticipantConnected {
		return false, nil
	}
	p.Status = models.ParticipantDisconnected
	p.LeftAt = &at
	return true, nil
}

func (m *memStore) UpdateMedia(_ context.Context, id string, camera, mic *bool) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	if camera != nil {
		p.CameraEnabled = *camera
	}
	if mic != nil {
		p.MicEnabled = *mic
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) CountConnected(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.participants {
		if p.SessionID == sessionID && p.Status == models.ParticipantConnected {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListParticipants(_ context.Context, sessionID string, includeDisconnected bool) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Participant
	for _, p := range m.participants {
		if p.SessionID != sessionID {
			continue
		}
		if !includeDisconnected && p.Status != models.ParticipantConnected {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (m *memStore) ListHistory(_ context.Context, userID string, offset, limit int) ([]models.Participant, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.Participant
	for _, p := range m.participants {
		if p.UserID == userID {
			all = append(all, *p)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].JoinedAt.After(all[j].JoinedAt) })
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memStore) connectedCount(sessionID string) int {
	n, _ := m.CountConnected(context.Background(), sessionID)
	return n
}

// stubSlots is a fixed set of time slots.
type stubSlots struct {
	mu    sync.Mutex
	slots map[string]*models.TimeSlot
}

func newStubSlots(slots ...*models.TimeSlot) *stubSlots {
	s := &stubSlots{slots: make(map[string]*models.TimeSlot)}
	for _, slot := range slots {
		s.slots[slot.ID] = slot
	}
	return s
}

func (s *stubSlots) GetTimeSlot(_ context.Context, id string) (*models.TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		return nil, fmt.Errorf("time slot %s: %w", id, ErrNotFound)
	}
	cp := *slot
	return &cp, nil
}

func (s *stubSlots) ListStartingBetween(_ context.Context, from, to time.Time) ([]models.TimeSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.TimeSlot
	for _, slot := range s.slots {
		if slot.IsActive && !slot.StartTime.Before(from) && slot.StartTime.Before(to) {
			out = append(out, *slot)
		}
	}
	return out, nil
}

// stubGate keeps registration status per (slot, user).
type stubGate struct {
	mu            sync.Mutex
	status        map[string]models.RegistrationStatus
	markAttendErr error
}

func newStubGate() *stubGate {
	return &stubGate{status: make(map[string]models.RegistrationStatus)}
}

func gateKey(slotID, userID string) string { return slotID + "/" + userID }

func (g *stubGate) register(slotID string, userIDs ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, u := range userIDs {
		g.status[gateKey(slotID, u)] = models.RegistrationRegistered
	}
}

func (g *stubGate) statusOf(slotID, userID string) models.RegistrationStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status[gateKey(slotID, userID)]
}

func (g *stubGate) IsRegistered(_ context.Context, slotID, userID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status[gateKey(slotID, userID)] == models.RegistrationRegistered, nil
}

func (g *stubGate) MarkAttended(_ context.Context, slotID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.markAttendErr != nil {
		return g.markAttendErr
	}
	if g.status[gateKey(slotID, userID)] == models.RegistrationRegistered {
		g.status[gateKey(slotID, userID)] = models.RegistrationAttended
	}
	return nil
}

func (g *stubGate) ListRegistered(_ context.Context, slotID string) ([]models.Registration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.Registration
	for k, st := range g.status {
		if len(k) > len(slotID) && k[:len(slotID)+1] == slotID+"/" {
			out = append(out, models.Registration{TimeSlotID: slotID, UserID: k[len(slotID)+1:], Status: st})
		}
	}
	return out, nil
}

func (g *stubGate) MarkNoShow(_ context.Context, slotID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[gateKey(slotID, userID)] = models.RegistrationNoShow
	return nil
}

// recordingNotifier captures every event it receives.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
	err    error
	panics bool
}

func (n *recordingNotifier) Notify(_ context.Context, e Event) error {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
	if n.panics {
		panic("notifier exploded")
	}
	return n.err
}

func (n *recordingNotifier) ofType(typ string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// cancellingStore cancels the caller's context right after the named method commits.
// Reads fail once the context is done, as they would against a real database.
type cancellingStore struct {
	*memStore
	after  string
	cancel context.CancelFunc
}

func (c *cancellingStore) fire(method string) {
	if method == c.after {
		c.cancel()
	}
}

func (c *cancellingStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.memStore.GetSession(ctx, id)
}

func (c *cancellingStore) CountConnected(ctx context.Context, sessionID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.memStore.CountConnected(ctx, sessionID)
}

func (c *cancellingStore) ListParticipants(ctx context.Context, sessionID string, includeDisconnected bool) ([]models.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.memStore.ListParticipants(ctx, sessionID, includeDisconnected)
}

func (c *cancellingStore) AdmitParticipant(ctx context.Context, p *models.Participant, capacity Capacity) (*models.Session, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s, activated, err := c.memStore.AdmitParticipant(ctx, p, capacity)
	c.fire("AdmitParticipant")
	return s, activated, err
}

func (c *cancellingStore) DisconnectParticipant(ctx context.Context, id string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := c.memStore.DisconnectParticipant(ctx, id, at)
	c.fire("DisconnectParticipant")
	return ok, err
}

func (c *cancellingStore) EndSession(ctx context.Context, id string, at time.Time) (*models.Session, []models.Participant, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, false, err
	}
	s, rows, ended, err := c.memStore.EndSession(ctx, id, at)
	c.fire("EndSession")
	return s, rows, ended, err
}

// ctxGate is a stubGate whose writes fail once the context is done.
type ctxGate struct {
	*stubGate
}

func (g *ctxGate) MarkAttended(ctx context.Context, slotID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.stubGate.MarkAttended(ctx, slotID, userID)
}

func (g *ctxGate) ListRegistered(ctx context.Context, slotID string) ([]models.Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.stubGate.ListRegistered(ctx, slotID)
}

func (g *ctxGate) MarkNoShow(ctx context.Context, slotID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.stubGate.MarkNoShow(ctx, slotID, userID)
}

// failingStore injects errors into the admission and into the read that follows it.
type failingStore struct {
	*memStore
	admitErr error
	listErr  error
}

func (f *failingStore) AdmitParticipant(ctx context.Context, p *models.Participant, c Capacity) (*models.Session, bool, error) {
	if f.admitErr != nil {
		return nil, false, f.admitErr
	}
	return f.memStore.AdmitParticipant(ctx, p, c)
}

func (f *failingStore) ListParticipants(ctx context.Context, sessionID string, includeDisconnected bool) ([]models.Participant, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.memStore.ListParticipants(ctx, sessionID, includeDisconnected)
}

var errBoom = errors.New("boom")
