// Package conversation owns the lifecycle of scheduled group-conversation sessions:
// admission, media state, teardown and the periodic sweeps that open and close sessions.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/models"
)

// Deps are the collaborators the orchestrator drives.
type Deps struct {
	Slots    TimeSlotSource
	Gate     RegistrationGate
	Store    Store
	Notifier Notifier // optional
	Locker   Locker   // optional; defaults to an in-process KeyedMutex
}

// Orchestrator is the single authority over session and participant state.
type Orchestrator struct {
	slots    TimeSlotSource
	gate     RegistrationGate
	store    Store
	notifier Notifier
	locker   Locker
	cfg      Config
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
}

// New creates an orchestrator. Zero config fields take their defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Orchestrator{
		slots:    deps.Slots,
		gate:     deps.Gate,
		store:    deps.Store,
		notifier: deps.Notifier,
		locker:   locker,
		cfg:      cfg.withDefaults(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
		logger:   logger,
	}
}

// SetClock replaces the time source.
func (o *Orchestrator) SetClock(now func() time.Time) {
	if now != nil {
		o.now = now
	}
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// JoinRequest is the input to JoinSession.
type JoinRequest struct {
	UserID           string
	TimeSlotID       string
	DisplayName      string
	RecordingConsent bool
}

// JoinSession admits the user into the session of the given time slot, creating the
// session if the slot has none open yet.
func (o *Orchestrator) JoinSession(ctx context.Context, req JoinRequest) (*SessionView, error) {
	registered, err := o.gate.IsRegistered(ctx, req.TimeSlotID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("check registration: %w", err)
	}
	if !registered {
		return nil, ErrNotRegistered
	}

	var events []Event
	defer func() { o.dispatch(ctx, events) }()

	unlockUser, err := o.locker.Lock(ctx, userKey(req.UserID))
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlockUser()

	existing, err := o.store.FindConnectedParticipant(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("find connected participant: %w", err)
	}
	if existing != nil {
		return nil, ErrAlreadyInSession
	}

	slot, err := o.slots.GetTimeSlot(ctx, req.TimeSlotID)
	if err != nil {
		return nil, o.loud(fmt.Errorf("time slot %s: %w", req.TimeSlotID, err))
	}

	unlockSlot, err := o.locker.Lock(ctx, slotKey(slot.ID))
	if err != nil {
		return nil, fmt.Errorf("lock time slot: %w", err)
	}
	defer unlockSlot()
	// Locks held: every write below runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	session, err := o.resolveSession(ctx, slot)
	if err != nil {
		return nil, err
	}

	now := o.now()
	if now.After(slot.StartTime.Add(o.cfg.GracePeriod)) {
		return nil, ErrJoinWindowClosed
	}
	if session.Status == models.SessionEnded {
		return nil, ErrSessionEnded
	}

	displayName := req.DisplayName
	if displayName == "" {
		displayName = models.DefaultDisplayName
	}
	p := &models.Participant{
		ID:               o.newID(),
		SessionID:        session.ID,
		UserID:           req.UserID,
		DisplayName:      displayName,
		Status:           models.ParticipantConnected,
		RecordingConsent: req.RecordingConsent,
		JoinedAt:         now,
	}
	capacity := Capacity{Max: o.maxParticipants(slot), Min: o.minParticipants(slot)}
	session, activated, err := o.store.AdmitParticipant(ctx, p, capacity)
	if err != nil {
		if errors.Is(err, ErrUserConnected) {
			return nil, ErrAlreadyInSession
		}
		return nil, o.loud(err)
	}
	events = append(events, participantEvent(EventParticipantJoined, p, now))

	// The admission is committed; nothing after this point fails the join.
	if err := o.gate.MarkAttended(ctx, slot.ID, req.UserID); err != nil {
		o.logger.Warn("mark attended failed", zap.Error(err),
			zap.String("time_slot_id", slot.ID), zap.String("user_id", req.UserID))
	}
	participants, err := o.store.ListParticipants(ctx, session.ID, false)
	if err != nil {
		o.logger.Warn("list participants failed, returning partial view", zap.Error(err),
			zap.String("session_id", session.ID))
		participants = []models.Participant{*p}
	}
	if activated {
		o.logger.Info("session activated", zap.String("session_id", session.ID), zap.Int("connected", len(participants)))
		events = append(events, sessionStartedEvent(session, participants, now))
	}

	o.logger.Info("user joined session",
		zap.String("user_id", req.UserID), zap.String("session_id", session.ID), zap.Int("connected", len(participants)))
	return sessionView(session, participants), nil
}

// LeaveSession disconnects the user from their current session and ends the session
// when it was active and nobody is left.
func (o *Orchestrator) LeaveSession(ctx context.Context, userID string) error {
	var events []Event
	defer func() { o.dispatch(ctx, events) }()

	unlockUser, err := o.locker.Lock(ctx, userKey(userID))
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	defer unlockUser()

	p, err := o.store.FindConnectedParticipant(ctx, userID)
	if err != nil {
		return fmt.Errorf("find connected participant: %w", err)
	}
	if p == nil {
		return ErrNoActiveSession
	}
	session, err := o.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return o.loud(fmt.Errorf("session %s: %w", p.SessionID, err))
	}

	unlockSlot, err := o.locker.Lock(ctx, slotKey(session.TimeSlotID))
	if err != nil {
		return fmt.Errorf("lock time slot: %w", err)
	}
	defer unlockSlot()
	ctx = context.WithoutCancel(ctx)

	now := o.now()
	changed, err := o.store.DisconnectParticipant(ctx, p.ID, now)
	if err != nil {
		return fmt.Errorf("disconnect participant: %w", err)
	}
	if !changed {
		// closed concurrently; the closure already disconnected this row
		return nil
	}
	p.Status = models.ParticipantDisconnected
	p.LeftAt = &now
	events = append(events, participantEvent(EventParticipantLeft, p, now))

	// re-read under the slot lock
	session, err = o.store.GetSession(ctx, session.ID)
	if err != nil {
		return o.loud(fmt.Errorf("session %s: %w", p.SessionID, err))
	}
	if session.Status == models.SessionActive {
		count, err := o.store.CountConnected(ctx, session.ID)
		if err != nil {
			return fmt.Errorf("count connected: %w", err)
		}
		if count == 0 {
			ended, err := o.endLocked(ctx, session.ID, now)
			if err != nil {
				return err
			}
			if ended != nil {
				events = append(events, *ended)
			}
		}
	}
	o.logger.Info("user left session", zap.String("user_id", userID), zap.String("session_id", session.ID))
	return nil
}

// MediaUpdate carries the media flags to change; nil fields are left as they are.
type MediaUpdate struct {
	CameraEnabled *bool
	MicEnabled    *bool
}

// UpdateMediaState applies a partial camera/mic update to the user's connected row.
func (o *Orchestrator) UpdateMediaState(ctx context.Context, userID string, upd MediaUpdate) (*ParticipantView, error) {
	var events []Event
	defer func() { o.dispatch(ctx, events) }()

	unlockUser, err := o.locker.Lock(ctx, userKey(userID))
	if err != nil {
		return nil, fmt.Errorf("lock user: %w", err)
	}
	defer unlockUser()
	ctx = context.WithoutCancel(ctx)

	p, err := o.store.FindConnectedParticipant(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find connected participant: %w", err)
	}
	if p == nil {
		return nil, ErrNoActiveSession
	}
	updated, err := o.store.UpdateMedia(ctx, p.ID, upd.CameraEnabled, upd.MicEnabled)
	if err != nil {
		return nil, fmt.Errorf("update media: %w", err)
	}
	events = append(events, participantEvent(EventMediaChanged, updated, o.now()))
	o.logger.Debug("media state updated", zap.String("user_id", userID),
		zap.Bool("camera", updated.CameraEnabled), zap.Bool("mic", updated.MicEnabled))
	v := participantView(updated)
	return &v, nil
}

// GetCurrentSession returns the session the user is connected to.
func (o *Orchestrator) GetCurrentSession(ctx context.Context, userID string) (*SessionView, error) {
	p, err := o.store.FindConnectedParticipant(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find connected participant: %w", err)
	}
	if p == nil {
		return nil, ErrNoActiveSession
	}
	session, err := o.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, o.loud(fmt.Errorf("session %s: %w", p.SessionID, err))
	}
	participants, err := o.store.ListParticipants(ctx, session.ID, false)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return sessionView(session, participants), nil
}

// GetSessionHistory returns the user's memberships, newest first. Each item carries the
// session's connected count at query time.
func (o *Orchestrator) GetSessionHistory(ctx context.Context, userID string, page, size int) (*HistoryPage, error) {
	if page < 0 {
		page = 0
	}
	switch {
	case size <= 0:
		size = 10
	case size > maxHistoryPageSize:
		size = maxHistoryPageSize
	}
	offset := page * size
	rows, total, err := o.store.ListHistory(ctx, userID, offset, size)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	items := make([]HistoryItem, 0, len(rows))
	for _, p := range rows {
		item := HistoryItem{SessionID: p.SessionID, JoinedAt: p.JoinedAt, LeftAt: p.LeftAt}
		session, err := o.store.GetSession(ctx, p.SessionID)
		switch {
		case err == nil:
			item.TargetLanguageCode = session.TargetLanguageCode
			item.Level = session.Level
			count, err := o.store.CountConnected(ctx, session.ID)
			if err != nil {
				return nil, fmt.Errorf("count connected: %w", err)
			}
			item.ParticipantCount = count
		case errors.Is(err, ErrNotFound):
			o.logger.Error("history row references missing session",
				zap.String("session_id", p.SessionID), zap.String("participant_id", p.ID))
		default:
			return nil, fmt.Errorf("session %s: %w", p.SessionID, err)
		}
		items = append(items, item)
	}
	return &HistoryPage{
		Sessions: items,
		Total:    total,
		HasMore:  offset+len(rows) < total,
	}, nil
}

// resolveSession returns the open session for the slot, creating a waiting one if none
// exists. Callers hold the slot lock.
func (o *Orchestrator) resolveSession(ctx context.Context, slot *models.TimeSlot) (*models.Session, error) {
	s, err := o.store.FindOpenSession(ctx, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("find open session: %w", err)
	}
	if s != nil {
		return s, nil
	}
	s, err = o.createSession(ctx, slot)
	if errors.Is(err, ErrDuplicateSession) {
		// another instance won the insert
		s, err = o.store.FindOpenSession(ctx, slot.ID)
		if err == nil && s == nil {
			err = fmt.Errorf("open session for time slot %s: %w", slot.ID, ErrNotFound)
		}
	}
	if err != nil {
		return nil, o.loud(err)
	}
	return s, nil
}

func (o *Orchestrator) createSession(ctx context.Context, slot *models.TimeSlot) (*models.Session, error) {
	s := &models.Session{
		ID:                 o.newID(),
		TimeSlotID:         slot.ID,
		TargetLanguageCode: slot.TargetLanguageCode,
		Level:              slot.Level,
		Status:             models.SessionWaiting,
		CreatedAt:          o.now(),
	}
	if err := o.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	o.logger.Info("created session", zap.String("session_id", s.ID), zap.String("time_slot_id", slot.ID))
	return s, nil
}

// endLocked runs the closure sequence. Callers hold the slot lock and pass a context that
// is not cancelled by the caller. It returns nil when the session had already ended.
func (o *Orchestrator) endLocked(ctx context.Context, sessionID string, now time.Time) (*Event, error) {
	s, participants, ended, err := o.store.EndSession(ctx, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("end session %s: %w", sessionID, err)
	}
	if !ended {
		return nil, nil
	}
	o.markNoShows(ctx, s.TimeSlotID)
	o.logger.Info("session ended", zap.String("session_id", s.ID),
		zap.Int("participants", len(participants)), zap.Duration("duration", s.Duration()))
	e := sessionEndedEvent(s, participants, now)
	return &e, nil
}

func (o *Orchestrator) markNoShows(ctx context.Context, timeSlotID string) {
	regs, err := o.gate.ListRegistered(ctx, timeSlotID)
	if err != nil {
		o.logger.Error("list registrations for no-show failed", zap.Error(err), zap.String("time_slot_id", timeSlotID))
		return
	}
	for _, r := range regs {
		if r.Status != models.RegistrationRegistered {
			continue
		}
		if err := o.gate.MarkNoShow(ctx, timeSlotID, r.UserID); err != nil {
			o.logger.Error("mark no-show failed", zap.Error(err),
				zap.String("time_slot_id", timeSlotID), zap.String("user_id", r.UserID))
		}
	}
}

// dispatch delivers events after all locks are released. Failures are logged only.
func (o *Orchestrator) dispatch(ctx context.Context, events []Event) {
	if o.notifier == nil {
		return
	}
	for _, e := range events {
		o.notifyOne(ctx, e)
	}
}

func (o *Orchestrator) notifyOne(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.NotifyTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("notifier panicked", zap.Any("panic", r), zap.String("event", e.Type))
		}
	}()
	if err := o.notifier.Notify(ctx, e); err != nil {
		o.logger.Warn("notify failed", zap.Error(err),
			zap.String("event", e.Type), zap.String("session_id", e.SessionID))
	}
}

// loud logs consistency failures at error level before returning them.
func (o *Orchestrator) loud(err error) error {
	if errors.Is(err, ErrNotFound) {
		o.logger.Error("inconsistent state", zap.Error(err))
	}
	return err
}

func (o *Orchestrator) maxParticipants(slot *models.TimeSlot) int {
	if slot.MaxParticipants > 0 {
		return slot.MaxParticipants
	}
	return o.cfg.MaxParticipants
}

func (o *Orchestrator) minParticipants(slot *models.TimeSlot) int {
	if slot.MinParticipants > 0 {
		return slot.MinParticipants
	}
	return o.cfg.MinParticipants
}

const maxHistoryPageSize = 100

func userKey(id string) string { return "user:" + id }

func slotKey(id string) string { return "slot:" + id }
