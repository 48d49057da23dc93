package conversation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/models"
)

// MaterializeUpcoming creates a waiting session for every active slot starting within
// [now, now+SweepInterval) that has no session yet. It returns the number created.
// Per-slot failures are logged and skipped. Once ctx is done no further slot is started.
func (o *Orchestrator) MaterializeUpcoming(ctx context.Context, now time.Time) (int, error) {
	slots, err := o.slots.ListStartingBetween(ctx, now, now.Add(o.cfg.SweepInterval))
	if err != nil {
		return 0, fmt.Errorf("list upcoming slots: %w", err)
	}
	created := 0
	for i := range slots {
		if ctx.Err() != nil {
			break
		}
		ok, err := o.materializeOne(ctx, &slots[i])
		if err != nil {
			o.logger.Error("materialize session failed", zap.Error(err), zap.String("time_slot_id", slots[i].ID))
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (o *Orchestrator) materializeOne(ctx context.Context, slot *models.TimeSlot) (bool, error) {
	unlock, err := o.locker.Lock(ctx, slotKey(slot.ID))
	if err != nil {
		return false, fmt.Errorf("lock time slot: %w", err)
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	exists, err := o.store.HasSession(ctx, slot.ID)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	if exists {
		return false, nil
	}
	if _, err := o.createSession(ctx, slot); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireSessions closes active sessions whose slot has ended by now. With the
// WaitingExpiryClose policy it closes ended-slot waiting sessions too. It scans at most
// ExpireBatchSize sessions per status and returns the number closed. A closure already
// started when ctx is done runs to completion; the remaining candidates wait for the
// next sweep.
func (o *Orchestrator) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	candidates, err := o.store.ListSessionsByStatus(ctx, models.SessionActive, o.cfg.ExpireBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}
	if o.cfg.WaitingExpiry == WaitingExpiryClose {
		waiting, err := o.store.ListSessionsByStatus(ctx, models.SessionWaiting, o.cfg.ExpireBatchSize)
		if err != nil {
			return 0, fmt.Errorf("list waiting sessions: %w", err)
		}
		candidates = append(candidates, waiting...)
	}

	closed := 0
	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		ok, err := o.expireOne(ctx, &candidates[i], now)
		if err != nil {
			o.logger.Error("expire session failed", zap.Error(err), zap.String("session_id", candidates[i].ID))
			continue
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}

func (o *Orchestrator) expireOne(ctx context.Context, candidate *models.Session, now time.Time) (bool, error) {
	slot, err := o.slots.GetTimeSlot(ctx, candidate.TimeSlotID)
	if err != nil {
		return false, o.loud(fmt.Errorf("time slot %s: %w", candidate.TimeSlotID, err))
	}
	if !now.After(slot.EndTime()) {
		return false, nil
	}

	var events []Event
	defer func() { o.dispatch(ctx, events) }()

	unlock, err := o.locker.Lock(ctx, slotKey(slot.ID))
	if err != nil {
		return false, fmt.Errorf("lock time slot: %w", err)
	}
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	s, err := o.store.GetSession(ctx, candidate.ID)
	if err != nil {
		return false, o.loud(fmt.Errorf("session %s: %w", candidate.ID, err))
	}
	if !o.expirable(s.Status) {
		return false, nil
	}
	ended, err := o.endLocked(ctx, s.ID, now)
	if err != nil || ended == nil {
		return false, err
	}
	events = append(events, *ended)
	return true, nil
}

func (o *Orchestrator) expirable(status models.SessionStatus) bool {
	switch status {
	case models.SessionActive:
		return true
	case models.SessionWaiting:
		return o.cfg.WaitingExpiry == WaitingExpiryClose
	}
	return false
}
