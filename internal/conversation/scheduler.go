package conversation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper is the pair of periodic operations the Scheduler drives.
type Sweeper interface {
	MaterializeUpcoming(ctx context.Context, now time.Time) (int, error)
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
}

// Scheduler runs both sweeps on a fixed interval until stopped.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewScheduler creates a scheduler for the sweeper. A non-positive interval means 60s.
func NewScheduler(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// SetClock replaces the time source passed to the sweeps.
func (s *Scheduler) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Start runs one sweep immediately and then one per interval. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	s.logger.Info("session scheduler started", zap.Duration("interval", s.interval))
}

// Stop cancels the loop and waits for it to exit. A sweep in progress finishes the session
// it is working on and skips the rest.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	<-s.done
	s.logger.Info("session scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs both sweeps; a failure in one does not skip the other.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	created, err := s.sweeper.MaterializeUpcoming(ctx, now)
	if err != nil {
		s.logger.Error("materialize sweep failed", zap.Error(err))
	} else if created > 0 {
		s.logger.Info("materialized sessions", zap.Int("count", created))
	}
	closed, err := s.sweeper.ExpireSessions(ctx, now)
	if err != nil {
		s.logger.Error("expire sweep failed", zap.Error(err))
	} else if closed > 0 {
		s.logger.Info("expired sessions", zap.Int("count", closed))
	}
}
