package events

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/pkg/queue"
)

// Enqueuer is the job queue the QueueNotifier writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, typ queue.JobType, payload interface{}) error
}

// QueueNotifier forwards session.ended events to the archive worker queue.
type QueueNotifier struct {
	q Enqueuer
}

// NewQueueNotifier creates a notifier that enqueues ended sessions.
func NewQueueNotifier(q Enqueuer) *QueueNotifier {
	return &QueueNotifier{q: q}
}

// Notify implements conversation.Notifier. Events other than session.ended are ignored.
func (n *QueueNotifier) Notify(ctx context.Context, e conversation.Event) error {
	if e.Type != conversation.EventSessionEnded {
		return nil
	}
	env, err := NewEnvelope(e)
	if err != nil {
		return err
	}
	return n.q.Enqueue(ctx, queue.QueueSessionEvents, queue.JobTypeSessionEnded, env)
}

// LogNotifier writes lifecycle events to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements conversation.Notifier.
func (n *LogNotifier) Notify(_ context.Context, e conversation.Event) error {
	switch e.Type {
	case conversation.EventSessionStarted, conversation.EventSessionEnded:
		n.logger.Info("session event", zap.String("event", e.Type), zap.String("session_id", e.SessionID), zap.Any("payload", e.Payload))
	default:
		n.logger.Debug("participant event", zap.String("event", e.Type), zap.String("session_id", e.SessionID))
	}
	return nil
}

// Fanout delivers each event to every notifier and joins their errors.
type Fanout []conversation.Notifier

// Notify implements conversation.Notifier.
func (f Fanout) Notify(ctx context.Context, e conversation.Event) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
