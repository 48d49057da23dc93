package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/events"
	"github.com/wespeak/conversation/pkg/queue"
	"github.com/wespeak/conversation/pkg/storage"
)

// Archive is the object store ended sessions are written to.
type Archive interface {
	PutJSON(ctx context.Context, key string, v interface{}) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// JobQueue is the job source the archiver drains.
type JobQueue interface {
	Dequeue(ctx context.Context, queues ...string) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// SessionRecord is the archived summary of an ended session.
type SessionRecord struct {
	SessionID        string                          `json:"session_id"`
	TimeSlotID       string                          `json:"time_slot_id"`
	EndedAt          time.Time                       `json:"ended_at"`
	DurationSeconds  int64                           `json:"duration_seconds"`
	RecordingEnabled bool                            `json:"recording_enabled"`
	Participants     []conversation.EndedParticipant `json:"participants"`
	CorrelationID    string                          `json:"correlation_id"`
}

// SessionArchiver writes one summary object per ended session.
type SessionArchiver struct {
	archive Archive
	queue   JobQueue
	backoff time.Duration
	logger  *zap.Logger
}

// NewSessionArchiver creates a session archive processor.
func NewSessionArchiver(archive Archive, q JobQueue, logger *zap.Logger) *SessionArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionArchiver{archive: archive, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process archives one session_ended job. Already archived sessions are skipped.
func (p *SessionArchiver) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionEnded {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var env events.Envelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}
	var payload conversation.SessionEndedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.SessionID == "" {
		payload.SessionID = env.SessionID
	}

	key := storage.ArchiveKey(payload.SessionID, env.Timestamp)
	exists, err := p.archive.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check archive: %w", err)
	}
	if exists {
		p.logger.Info("session already archived", zap.String("session_id", payload.SessionID))
		return nil
	}

	record := SessionRecord{
		SessionID:        payload.SessionID,
		TimeSlotID:       payload.TimeSlotID,
		EndedAt:          env.Timestamp,
		DurationSeconds:  payload.DurationSeconds,
		RecordingEnabled: payload.RecordingEnabled,
		Participants:     payload.Participants,
		CorrelationID:    env.Metadata.CorrelationID,
	}
	url, err := p.archive.PutJSON(ctx, key, record)
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("session archived", zap.String("session_id", payload.SessionID), zap.String("url", url))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SessionArchiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, queue.QueueSessionEvents)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *SessionArchiver) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
