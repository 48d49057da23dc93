package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/wespeak/conversation/internal/conversation"
	"github.com/wespeak/conversation/internal/events"
	"github.com/wespeak/conversation/pkg/queue"
)

type memArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newMemArchive() *memArchive {
	return &memArchive{objects: map[string][]byte{}}
}

func (a *memArchive) PutJSON(_ context.Context, key string, v interface{}) (string, error) {
	if a.putErr != nil {
		return "", a.putErr
	}
	body, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[key] = body
	return "mem://" + key, nil
}

func (a *memArchive) Exists(_ context.Context, key string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[key]
	return ok, nil
}

type chanQueue struct {
	jobs    chan *queue.Job
	retried chan *queue.Job
}

func (q *chanQueue) Dequeue(ctx context.Context, _ ...string) (*queue.Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case j := <-q.jobs:
		return j, nil
	}
}

func (q *chanQueue) Retry(_ context.Context, job *queue.Job) error {
	q.retried <- job
	return nil
}

func endedJob(t *testing.T, sessionID string, at time.Time) *queue.Job {
	t.Helper()
	env, err := events.NewEnvelope(conversation.Event{
		Type:       conversation.EventSessionEnded,
		SessionID:  sessionID,
		OccurredAt: at,
		Payload: conversation.SessionEndedPayload{
			SessionID:       sessionID,
			TimeSlotID:      "slot-1",
			DurationSeconds: 1800,
			Participants:    []conversation.EndedParticipant{{UserID: "alice", JoinedAt: at.Add(-30 * time.Minute)}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	body, _ := json.Marshal(env)
	return &queue.Job{ID: "job-" + sessionID, Type: queue.JobTypeSessionEnded, Queue: queue.QueueSessionEvents, Payload: body}
}

func TestSessionArchiver_Process(t *testing.T) {
	archive := newMemArchive()
	p := NewSessionArchiver(archive, nil, zaptest.NewLogger(t))
	at := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	if err := p.Process(context.Background(), endedJob(t, "s1", at)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	body, ok := archive.objects["sessions/2026/03/s1.json"]
	if !ok {
		t.Fatalf("objects = %v", archive.objects)
	}
	var rec SessionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.TimeSlotID != "slot-1" || rec.DurationSeconds != 1800 || len(rec.Participants) != 1 || rec.CorrelationID == "" {
		t.Errorf("record = %+v", rec)
	}

	archive.putErr = errors.New("should not upload twice")
	if err := p.Process(context.Background(), endedJob(t, "s1", at)); err != nil {
		t.Errorf("second Process: %v", err)
	}
}

func TestSessionArchiver_RejectsUnknownJob(t *testing.T) {
	p := NewSessionArchiver(newMemArchive(), nil, zaptest.NewLogger(t))
	if err := p.Process(context.Background(), &queue.Job{Type: "other"}); err == nil {
		t.Error("expected error for unknown job type")
	}
	if err := p.Process(context.Background(), &queue.Job{Type: queue.JobTypeSessionEnded, Payload: []byte("{")}); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestSessionArchiver_RunRetriesFailures(t *testing.T) {
	archive := newMemArchive()
	archive.putErr = errors.New("s3 down")
	q := &chanQueue{jobs: make(chan *queue.Job, 1), retried: make(chan *queue.Job, 1)}
	p := NewSessionArchiver(archive, q, zaptest.NewLogger(t))
	p.backoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	q.jobs <- endedJob(t, "s2", time.Now())
	select {
	case job := <-q.retried:
		if job.ID != "job-s2" {
			t.Errorf("retried %s", job.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failed job was not retried")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
