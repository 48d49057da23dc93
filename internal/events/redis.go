package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wespeak/conversation/internal/conversation"
)

// Publisher is the subset of the go-redis client used for publishing.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes each event to its session channel and to the firehose.
type RedisNotifier struct {
	client Publisher
	logger *zap.Logger
}

// NewRedisNotifier creates a Redis pub/sub notifier.
func NewRedisNotifier(client Publisher, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, logger: logger}
}

// Notify implements conversation.Notifier.
func (n *RedisNotifier) Notify(ctx context.Context, e conversation.Event) error {
	env, err := NewEnvelope(e)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	var errs []error
	for _, ch := range []string{SessionChannel(e.SessionID), FirehoseChannel} {
		if err := n.client.Publish(ctx, ch, body).Err(); err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", ch, err))
		}
	}
	n.logger.Debug("published event", zap.String("event", e.Type), zap.String("session_id", e.SessionID))
	return errors.Join(errs...)
}
