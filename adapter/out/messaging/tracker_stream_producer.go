// Package messaging provides message queue adapters.
package messaging

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"

	"github.com/redis/go-redis/v9"
)

// Stream names
const (
	StreamNotificationBatch = "notifications:batch"
	StreamSecurityAudit     = "audit:webhook_security"

	auditStreamMaxLen = 100000
)

// DeadLetterStream returns the DLQ stream for stream.
func DeadLetterStream(stream string) string {
	return "dlq:" + stream
}

// RedisProducer hands validated notification batches to the worker side
// through a Redis stream.
type RedisProducer struct {
	client *redis.Client
}

var _ out.NotificationQueue = (*RedisProducer)(nil)

// NewRedisProducer creates a new RedisProducer.
func NewRedisProducer(client *redis.Client) *RedisProducer {
	return &RedisProducer{client: client}
}

// Enqueue publishes a batch to StreamNotificationBatch.
func (p *RedisProducer) Enqueue(ctx context.Context, batch *domain.NotificationBatch) error {
	_, err := publish(ctx, p.client, StreamNotificationBatch, batch, 0)
	return err
}

// DeadLetter appends failed notifications to the batch stream's DLQ in the
// same entry format, so they can be replayed by copying them back.
func (p *RedisProducer) DeadLetter(ctx context.Context, batch *domain.NotificationBatch) error {
	_, err := publish(ctx, p.client, DeadLetterStream(StreamNotificationBatch), batch, 0)
	return err
}

// =============================================================================
// Security Audit (Redis Stream)
// =============================================================================

// AuditStream implements out.SecurityAuditLog by appending each event to a
// capped stream.
type AuditStream struct {
	client *redis.Client
}

var _ out.SecurityAuditLog = (*AuditStream)(nil)

// NewAuditStream creates a new AuditStream.
func NewAuditStream(client *redis.Client) *AuditStream {
	return &AuditStream{client: client}
}

func (a *AuditStream) Record(ctx context.Context, events []domain.SecurityAuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := a.client.Pipeline()
	for i := range events {
		data, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: StreamSecurityAudit,
			MaxLen: auditStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"check":  events[i].Check,
				"passed": events[i].Passed,
				"data":   string(data),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append audit events: %w", err)
	}
	return nil
}

// publish publishes a job to a stream using go-redis.
func publish(ctx context.Context, client *redis.Client, stream string, job interface{}, maxLen int64) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]interface{}{
			"data": string(data),
		},
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}

	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return id, nil
}
