package middleware

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"tracker_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// AdminAuditStream receives one entry per admin API call.
const AdminAuditStream = "audit:admin"

// AuditEvent records an admin action.
type AuditEvent struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Subject    string    `json:"subject,omitempty"`
	Action     string    `json:"action"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	ResourceID string    `json:"resource_id,omitempty"`
	IP         string    `json:"ip"`
	StatusCode int       `json:"status_code"`
	Duration   int64     `json:"duration_ms"`
	RequestID  string    `json:"request_id"`
	Success    bool      `json:"success"`
}

// AuditSink stores audit events.
type AuditSink interface {
	Write(ctx context.Context, event *AuditEvent) error
}

// RedisAuditSink appends events to AdminAuditStream.
type RedisAuditSink struct {
	client *redis.Client
}

func NewRedisAuditSink(client *redis.Client) *RedisAuditSink {
	return &RedisAuditSink{client: client}
}

func (s *RedisAuditSink) Write(ctx context.Context, event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: AdminAuditStream,
		Values: map[string]interface{}{"event": string(data)},
		MaxLen: 100000,
		Approx: true,
	}).Err()
}

// Audit records every request after the handler has run, keyed by the
// matched route. A nil sink only logs.
func Audit(sink AuditSink) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(interface{ HTTPStatus() int }); ok {
				status = e.HTTPStatus()
			} else if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			}
		}

		action := c.Method() + " " + c.Route().Path
		subject, _ := c.Locals(LocalAdminSubject).(string)
		requestID, _ := c.Locals(localRequestID).(string)
		event := &AuditEvent{
			ID:         uuid.NewString(),
			Timestamp:  time.Now().UTC(),
			Subject:    subject,
			Action:     action,
			Method:     c.Method(),
			Path:       c.Path(),
			ResourceID: c.Params("id"),
			IP:         c.IP(),
			StatusCode: status,
			Duration:   time.Since(start).Milliseconds(),
			RequestID:  requestID,
			Success:    err == nil && status < 400,
		}

		logger.WithFields(map[string]any{
			"action":  action,
			"subject": subject,
			"status":  status,
		}).Info("[Audit] %s %s", event.Method, event.Path)

		if sink != nil {
			if werr := sink.Write(context.Background(), event); werr != nil {
				logger.WithError(werr).Warn("[Audit] failed to write event")
			}
		}
		return err
	}
}
