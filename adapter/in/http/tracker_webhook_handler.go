package http

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"tracker_server/core/domain"
	"tracker_server/core/port/in"
	"tracker_server/core/port/out"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/logger"
	"tracker_server/pkg/metrics"
	"tracker_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// TimestampHeader optionally carries the delivery time for replay checks,
// as RFC 3339 or unix seconds.
const TimestampHeader = "X-Request-Timestamp"

type WebhookMetrics struct {
	Received int64
	Rejected int64
	Queued   int64
	Direct   int64
}

// WebhookHandler receives Graph change notifications. Batches are
// authenticated before the response is written; processing happens on the
// queue when one is configured and inline otherwise.
type WebhookHandler struct {
	notifications in.NotificationUseCase
	queue         out.NotificationQueue
	metrics       WebhookMetrics
}

func NewWebhookHandler(notifications in.NotificationUseCase, queue out.NotificationQueue) *WebhookHandler {
	return &WebhookHandler{
		notifications: notifications,
		queue:         queue,
	}
}

func (h *WebhookHandler) GetMetrics() WebhookMetrics {
	return WebhookMetrics{
		Received: atomic.LoadInt64(&h.metrics.Received),
		Rejected: atomic.LoadInt64(&h.metrics.Rejected),
		Queued:   atomic.LoadInt64(&h.metrics.Queued),
		Direct:   atomic.LoadInt64(&h.metrics.Direct),
	}
}

func (h *WebhookHandler) Register(router fiber.Router) {
	router.Post("/webhooks/graph", h.GraphWebhook)
	router.Get("/webhooks/graph", h.GraphWebhook)
}

// RegisterManagement mounts the admin-only metrics endpoint.
func (h *WebhookHandler) RegisterManagement(router fiber.Router) {
	router.Get("/webhooks/metrics", h.GetWebhookMetrics)
}

// GraphWebhook answers the subscription handshake or accepts a batch.
func (h *WebhookHandler) GraphWebhook(c *fiber.Ctx) error {
	if token := c.Query("validationToken"); token != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
		return c.Status(fiber.StatusOK).SendString(token)
	}
	if c.Method() != fiber.MethodPost {
		return apperr.BadRequest("validationToken is required")
	}

	atomic.AddInt64(&h.metrics.Received, 1)
	defer metrics.Since(metrics.StageWebhookAccept, time.Now())
	ctx := c.UserContext()

	batch, err := parseBatch(c)
	if err != nil {
		return err
	}

	if err := h.notifications.Validate(ctx, batch, c.IP()); err != nil {
		atomic.AddInt64(&h.metrics.Rejected, 1)
		return err
	}

	if h.queue != nil {
		if err := h.queue.Enqueue(ctx, batch); err != nil {
			logger.WithContext(ctx).WithError(err).Error("[GraphWebhook] failed to enqueue batch")
			return apperr.UpstreamError("queue", err)
		}
		atomic.AddInt64(&h.metrics.Queued, 1)
		return response.Accepted(c, fiber.Map{"queued": len(batch.Value)})
	}

	stats := h.notifications.ProcessBatch(ctx, batch)
	atomic.AddInt64(&h.metrics.Direct, 1)
	return response.Accepted(c, stats)
}

func parseBatch(c *fiber.Ctx) (*domain.NotificationBatch, error) {
	var batch domain.NotificationBatch
	if err := json.Unmarshal(c.Body(), &batch); err != nil {
		return nil, apperr.ValidationFailed("invalid notification payload")
	}
	if len(batch.Value) == 0 {
		return nil, apperr.ValidationFailed("notification batch is empty")
	}

	batch.ReceivedAt = time.Now().UTC()
	batch.RequestTimestamp = nil
	if raw := c.Get(TimestampHeader); raw != "" {
		ts, ok := parseTimestamp(raw)
		if !ok {
			return nil, apperr.ValidationFailed("invalid " + TimestampHeader + " header")
		}
		batch.RequestTimestamp = &ts
	}
	return &batch, nil
}

func parseTimestamp(raw string) (time.Time, bool) {
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), true
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), true
	}
	return time.Time{}, false
}

func (h *WebhookHandler) GetWebhookMetrics(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"webhook": h.GetMetrics(),
		"latency": metrics.Global().AllStats(),
	})
}
