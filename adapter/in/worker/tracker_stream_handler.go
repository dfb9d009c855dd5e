package worker

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"tracker_server/core/domain"
	"tracker_server/pkg/logger"
)

// StreamHandler feeds batches read from the notification stream into the
// pool and waits for them to settle, so an entry is acknowledged only after
// processing. Failed notifications are dead-lettered by the pool; the entry
// is still acknowledged and never re-run.
type StreamHandler struct {
	pool *Pool
}

func NewStreamHandler(p *Pool) *StreamHandler {
	return &StreamHandler{pool: p}
}

// Handle implements messaging.JobHandler.
func (h *StreamHandler) Handle(ctx context.Context, stream string, data []byte) error {
	var batch domain.NotificationBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		// Undecodable entries can never succeed; ack them.
		logger.WithError(err).Error("[StreamHandler] dropping undecodable entry on %s", stream)
		return nil
	}

	msg, done := NewAwaitedBatchMessage(&batch)
	if err := h.pool.Submit(msg); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.Err != nil {
			return fmt.Errorf("stream %s: %w", stream, res.Err)
		}
		return nil
	}
}
