package worker

import (
	"context"
	"fmt"

	"tracker_server/core/domain"
	"tracker_server/pkg/logger"
)

// BatchProcessor processes an already validated batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batch *domain.NotificationBatch) domain.BatchStats
}

type Handler struct {
	notifications BatchProcessor
}

func NewHandler(notifications BatchProcessor) *Handler {
	return &Handler{notifications: notifications}
}

// Process runs msg and returns the aggregated stats. Failed notifications
// are reported in the stats, not as an error: they are never retried here.
func (h *Handler) Process(ctx context.Context, msg *Message) (domain.BatchStats, error) {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobNotificationBatch:
		if msg.Batch == nil {
			return domain.BatchStats{}, fmt.Errorf("message %s has no batch", msg.ID)
		}
		return h.notifications.ProcessBatch(ctx, msg.Batch), nil

	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return domain.BatchStats{}, nil
	}
}

// failedOnly returns a copy of batch holding only the notifications whose
// results failed. Results are index-aligned with batch.Value.
func failedOnly(batch *domain.NotificationBatch, stats domain.BatchStats) *domain.NotificationBatch {
	if len(stats.Results) != len(batch.Value) {
		return batch
	}
	failed := *batch
	failed.Value = nil
	for i, r := range stats.Results {
		if r.Outcome == domain.OutcomeFailed {
			failed.Value = append(failed.Value, batch.Value[i])
		}
	}
	return &failed
}
