package in

import (
	"context"

	"tracker_server/core/domain"

	"github.com/google/uuid"
)

// NotificationUseCase validates and processes webhook batches.
type NotificationUseCase interface {
	// Validate authenticates the whole batch. Nothing may be processed when
	// it returns an error.
	Validate(ctx context.Context, batch *domain.NotificationBatch, remoteIP string) error
	ProcessBatch(ctx context.Context, batch *domain.NotificationBatch) domain.BatchStats
}

// SettingsUseCase reads and writes followup settings.
type SettingsUseCase interface {
	Current(ctx context.Context) (*domain.FollowupSettings, error)
	Update(ctx context.Context, s *domain.FollowupSettings, updatedBy string) (*domain.FollowupSettings, error)
}

// FollowupUseCase manages followups outside the notification pipeline.
type FollowupUseCase interface {
	Reschedule(ctx context.Context, followupID uuid.UUID) (*domain.Followup, error)
	StopConversation(ctx context.Context, conversationID uuid.UUID, reason string) error
}
