package followup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/in"
	"tracker_server/core/port/out"
	"tracker_server/core/service/scheduling"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/logger"

	"github.com/google/uuid"
)

// Service schedules followups for tracked conversations.
type Service struct {
	conversations out.ConversationRepository
	followups     out.FollowupRepository
	settings      in.SettingsUseCase
	events        out.EventPublisher
	now           func() time.Time
}

var _ in.FollowupUseCase = (*Service)(nil)

// NewService creates a followup Service. events may be nil.
func NewService(
	conversations out.ConversationRepository,
	followups out.FollowupRepository,
	settings in.SettingsUseCase,
	events out.EventPublisher,
) *Service {
	return &Service{
		conversations: conversations,
		followups:     followups,
		settings:      settings,
		events:        events,
		now:           time.Now,
	}
}

// ScheduleFirst schedules followup #1 for a newly tracked conversation.
// Returns nil when followups are disabled or #1 is already scheduled.
func (s *Service) ScheduleFirst(ctx context.Context, conv *domain.TrackedConversation) (*domain.Followup, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.Enabled {
		return nil, nil
	}

	opts, err := scheduling.OptionsFrom(*settings)
	if err != nil {
		return nil, fmt.Errorf("working hours: %w", err)
	}

	base := conv.SentAt
	if base.IsZero() {
		base = s.now()
	}
	slot := scheduling.NextSendTime(base, settings.DelayFor(1), opts)

	f := domain.NewFollowup(conv.ID, 1, slot)
	if err := s.followups.Create(ctx, f); err != nil {
		if errors.Is(err, out.ErrDuplicate) {
			return nil, nil
		}
		return nil, fmt.Errorf("create followup: %w", err)
	}

	logger.WithContext(ctx).WithFields(map[string]any{
		"conversation_id": conv.ID,
		"scheduled_for":   slot.ScheduledFor,
		"adjusted":        slot.Adjusted,
	}).Debug("[FollowupService] first followup scheduled")
	return f, nil
}

// Reschedule moves a failed followup back to scheduled at the next valid
// send time from now.
func (s *Service) Reschedule(ctx context.Context, followupID uuid.UUID) (*domain.Followup, error) {
	f, err := s.followups.GetByID(ctx, followupID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil, apperr.NotFound("followup")
		}
		return nil, apperr.DatabaseError("get followup", err)
	}

	conv, err := s.conversations.GetByID(ctx, f.TrackedConversationID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return nil, apperr.NotFound("tracked conversation")
		}
		return nil, apperr.DatabaseError("get tracked conversation", err)
	}
	if conv.Status != domain.ConversationStatusPending {
		return nil, apperr.Conflict(fmt.Sprintf("conversation is %s", conv.Status))
	}

	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := scheduling.OptionsFrom(*settings)
	if err != nil {
		return nil, apperr.ConfigError(err.Error())
	}

	slot := scheduling.NextSendTime(s.now(), 0, opts)
	if err := f.Reschedule(slot); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil, apperr.Conflict(err.Error())
		}
		return nil, err
	}
	if err := s.followups.Update(ctx, f); err != nil {
		if errors.Is(err, out.ErrDuplicate) {
			return nil, apperr.Conflict("followup number already scheduled")
		}
		return nil, apperr.DatabaseError("update followup", err)
	}

	logger.WithContext(ctx).WithFields(map[string]any{
		"followup_id":   f.ID,
		"retry_count":   f.RetryCount,
		"scheduled_for": f.ScheduledFor,
	}).Info("[FollowupService] followup rescheduled")
	return f, nil
}

// StopConversation stops a pending conversation and cancels its followups.
func (s *Service) StopConversation(ctx context.Context, conversationID uuid.UUID, reason string) error {
	if reason == "" {
		reason = "manual"
	}
	conv, err := s.conversations.GetByID(ctx, conversationID)
	if err != nil {
		if errors.Is(err, out.ErrNotFound) {
			return apperr.NotFound("tracked conversation")
		}
		return apperr.DatabaseError("get tracked conversation", err)
	}

	stopped, err := s.conversations.Stop(ctx, conversationID, reason)
	if err != nil {
		return apperr.DatabaseError("stop conversation", err)
	}
	if !stopped {
		return apperr.Conflict(fmt.Sprintf("conversation is %s", conv.Status))
	}

	if s.events != nil {
		evt := &out.TrackingEvent{
			ID:                    uuid.New(),
			Type:                  out.EventConversationStopped,
			MailboxID:             conv.MailboxID,
			TrackedConversationID: conv.ID,
			InternetMessageID:     conv.InternetMessageID,
			Reason:                reason,
			OccurredAt:            s.now().UTC(),
		}
		if err := s.events.Publish(ctx, evt); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("[FollowupService] failed to publish stop event")
		}
	}
	return nil
}
