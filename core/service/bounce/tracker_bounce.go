// Package bounce links non-delivery reports to the tracked conversations
// they bounced.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/core/service/classification"
	"tracker_server/pkg/logger"

	"github.com/google/uuid"
)

// Result of handling a bounce.
type Result struct {
	Matched      bool
	Conversation *domain.TrackedConversation
	Kind         domain.BounceKind

	// Transitioned is false when the conversation had already left pending
	// or the bounce was recorded before.
	Transitioned bool
}

// Service records bounces against pending conversations.
type Service struct {
	conversations out.ConversationRepository
	responses     out.ResponseRepository
	logs          out.DetectionLogRepository
	events        out.EventPublisher
}

// NewService creates a bounce Service. logs and events may be nil.
func NewService(
	conversations out.ConversationRepository,
	responses out.ResponseRepository,
	logs out.DetectionLogRepository,
	events out.EventPublisher,
) *Service {
	return &Service{
		conversations: conversations,
		responses:     responses,
		logs:          logs,
		events:        events,
	}
}

// Handle resolves the bounced conversation for msg and marks it bounced.
func (s *Service) Handle(ctx context.Context, mailboxID uuid.UUID, msg *domain.Message, sig *classification.BounceSignal) (*Result, error) {
	start := time.Now()
	result := &Result{Kind: sig.Kind}

	conv, method, err := s.resolve(ctx, mailboxID, msg)
	if err != nil {
		return nil, err
	}

	entry := domain.NewDetectionLog(mailboxID, msg, domain.DetectionTypeBounce, domain.DirectionIncoming)
	entry.Details = map[string]any{"kind": sig.Kind, "evidence": sig.Evidence}

	if conv == nil {
		entry.Reason = domain.ReasonBounceUnmatched
		s.writeLog(ctx, entry, start)
		logger.WithContext(ctx).WithField("message_id", msg.ID).Info("[BounceService] bounce without pending conversation (%s)", sig.Evidence)
		return result, nil
	}

	result.Matched = true
	result.Conversation = conv

	resp := &domain.Response{
		ID:                    uuid.New(),
		TrackedConversationID: conv.ID,
		MessageID:             msg.ID,
		InternetMessageID:     msg.InternetMessageID,
		FromAddress:           msg.From,
		Subject:               msg.Subject,
		ResponseType:          domain.ResponseTypeBounce,
		DetectionMethod:       "bounce:" + method,
		Confidence:            100,
		ReceivedAt:            receivedAt(msg),
		CreatedAt:             time.Now().UTC(),
	}
	changed, err := s.responses.Record(ctx, resp)
	switch {
	case errors.Is(err, out.ErrDuplicate):
		changed = false
	case err != nil:
		return nil, fmt.Errorf("record bounce: %w", err)
	}
	result.Transitioned = changed

	id := conv.ID
	entry.Matched = true
	entry.Method = method
	entry.Confidence = 100
	entry.TrackedConversationID = &id
	entry.Reason = domain.ReasonBounceDetected
	s.writeLog(ctx, entry, start)

	if changed {
		logger.WithContext(ctx).WithFields(map[string]any{
			"conversation_id": conv.ID,
			"kind":            sig.Kind,
		}).Info("[BounceService] conversation bounced")
		s.publish(ctx, &out.TrackingEvent{
			ID:                    uuid.New(),
			Type:                  out.EventConversationBounced,
			MailboxID:             mailboxID,
			TrackedConversationID: conv.ID,
			InternetMessageID:     msg.InternetMessageID,
			Reason:                string(sig.Kind),
			OccurredAt:            time.Now().UTC(),
		})
	}
	return result, nil
}

// resolve looks up the pending conversation by conversation id first, then
// by the ids the report references.
func (s *Service) resolve(ctx context.Context, mailboxID uuid.UUID, msg *domain.Message) (*domain.TrackedConversation, string, error) {
	if msg.ConversationID != "" {
		pending, err := s.conversations.ListPendingByConversationID(ctx, mailboxID, msg.ConversationID)
		if err != nil {
			return nil, "", fmt.Errorf("pending by conversation: %w", err)
		}
		if len(pending) > 0 {
			return pending[0], "conversation_id", nil
		}
	}

	ids := msg.ReplyIDs()
	if len(ids) == 0 {
		return nil, "", nil
	}
	pending, err := s.conversations.FindPendingByInternetMessageIDs(ctx, mailboxID, ids)
	if err != nil {
		return nil, "", fmt.Errorf("pending by message ids: %w", err)
	}
	if len(pending) > 0 {
		return pending[0], "reply_headers", nil
	}
	return nil, "", nil
}

func (s *Service) writeLog(ctx context.Context, entry *domain.DetectionLog, start time.Time) {
	if s.logs == nil {
		return
	}
	entry.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000
	if err := s.logs.Append(ctx, entry); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[BounceService] failed to append detection log")
	}
}

func (s *Service) publish(ctx context.Context, evt *out.TrackingEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("[BounceService] failed to publish %s", evt.Type)
	}
}

func receivedAt(msg *domain.Message) time.Time {
	if !msg.ReceivedAt.IsZero() {
		return msg.ReceivedAt
	}
	if !msg.SentAt.IsZero() {
		return msg.SentAt
	}
	return time.Now().UTC()
}
