package out

import (
	"context"
	"errors"

	"tracker_server/core/domain"

	"github.com/google/uuid"
)

// Errors returned by repository implementations.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate entry")
)

// ConversationRepository persists tracked conversations.
type ConversationRepository interface {
	// Create returns ErrDuplicate when the internet message id is already tracked.
	Create(ctx context.Context, c *domain.TrackedConversation) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.TrackedConversation, error)
	GetByInternetMessageID(ctx context.Context, internetMessageID string) (*domain.TrackedConversation, error)

	// ListByConversationID returns every tracked conversation in the thread, newest first.
	ListByConversationID(ctx context.Context, mailboxID uuid.UUID, conversationID string) ([]*domain.TrackedConversation, error)

	// Pending lookups used by response and bounce detection.
	FindPendingByInternetMessageIDs(ctx context.Context, mailboxID uuid.UUID, ids []string) ([]*domain.TrackedConversation, error)
	ListPendingByConversationID(ctx context.Context, mailboxID uuid.UUID, conversationID string) ([]*domain.TrackedConversation, error)
	ListRecentPending(ctx context.Context, mailboxID uuid.UUID, limit int) ([]*domain.TrackedConversation, error)

	// Stop moves a pending conversation to stopped and cancels its followups.
	// Returns false when the conversation was not pending.
	Stop(ctx context.Context, id uuid.UUID, reason string) (bool, error)
}

// ResponseRepository records responses.
type ResponseRepository interface {
	// Record inserts the response, moves a pending conversation to the
	// status implied by the response type and cancels its scheduled
	// followups, all in one transaction. The returned flag is true when the
	// conversation status changed.
	Record(ctx context.Context, r *domain.Response) (bool, error)
	LatestForConversation(ctx context.Context, trackedConversationID uuid.UUID) (*domain.Response, error)
}

// FollowupRepository persists followups.
type FollowupRepository interface {
	// Create returns ErrDuplicate when a scheduled followup already exists
	// for the same conversation and number.
	Create(ctx context.Context, f *domain.Followup) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Followup, error)
	Update(ctx context.Context, f *domain.Followup) error
	ListByConversation(ctx context.Context, trackedConversationID uuid.UUID) ([]*domain.Followup, error)
}

// DetectionLogRepository appends detection audit rows.
type DetectionLogRepository interface {
	Append(ctx context.Context, log *domain.DetectionLog) error
}

// SettingsRepository stores versioned followup settings.
type SettingsRepository interface {
	// Current returns ErrNotFound before the first write.
	Current(ctx context.Context) (*domain.FollowupSettings, error)
	// Save stores s as a new version and sets s.Version.
	Save(ctx context.Context, s *domain.FollowupSettings) error
}

// MailboxRepository resolves monitored mailboxes.
type MailboxRepository interface {
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.Mailbox, error)
}

// MailboxRegistry registers mailbox subscriptions.
type MailboxRegistry interface {
	MailboxRepository
	// Upsert creates or updates the mailbox keyed by its subscription id and
	// fills in its id and timestamps.
	Upsert(ctx context.Context, m *domain.Mailbox) error
}
