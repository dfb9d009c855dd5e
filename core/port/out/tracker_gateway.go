package out

import (
	"context"
	"time"

	"tracker_server/core/domain"

	"github.com/google/uuid"
)

// MessageGateway fetches full messages from the mail platform.
type MessageGateway interface {
	GetMessage(ctx context.Context, userID, messageID string) (*domain.Message, error)
}

// Tracking event types.
const (
	EventConversationTracked   = "tracking.conversation.tracked"
	EventConversationResponded = "tracking.conversation.responded"
	EventConversationBounced   = "tracking.conversation.bounced"
	EventConversationStopped   = "tracking.conversation.stopped"
)

// TrackingEvent is published after a state transition is persisted.
type TrackingEvent struct {
	ID                    uuid.UUID `json:"id"`
	Type                  string    `json:"type"`
	MailboxID             uuid.UUID `json:"mailbox_id"`
	TrackedConversationID uuid.UUID `json:"tracked_conversation_id"`
	InternetMessageID     string    `json:"internet_message_id,omitempty"`
	Reason                string    `json:"reason,omitempty"`
	OccurredAt            time.Time `json:"occurred_at"`
}

// EventPublisher publishes tracking events.
type EventPublisher interface {
	Publish(ctx context.Context, evt *TrackingEvent) error
}

// SecurityAuditLog stores security check outcomes.
type SecurityAuditLog interface {
	Record(ctx context.Context, events []domain.SecurityAuditEvent) error
}

// NotificationDeduper suppresses redelivered notifications.
type NotificationDeduper interface {
	// Claim returns false when key was already claimed.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MessageSnapshot is a compact copy of a processed message kept for tuning
// detection heuristics.
type MessageSnapshot struct {
	MailboxID         string            `json:"mailbox_id" bson:"mailbox_id"`
	MessageID         string            `json:"message_id" bson:"message_id"`
	InternetMessageID string            `json:"internet_message_id" bson:"internet_message_id"`
	ConversationID    string            `json:"conversation_id" bson:"conversation_id"`
	ThreadIndex       string            `json:"thread_index" bson:"thread_index"`
	Subject           string            `json:"subject" bson:"subject"`
	From              string            `json:"from" bson:"from"`
	BodyPreview       string            `json:"body_preview" bson:"body_preview"`
	Headers           map[string]string `json:"headers" bson:"headers"`
	Direction         string            `json:"direction" bson:"direction"`
	Outcome           string            `json:"outcome" bson:"outcome"`
	Reason            string            `json:"reason" bson:"reason"`
	SentAt            time.Time         `json:"sent_at" bson:"sent_at"`
	CreatedAt         time.Time         `json:"created_at" bson:"created_at"`
}

// MessageSnapshotStore keeps message snapshots.
type MessageSnapshotStore interface {
	Save(ctx context.Context, snap *MessageSnapshot) error
}

// NotificationQueue hands validated batches to the processing side.
type NotificationQueue interface {
	Enqueue(ctx context.Context, batch *domain.NotificationBatch) error
}
