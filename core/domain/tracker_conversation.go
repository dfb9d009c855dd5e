package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the lifecycle state of a tracked conversation.
type ConversationStatus string

const (
	ConversationStatusPending    ConversationStatus = "pending"
	ConversationStatusResponded  ConversationStatus = "responded"
	ConversationStatusStopped    ConversationStatus = "stopped"
	ConversationStatusMaxReached ConversationStatus = "max_reached"
	ConversationStatusBounced    ConversationStatus = "bounced"
	ConversationStatusExpired    ConversationStatus = "expired"
)

// IsTerminal reports whether the status ends followup activity.
func (s ConversationStatus) IsTerminal() bool {
	return s != ConversationStatusPending
}

// IsValid reports whether s is a known status.
func (s ConversationStatus) IsValid() bool {
	switch s {
	case ConversationStatusPending, ConversationStatusResponded, ConversationStatusStopped,
		ConversationStatusMaxReached, ConversationStatusBounced, ConversationStatusExpired:
		return true
	}
	return false
}

// TrackedConversation is the outbound message chosen to represent the start
// of a trackable exchange.
type TrackedConversation struct {
	ID        uuid.UUID `json:"id" db:"id"`
	MailboxID uuid.UUID `json:"mailbox_id" db:"mailbox_id"`

	// Platform identity. All opaque strings from the mail platform.
	MessageID         string   `json:"message_id" db:"message_id"`
	ConversationID    string   `json:"conversation_id" db:"conversation_id"`
	ThreadIndex       string   `json:"thread_index,omitempty" db:"thread_index"`
	InternetMessageID string   `json:"internet_message_id" db:"internet_message_id"`
	InReplyTo         string   `json:"in_reply_to,omitempty" db:"in_reply_to"`
	References        []string `json:"references,omitempty" db:"references"`

	Subject     string     `json:"subject" db:"subject"`
	FromAddress string     `json:"from_address" db:"from_address"`
	ToAddresses []string   `json:"to_addresses" db:"to_addresses"`
	CcAddresses []string   `json:"cc_addresses,omitempty" db:"cc_addresses"`
	BodyPreview string     `json:"body_preview,omitempty" db:"body_preview"`
	ThreadPos   int        `json:"thread_position" db:"thread_position"`
	IsReply     bool       `json:"is_reply" db:"is_reply"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty" db:"parent_id"`

	Status      ConversationStatus `json:"status" db:"status"`
	SentAt      time.Time          `json:"sent_at" db:"sent_at"`
	RespondedAt *time.Time         `json:"responded_at,omitempty" db:"responded_at"`
	StoppedAt   *time.Time         `json:"stopped_at,omitempty" db:"stopped_at"`
	StopReason  string             `json:"stop_reason,omitempty" db:"stop_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// NewTrackedConversation builds a pending conversation from an outgoing message.
func NewTrackedConversation(mailboxID uuid.UUID, msg *Message, threadPos int) *TrackedConversation {
	now := time.Now().UTC()
	return &TrackedConversation{
		ID:                uuid.New(),
		MailboxID:         mailboxID,
		MessageID:         msg.ID,
		ConversationID:    msg.ConversationID,
		ThreadIndex:       msg.ThreadIndex,
		InternetMessageID: msg.InternetMessageID,
		InReplyTo:         msg.InReplyTo(),
		References:        msg.References(),
		Subject:           msg.Subject,
		FromAddress:       msg.From,
		ToAddresses:       msg.To,
		CcAddresses:       msg.Cc,
		BodyPreview:       msg.BodyPreview,
		ThreadPos:         threadPos,
		IsReply:           threadPos > 1 || msg.HasReplyHeaders(),
		Status:            ConversationStatusPending,
		SentAt:            msg.SentAt,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// CanTransitionTo reports whether the conversation may move to next.
// Only pending conversations move; terminal statuses are final.
func (c *TrackedConversation) CanTransitionTo(next ConversationStatus) bool {
	return c.Status == ConversationStatusPending && next.IsTerminal() && next.IsValid()
}
