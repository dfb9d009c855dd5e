package domain

import (
	"time"

	"github.com/google/uuid"
)

// DetectionType is the pipeline stage that produced a log entry.
type DetectionType string

const (
	DetectionTypeTracking  DetectionType = "tracking"
	DetectionTypeResponse  DetectionType = "response"
	DetectionTypeBounce    DetectionType = "bounce"
	DetectionTypeExclusion DetectionType = "exclusion"
)

// Reason codes recorded with every detection attempt.
const (
	ReasonNewConversationStarter   = "new_conversation_starter"
	ReasonAlreadyTracked           = "already_tracked"
	ReasonInternalEmail            = "internal_email"
	ReasonAutomatedFollowup        = "automated_followup"
	ReasonConversationContinuation = "conversation_continuation"
	ReasonNotAReply                = "not_a_reply"
	ReasonResponseDetected         = "response_detected"
	ReasonUnresolvedOriginal       = "unresolved_original"
	ReasonBounceDetected           = "bounce_detected"
	ReasonBounceUnmatched          = "bounce_unmatched"
)

// Direction of a message relative to the tracked mailbox.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionUnknown  Direction = "unknown"
)

// DetectionLog is an append-only record of a detection attempt.
type DetectionLog struct {
	ID                    uuid.UUID      `json:"id" db:"id"`
	MailboxID             uuid.UUID      `json:"mailbox_id" db:"mailbox_id"`
	MessageID             string         `json:"message_id" db:"message_id"`
	InternetMessageID     string         `json:"internet_message_id" db:"internet_message_id"`
	ConversationID        string         `json:"conversation_id" db:"conversation_id"`
	Direction             Direction      `json:"direction" db:"direction"`
	DetectionType         DetectionType  `json:"detection_type" db:"detection_type"`
	Matched               bool           `json:"matched" db:"matched"`
	Method                string         `json:"method,omitempty" db:"method"`
	Confidence            int            `json:"confidence" db:"confidence"`
	TrackedConversationID *uuid.UUID     `json:"tracked_conversation_id,omitempty" db:"tracked_conversation_id"`
	Reason                string         `json:"reason" db:"reason"`
	ElapsedMs             float64        `json:"elapsed_ms" db:"elapsed_ms"`
	Details               map[string]any `json:"details,omitempty" db:"-"`
	CreatedAt             time.Time      `json:"created_at" db:"created_at"`
}

// NewDetectionLog starts a log entry for msg.
func NewDetectionLog(mailboxID uuid.UUID, msg *Message, kind DetectionType, dir Direction) *DetectionLog {
	return &DetectionLog{
		ID:                uuid.New(),
		MailboxID:         mailboxID,
		MessageID:         msg.ID,
		InternetMessageID: msg.InternetMessageID,
		ConversationID:    msg.ConversationID,
		Direction:         dir,
		DetectionType:     kind,
		CreatedAt:         time.Now().UTC(),
	}
}
