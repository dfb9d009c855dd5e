package domain

import (
	"time"

	"github.com/google/uuid"
)

// ResponseType classifies a detected inbound reply.
type ResponseType string

const (
	ResponseTypeDirectReply ResponseType = "direct_reply"
	ResponseTypeForward     ResponseType = "forward"
	ResponseTypeAutoReply   ResponseType = "auto_reply"
	ResponseTypeBounce      ResponseType = "bounce"
)

// Response is an immutable record of an inbound message linked to a tracked
// conversation.
type Response struct {
	ID                    uuid.UUID    `json:"id" db:"id"`
	TrackedConversationID uuid.UUID    `json:"tracked_conversation_id" db:"tracked_conversation_id"`
	MessageID             string       `json:"message_id" db:"message_id"`
	InternetMessageID     string       `json:"internet_message_id" db:"internet_message_id"`
	FromAddress           string       `json:"from_address" db:"from_address"`
	Subject               string       `json:"subject" db:"subject"`
	ResponseType          ResponseType `json:"response_type" db:"response_type"`
	DetectionMethod       string       `json:"detection_method" db:"detection_method"`
	Confidence            int          `json:"confidence" db:"confidence"`
	ReceivedAt            time.Time    `json:"received_at" db:"received_at"`
	CreatedAt             time.Time    `json:"created_at" db:"created_at"`
}

// ConversationStatusAfter returns the status a conversation takes when this
// response is recorded.
func (r *Response) ConversationStatusAfter() ConversationStatus {
	if r.ResponseType == ResponseTypeBounce {
		return ConversationStatusBounced
	}
	return ConversationStatusResponded
}

// BounceKind distinguishes permanent and transient delivery failures.
type BounceKind string

const (
	BounceHard BounceKind = "hard"
	BounceSoft BounceKind = "soft"
)
