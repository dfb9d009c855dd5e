package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/core/service/classification"
	"tracker_server/core/service/threading"

	"github.com/google/uuid"
)

const (
	responseContinuationWindow = 72 * time.Hour
	recentTrackedWindow        = 7 * 24 * time.Hour
)

// Continuation signals, recorded as the decision method.
const (
	SignalThreadPosition = "thread_position"
	SignalRecentResponse = "recent_response"
	SignalReplySubject   = "reply_subject"
	SignalReplyHeaders   = "reply_headers"
	SignalRecentTracked  = "recent_tracked"
)

// Decision is the outcome for one outgoing message.
type Decision struct {
	ShouldCreate    bool
	Reason          string
	Signal          string
	ExistingEmailID *uuid.UUID
}

// DecisionEngine applies the tracking rules in order; the first match wins.
type DecisionEngine struct {
	conversations out.ConversationRepository
}

func NewDecisionEngine(conversations out.ConversationRepository) *DecisionEngine {
	return &DecisionEngine{conversations: conversations}
}

// ShouldCreateNewTrackedEmail decides whether msg starts a new tracked
// conversation.
func (e *DecisionEngine) ShouldCreateNewTrackedEmail(ctx context.Context, msg *domain.Message, cc *ConversationContext) (*Decision, error) {
	if classification.IsAutomatedFollowup(msg) {
		return &Decision{Reason: domain.ReasonAutomatedFollowup}, nil
	}

	if signal := continuationSignal(msg, cc); signal != "" {
		d := &Decision{Reason: domain.ReasonConversationContinuation, Signal: signal}
		if recent := cc.MostRecent(); recent != nil {
			id := recent.ID
			d.ExistingEmailID = &id
		}
		return d, nil
	}

	if msg.InternetMessageID != "" {
		existing, err := e.conversations.GetByInternetMessageID(ctx, msg.InternetMessageID)
		switch {
		case err == nil:
			id := existing.ID
			return &Decision{Reason: domain.ReasonAlreadyTracked, ExistingEmailID: &id}, nil
		case !errors.Is(err, out.ErrNotFound):
			return nil, fmt.Errorf("lookup by internet message id: %w", err)
		}
	}

	return &Decision{ShouldCreate: true, Reason: domain.ReasonNewConversationStarter}, nil
}

// continuationSignal returns the first continuation condition that holds.
func continuationSignal(msg *domain.Message, cc *ConversationContext) string {
	existing := cc.HasExistingTrackedEmails
	sentAt := msg.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}

	switch {
	case cc.ThreadPosition > 1 && existing:
		return SignalThreadPosition
	case cc.HasReceivedResponse && cc.LastResponseTime != nil && within(sentAt, *cc.LastResponseTime, responseContinuationWindow):
		return SignalRecentResponse
	case existing && threading.HasReplyPrefix(msg.Subject):
		return SignalReplySubject
	case existing && msg.HasReplyHeaders():
		return SignalReplyHeaders
	}
	if recent := cc.MostRecent(); recent != nil && within(sentAt, recent.SentAt, recentTrackedWindow) {
		return SignalRecentTracked
	}
	return ""
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
