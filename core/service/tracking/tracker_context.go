// Package tracking decides which outgoing messages become tracked
// conversations.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/core/service/threading"

	"github.com/google/uuid"
)

// ConversationContext is the prior tracked state of a message's thread.
type ConversationContext struct {
	ThreadPosition             int
	HasExistingTrackedEmails   bool
	IsPartOfActiveConversation bool
	HasReceivedResponse        bool
	LastResponseTime           *time.Time
	TotalMessagesInThread      int

	// ConversationStartedByUs is inferred from the most recent tracked email
	// having been answered. It is informational only.
	ConversationStartedByUs bool

	// Existing holds the thread's tracked emails, newest first, excluding
	// the message being analyzed.
	Existing []*domain.TrackedConversation
}

// MostRecent returns the newest tracked email in the thread, if any.
func (c *ConversationContext) MostRecent() *domain.TrackedConversation {
	if len(c.Existing) == 0 {
		return nil
	}
	return c.Existing[0]
}

// Analyzer loads conversation context for outgoing messages.
type Analyzer struct {
	conversations out.ConversationRepository
	responses     out.ResponseRepository
}

func NewAnalyzer(conversations out.ConversationRepository, responses out.ResponseRepository) *Analyzer {
	return &Analyzer{conversations: conversations, responses: responses}
}

// Analyze computes thread metrics for msg sent from the mailbox.
func (a *Analyzer) Analyze(ctx context.Context, mailboxID uuid.UUID, msg *domain.Message) (*ConversationContext, error) {
	cc := &ConversationContext{
		ThreadPosition:        threading.Depth(msg.ThreadIndex),
		TotalMessagesInThread: 1,
	}

	if msg.ConversationID != "" {
		all, err := a.conversations.ListByConversationID(ctx, mailboxID, msg.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("list tracked conversations: %w", err)
		}
		for _, c := range all {
			if c.InternetMessageID == msg.InternetMessageID || (msg.ID != "" && c.MessageID == msg.ID) {
				continue
			}
			cc.Existing = append(cc.Existing, c)
		}
	}
	cc.HasExistingTrackedEmails = len(cc.Existing) > 0

	if recent := cc.MostRecent(); recent != nil {
		resp, err := a.responses.LatestForConversation(ctx, recent.ID)
		switch {
		case err == nil:
			at := resp.ReceivedAt
			cc.HasReceivedResponse = true
			cc.LastResponseTime = &at
		case errors.Is(err, out.ErrNotFound):
		default:
			return nil, fmt.Errorf("latest response: %w", err)
		}
		cc.ConversationStartedByUs = recent.Status == domain.ConversationStatusResponded
	}

	cc.IsPartOfActiveConversation = cc.ThreadPosition > 1 || cc.HasReceivedResponse
	if n := len(cc.Existing) + 1; n > cc.TotalMessagesInThread {
		cc.TotalMessagesInThread = n
	}
	if cc.ThreadPosition > cc.TotalMessagesInThread {
		cc.TotalMessagesInThread = cc.ThreadPosition
	}
	return cc, nil
}
