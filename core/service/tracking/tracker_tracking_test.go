package tracking

import (
	"context"
	"strings"
	"testing"
	"time"

	"tracker_server/adapter/out/memory"
	"tracker_server/core/domain"
	"tracker_server/core/service/classification"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

var (
	mailboxID = uuid.MustParse("5f0c7a52-8f7e-4c1e-9a43-0d4c2f7d9b10")
	now       = time.Date(2024, 5, 20, 10, 0, 0, 0, time.UTC)
	rootIndex = strings.Repeat("01", 22)
)

func seed(t *testing.T, store *memory.Store, imid string, sentAt time.Time) *domain.TrackedConversation {
	t.Helper()
	msg := &domain.Message{
		ID:                "platform-" + imid,
		InternetMessageID: imid,
		ConversationID:    "conv-1",
		ThreadIndex:       rootIndex,
		Subject:           "Proposal",
		From:              "sales@contoso.com",
		SentAt:            sentAt,
	}
	c := domain.NewTrackedConversation(mailboxID, msg, 1)
	if err := store.Conversations().Create(context.Background(), c); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c
}

func outgoing(imid, subject string, depth int, headers map[string][]string) *domain.Message {
	return &domain.Message{
		ID:                "platform-" + imid,
		InternetMessageID: imid,
		ConversationID:    "conv-1",
		ThreadIndex:       rootIndex + strings.Repeat("AB", 5*(depth-1)),
		Subject:           subject,
		From:              "sales@contoso.com",
		SentAt:            now,
		Headers:           mail.HeaderFromMap(headers),
	}
}

func decide(t *testing.T, store *memory.Store, msg *domain.Message) *Decision {
	t.Helper()
	ctx := context.Background()
	cc, err := NewAnalyzer(store.Conversations(), store.Responses()).Analyze(ctx, mailboxID, msg)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	d, err := NewDecisionEngine(store.Conversations()).ShouldCreateNewTrackedEmail(ctx, msg, cc)
	if err != nil {
		t.Fatalf("ShouldCreateNewTrackedEmail: %v", err)
	}
	return d
}

func TestShouldCreateNewTrackedEmail(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(t *testing.T, s *memory.Store)
		msg        *domain.Message
		wantCreate bool
		wantReason string
		wantSignal string
	}{
		{
			name:       "fresh message starts a conversation",
			msg:        outgoing("new@contoso.com", "Proposal", 1, nil),
			wantCreate: true,
			wantReason: domain.ReasonNewConversationStarter,
		},
		{
			name: "automated followup marker wins",
			setup: func(t *testing.T, s *memory.Store) {
				seed(t, s, "root@contoso.com", now.Add(-time.Hour))
			},
			msg:        outgoing("f1@contoso.com", "Proposal", 2, map[string][]string{classification.HeaderFollowupMarker: {"true"}}),
			wantReason: domain.ReasonAutomatedFollowup,
		},
		{
			name: "thread position two with existing tracked email",
			setup: func(t *testing.T, s *memory.Store) {
				seed(t, s, "root@contoso.com", now.Add(-30*24*time.Hour))
			},
			msg:        outgoing("reply@contoso.com", "Proposal", 2, nil),
			wantReason: domain.ReasonConversationContinuation,
			wantSignal: SignalThreadPosition,
		},
		{
			name: "message sent within 72h of a response",
			setup: func(t *testing.T, s *memory.Store) {
				c := seed(t, s, "root@contoso.com", now.Add(-10*24*time.Hour))
				_, err := s.Responses().Record(context.Background(), &domain.Response{
					ID:                    uuid.New(),
					TrackedConversationID: c.ID,
					InternetMessageID:     "answer@fabrikam.com",
					ResponseType:          domain.ResponseTypeDirectReply,
					ReceivedAt:            now.Add(-24 * time.Hour),
				})
				if err != nil {
					t.Fatal(err)
				}
			},
			msg:        outgoing("next@contoso.com", "Proposal", 1, nil),
			wantReason: domain.ReasonConversationContinuation,
			wantSignal: SignalRecentResponse,
		},
		{
			name: "reply prefix with existing tracked email",
			setup: func(t *testing.T, s *memory.Store) {
				seed(t, s, "root@contoso.com", now.Add(-30*24*time.Hour))
			},
			msg:        outgoing("re@contoso.com", "RE: Proposal", 1, nil),
			wantReason: domain.ReasonConversationContinuation,
			wantSignal: SignalReplySubject,
		},
		{
			name: "reply headers with existing tracked email",
			setup: func(t *testing.T, s *memory.Store) {
				seed(t, s, "root@contoso.com", now.Add(-30*24*time.Hour))
			},
			msg:        outgoing("hdr@contoso.com", "Proposal", 1, map[string][]string{"In-Reply-To": {"<root@contoso.com>"}}),
			wantReason: domain.ReasonConversationContinuation,
			wantSignal: SignalReplyHeaders,
		},
		{
			name: "recent tracked email in same conversation",
			setup: func(t *testing.T, s *memory.Store) {
				seed(t, s, "root@contoso.com", now.Add(-3*24*time.Hour))
			},
			msg:        outgoing("again@contoso.com", "Proposal", 1, nil),
			wantReason: domain.ReasonConversationContinuation,
			wantSignal: SignalRecentTracked,
		},
		{
			name: "stale conversation without reply signals starts anew",
			setup: func(t *testing.T, s *memory.Store) {
				seed(t, s, "root@contoso.com", now.Add(-30*24*time.Hour))
			},
			msg:        outgoing("restart@contoso.com", "Proposal", 1, nil),
			wantCreate: true,
			wantReason: domain.ReasonNewConversationStarter,
		},
		{
			name: "redelivered message is already tracked",
			setup: func(t *testing.T, s *memory.Store) {
				seed(t, s, "dup@contoso.com", now)
			},
			msg:        outgoing("dup@contoso.com", "Proposal", 1, nil),
			wantReason: domain.ReasonAlreadyTracked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			if tt.setup != nil {
				tt.setup(t, store)
			}

			d := decide(t, store, tt.msg)
			if d.ShouldCreate != tt.wantCreate {
				t.Errorf("ShouldCreate = %v, want %v", d.ShouldCreate, tt.wantCreate)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", d.Reason, tt.wantReason)
			}
			if d.Signal != tt.wantSignal {
				t.Errorf("Signal = %q, want %q", d.Signal, tt.wantSignal)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "a@contoso.com", now.Add(-48*time.Hour))
	newer := seed(t, store, "b@contoso.com", now.Add(-24*time.Hour))

	if _, err := store.Responses().Record(context.Background(), &domain.Response{
		ID:                    uuid.New(),
		TrackedConversationID: newer.ID,
		InternetMessageID:     "answer@fabrikam.com",
		ResponseType:          domain.ResponseTypeDirectReply,
		ReceivedAt:            now.Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	cc, err := NewAnalyzer(store.Conversations(), store.Responses()).
		Analyze(context.Background(), mailboxID, outgoing("c@contoso.com", "RE: Proposal", 3, nil))
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	if cc.ThreadPosition != 3 {
		t.Errorf("ThreadPosition = %d", cc.ThreadPosition)
	}
	if !cc.HasExistingTrackedEmails || len(cc.Existing) != 2 {
		t.Errorf("existing = %d", len(cc.Existing))
	}
	if cc.MostRecent().ID != newer.ID {
		t.Error("most recent should be the newer tracked email")
	}
	if !cc.HasReceivedResponse || cc.LastResponseTime == nil || !cc.LastResponseTime.Equal(now.Add(-time.Hour)) {
		t.Errorf("response metrics = %v %v", cc.HasReceivedResponse, cc.LastResponseTime)
	}
	if !cc.IsPartOfActiveConversation {
		t.Error("expected active conversation")
	}
	if !cc.ConversationStartedByUs {
		t.Error("responded most recent email implies conversation started by us")
	}
	if cc.TotalMessagesInThread != 3 {
		t.Errorf("TotalMessagesInThread = %d", cc.TotalMessagesInThread)
	}
}

func TestAnalyze_NoConversationID(t *testing.T) {
	store := memory.NewStore()
	seed(t, store, "a@contoso.com", now)

	msg := outgoing("x@contoso.com", "Hello", 1, nil)
	msg.ConversationID = ""
	cc, err := NewAnalyzer(store.Conversations(), store.Responses()).Analyze(context.Background(), mailboxID, msg)
	if err != nil {
		t.Fatal(err)
	}
	if cc.HasExistingTrackedEmails || cc.IsPartOfActiveConversation {
		t.Errorf("unexpected context %+v", cc)
	}
}
