package bounce

import (
	"context"
	"sync"
	"testing"
	"time"

	"tracker_server/adapter/out/memory"
	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/core/service/classification"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*out.TrackingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, evt *out.TrackingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

var mailboxID = uuid.MustParse("c7a0b6f1-2d9e-4d0b-8a7e-1f5b6c3d2e10")

func track(t *testing.T, store *memory.Store, imid, conversationID string) *domain.TrackedConversation {
	t.Helper()
	c := domain.NewTrackedConversation(mailboxID, &domain.Message{
		ID:                "p-" + imid,
		InternetMessageID: imid,
		ConversationID:    conversationID,
		Subject:           "Proposal",
		From:              "sales@contoso.com",
		SentAt:            time.Now().Add(-time.Hour),
	}, 1)
	if err := store.Conversations().Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	sched := domain.NewFollowup(c.ID, 1, domain.ScheduleSlot{ScheduledFor: time.Now().Add(72 * time.Hour)})
	if err := store.Followups().Create(context.Background(), sched); err != nil {
		t.Fatal(err)
	}
	return c
}

func ndr(conversationID string, headers map[string][]string) *domain.Message {
	return &domain.Message{
		ID:                "ndr-1",
		InternetMessageID: "ndr-1@mail.contoso.com",
		ConversationID:    conversationID,
		Subject:           "Undeliverable: Proposal",
		From:              "postmaster@contoso.com",
		BodyPreview:       "Remote server returned '550 5.1.1 User unknown'",
		Headers:           mail.HeaderFromMap(headers),
	}
}

func TestHandle(t *testing.T) {
	tests := []struct {
		name        string
		msg         *domain.Message
		wantMatched bool
		wantMethod  string
	}{
		{
			name:        "resolved by conversation id",
			msg:         ndr("conv-1", nil),
			wantMatched: true,
			wantMethod:  "conversation_id",
		},
		{
			name:        "resolved by referenced message id",
			msg:         ndr("other-conv", map[string][]string{"References": {"<root@contoso.com>"}}),
			wantMatched: true,
			wantMethod:  "reply_headers",
		},
		{
			name: "unmatched bounce",
			msg:  ndr("other-conv", nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.NewStore()
			conv := track(t, store, "root@contoso.com", "conv-1")
			events := &recordingPublisher{}
			svc := NewService(store.Conversations(), store.Responses(), store.DetectionLogs(), events)

			sig, ok := classification.DetectBounce(tt.msg)
			if !ok {
				t.Fatal("expected bounce signature")
			}
			res, err := svc.Handle(context.Background(), mailboxID, tt.msg, sig)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if res.Matched != tt.wantMatched {
				t.Fatalf("Matched = %v, want %v", res.Matched, tt.wantMatched)
			}
			if res.Kind != domain.BounceHard {
				t.Errorf("Kind = %s, want hard", res.Kind)
			}

			logs := store.Logs()
			if len(logs) != 1 || logs[0].DetectionType != domain.DetectionTypeBounce {
				t.Fatalf("logs = %+v", logs)
			}

			got, _ := store.Conversations().GetByID(context.Background(), conv.ID)
			followups, _ := store.Followups().ListByConversation(context.Background(), conv.ID)

			if !tt.wantMatched {
				if logs[0].Reason != domain.ReasonBounceUnmatched {
					t.Errorf("Reason = %s", logs[0].Reason)
				}
				if got.Status != domain.ConversationStatusPending {
					t.Errorf("Status = %s, want pending", got.Status)
				}
				if len(events.events) != 0 {
					t.Errorf("unexpected events %d", len(events.events))
				}
				return
			}

			if logs[0].Reason != domain.ReasonBounceDetected || logs[0].Method != tt.wantMethod {
				t.Errorf("log = %s/%s", logs[0].Reason, logs[0].Method)
			}
			if got.Status != domain.ConversationStatusBounced {
				t.Errorf("Status = %s, want bounced", got.Status)
			}
			if len(followups) != 1 || followups[0].Status != domain.FollowupStatusCancelled {
				t.Errorf("followups = %+v", followups)
			}
			if len(events.events) != 1 || events.events[0].Type != out.EventConversationBounced {
				t.Errorf("events = %+v", events.events)
			}
		})
	}
}

func TestHandle_RedeliveredBounceIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	track(t, store, "root@contoso.com", "conv-1")
	events := &recordingPublisher{}
	svc := NewService(store.Conversations(), store.Responses(), nil, events)

	msg := ndr("conv-1", nil)
	sig, _ := classification.DetectBounce(msg)

	first, err := svc.Handle(context.Background(), mailboxID, msg, sig)
	if err != nil || !first.Transitioned {
		t.Fatalf("first Handle = %+v, %v", first, err)
	}

	// The conversation is no longer pending, so the redelivery cannot match.
	second, err := svc.Handle(context.Background(), mailboxID, msg, sig)
	if err != nil {
		t.Fatal(err)
	}
	if second.Transitioned {
		t.Error("second bounce must not transition")
	}
	if len(store.AllResponses()) != 1 {
		t.Errorf("responses = %d, want 1", len(store.AllResponses()))
	}
	if len(events.events) != 1 {
		t.Errorf("events = %d, want 1", len(events.events))
	}
}
