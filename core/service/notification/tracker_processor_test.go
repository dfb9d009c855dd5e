package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tracker_server/adapter/out/memory"
	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/core/service/bounce"
	"tracker_server/core/service/classification"
	"tracker_server/core/service/detection"
	"tracker_server/core/service/followup"
	"tracker_server/core/service/security"
	"tracker_server/pkg/apperr"

	"github.com/emersion/go-message/mail"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

const (
	clientState    = "s3cr3t-state"
	subscriptionID = "sub-1"
	graphUserID    = "user-1"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeGateway struct {
	mu       sync.Mutex
	messages map[string]*domain.Message
	errs     map[string]error
	calls    atomic.Int32
}

func (g *fakeGateway) GetMessage(_ context.Context, userID, messageID string) (*domain.Message, error) {
	g.calls.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if userID != graphUserID {
		return nil, errors.New("wrong user")
	}
	if messageID == "boom" {
		panic("gateway exploded")
	}
	if err := g.errs[messageID]; err != nil {
		return nil, err
	}
	m, ok := g.messages[messageID]
	if !ok {
		return nil, errors.New("message not found")
	}
	cp := *m
	return &cp, nil
}

type memoryDeduper struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (d *memoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys[key] {
		return false, nil
	}
	d.keys[key] = true
	return true, nil
}

func (d *memoryDeduper) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}

type recordingEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *recordingEvents) Publish(_ context.Context, evt *out.TrackingEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, evt.Type)
	return nil
}

type memoryAudit struct {
	mu     sync.Mutex
	events []domain.SecurityAuditEvent
}

func (a *memoryAudit) Record(_ context.Context, events []domain.SecurityAuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, events...)
	return nil
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	store   *memory.Store
	gateway *fakeGateway
	deduper *memoryDeduper
	events  *recordingEvents
	audit   *memoryAudit
	mailbox *domain.Mailbox
	proc    *Processor
}

func newFixture(t *testing.T, withDeduper bool) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		gateway: &fakeGateway{messages: map[string]*domain.Message{}, errs: map[string]error{}},
		deduper: &memoryDeduper{keys: map[string]bool{}},
		events:  &recordingEvents{},
		audit:   &memoryAudit{},
		mailbox: &domain.Mailbox{
			ID:             uuid.New(),
			GraphUserID:    graphUserID,
			Address:        "sales@contoso.com",
			SubscriptionID: subscriptionID,
			Enabled:        true,
		},
	}
	f.store.AddMailbox(f.mailbox)

	settings := followup.NewSettingsService(f.store.Settings(), domain.DefaultFollowupSettings())
	deps := Deps{
		Validator:     security.NewValidator(security.Config{ClientState: clientState}, nil, nil, f.audit),
		Mailboxes:     f.store.Mailboxes(),
		Conversations: f.store.Conversations(),
		Responses:     f.store.Responses(),
		Logs:          f.store.DetectionLogs(),
		Gateway:       f.gateway,
		Events:        f.events,
		Followups:     followup.NewService(f.store.Conversations(), f.store.Followups(), settings, f.events),
		Detector:      detection.NewEngine(f.store.Conversations(), f.store.DetectionLogs(), detection.DefaultPolicy()),
		Bounces:       bounce.NewService(f.store.Conversations(), f.store.Responses(), f.store.DetectionLogs(), f.events),
		Tenant:        domain.TenantConfig{Domain: "contoso.com", ExcludeInternal: true},
		Concurrency:   4,
	}
	if withDeduper {
		deps.Deduper = f.deduper
	}
	f.proc = NewProcessor(deps)
	return f
}

func (f *fixture) addMessage(id string, m *domain.Message) {
	m.ID = id
	f.gateway.messages[id] = m
}

func created(messageID string) domain.ChangeNotification {
	return domain.ChangeNotification{
		SubscriptionID: subscriptionID,
		ChangeType:     domain.ChangeTypeCreated,
		Resource:       "Users/" + graphUserID + "/Messages/" + messageID,
		ClientState:    clientState,
	}
}

func batchOf(ns ...domain.ChangeNotification) *domain.NotificationBatch {
	return &domain.NotificationBatch{Value: ns, ReceivedAt: time.Now()}
}

func outgoingMessage(imid, subject string) *domain.Message {
	return &domain.Message{
		InternetMessageID: imid,
		ConversationID:    "conv-" + imid,
		ThreadIndex:       strings.Repeat("0A", 22),
		Subject:           subject,
		From:              "sales@contoso.com",
		To:                []string{"buyer@fabrikam.com"},
		SentAt:            time.Now().Add(-time.Minute),
	}
}

func outcomes(stats domain.BatchStats) []domain.Outcome {
	list := make([]domain.Outcome, len(stats.Results))
	for i, r := range stats.Results {
		list[i] = r.Outcome
	}
	return list
}

// =============================================================================
// Tests
// =============================================================================

func TestProcessBatch_TracksNewConversation(t *testing.T) {
	f := newFixture(t, false)
	f.addMessage("m1", outgoingMessage("first@contoso.com", "Proposal"))

	stats, err := f.proc.HandleBatch(context.Background(), batchOf(created("m1")), "203.0.113.7")
	if err != nil {
		t.Fatalf("HandleBatch: %v", err)
	}
	if stats.Processed != 1 || stats.Successful != 1 || stats.Failed != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	r := stats.Results[0]
	if r.Outcome != domain.OutcomeTracked || r.Reason != domain.ReasonNewConversationStarter || r.TrackedConversationID == nil {
		t.Fatalf("result = %+v", r)
	}

	convs := f.store.AllConversations()
	if len(convs) != 1 || convs[0].MailboxID != f.mailbox.ID {
		t.Fatalf("conversations = %+v", convs)
	}
	followups, _ := f.store.Followups().ListByConversation(context.Background(), convs[0].ID)
	if len(followups) != 1 || followups[0].FollowupNumber != 1 {
		t.Errorf("followups = %+v", followups)
	}
	if diff := cmp.Diff([]string{out.EventConversationTracked}, f.events.types); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestProcessBatch_SameMessageTwiceIsAlreadyTracked(t *testing.T) {
	f := newFixture(t, false)
	f.addMessage("m1", outgoingMessage("dup@contoso.com", "Proposal"))

	f.proc.ProcessBatch(context.Background(), batchOf(created("m1")))
	stats := f.proc.ProcessBatch(context.Background(), batchOf(created("m1")))

	if got := len(f.store.AllConversations()); got != 1 {
		t.Fatalf("conversations = %d, want 1", got)
	}
	r := stats.Results[0]
	if r.Outcome != domain.OutcomeDuplicate || r.Reason != domain.ReasonAlreadyTracked {
		t.Errorf("second result = %+v", r)
	}
	if stats.Successful != 1 || stats.Skipped != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestProcessBatch_ConcurrentDuplicatesInOneBatch(t *testing.T) {
	f := newFixture(t, false)
	// Two platform ids for the same internet message, as seen when a
	// message is copied between folders.
	f.addMessage("m1", outgoingMessage("same@contoso.com", "Proposal"))
	f.addMessage("m2", outgoingMessage("same@contoso.com", "Proposal"))

	stats := f.proc.ProcessBatch(context.Background(), batchOf(created("m1"), created("m2")))

	if got := len(f.store.AllConversations()); got != 1 {
		t.Fatalf("conversations = %d, want 1", got)
	}
	var tracked, duplicates int
	for _, r := range stats.Results {
		switch r.Outcome {
		case domain.OutcomeTracked:
			tracked++
		case domain.OutcomeDuplicate:
			duplicates++
		}
	}
	if tracked != 1 || duplicates != 1 {
		t.Errorf("outcomes = %v", outcomes(stats))
	}
}

func TestProcessBatch_DeduperShortCircuitsRedelivery(t *testing.T) {
	f := newFixture(t, true)
	f.addMessage("m1", outgoingMessage("once@contoso.com", "Proposal"))

	f.proc.ProcessBatch(context.Background(), batchOf(created("m1")))
	before := len(f.store.Logs())
	stats := f.proc.ProcessBatch(context.Background(), batchOf(created("m1")))

	if stats.Results[0].Outcome != domain.OutcomeDuplicate {
		t.Errorf("outcome = %s", stats.Results[0].Outcome)
	}
	if got := f.gateway.calls.Load(); got != 1 {
		t.Errorf("gateway calls = %d, want 1", got)
	}

	logs := f.store.Logs()
	if len(logs) != before+1 {
		t.Fatalf("logs = %d, want %d", len(logs), before+1)
	}
	last := logs[len(logs)-1]
	if last.Reason != domain.ReasonAlreadyTracked || last.DetectionType != domain.DetectionTypeTracking ||
		last.MessageID != "m1" || last.MailboxID != f.mailbox.ID {
		t.Errorf("redelivery log = %+v", last)
	}
}

func TestProcessBatch_ResponseCancelsFollowups(t *testing.T) {
	f := newFixture(t, false)
	f.addMessage("m1", outgoingMessage("root@contoso.com", "Proposal"))
	f.proc.ProcessBatch(context.Background(), batchOf(created("m1")))

	f.addMessage("r1", &domain.Message{
		InternetMessageID: "reply@fabrikam.com",
		ConversationID:    "conv-root@contoso.com",
		ThreadIndex:       strings.Repeat("0A", 22) + "0102030405",
		Subject:           "RE: Proposal",
		From:              "buyer@fabrikam.com",
		BodyPreview:       "Looks good",
		SentAt:            time.Now(),
		Headers:           mail.HeaderFromMap(map[string][]string{"In-Reply-To": {"<root@contoso.com>"}}),
	})
	stats := f.proc.ProcessBatch(context.Background(), batchOf(created("r1")))

	r := stats.Results[0]
	if r.Outcome != domain.OutcomeResponse || r.Reason != domain.ReasonResponseDetected {
		t.Fatalf("result = %+v", r)
	}
	conv, _ := f.store.Conversations().GetByID(context.Background(), *r.TrackedConversationID)
	if conv.Status != domain.ConversationStatusResponded {
		t.Errorf("status = %s", conv.Status)
	}
	followups, _ := f.store.Followups().ListByConversation(context.Background(), conv.ID)
	if len(followups) != 1 || followups[0].Status != domain.FollowupStatusCancelled {
		t.Errorf("followups = %+v", followups)
	}
	responses := f.store.AllResponses()
	if len(responses) != 1 || responses[0].ResponseType != domain.ResponseTypeDirectReply || responses[0].Confidence != 95 {
		t.Errorf("responses = %+v", responses)
	}
}

func TestProcessBatch_SkipReasons(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(f *fixture)
		n           domain.ChangeNotification
		wantOutcome domain.Outcome
		wantReason  string
	}{
		{
			name:        "updated change type",
			n:           domain.ChangeNotification{SubscriptionID: subscriptionID, ChangeType: domain.ChangeTypeUpdated, Resource: "users/user-1/messages/x"},
			wantOutcome: domain.OutcomeSkipped,
			wantReason:  ReasonUnsupportedChange,
		},
		{
			name: "internal colleague",
			setup: func(f *fixture) {
				f.addMessage("c1", &domain.Message{InternetMessageID: "c1@contoso.com", Subject: "Lunch?", From: "colleague@contoso.com"})
			},
			n:           created("c1"),
			wantOutcome: domain.OutcomeSkipped,
			wantReason:  domain.ReasonInternalEmail,
		},
		{
			name: "automated followup",
			setup: func(f *fixture) {
				m := outgoingMessage("f1@contoso.com", "Proposal")
				m.Headers = mail.HeaderFromMap(map[string][]string{classification.HeaderFollowupMarker: {"true"}})
				f.addMessage("f1", m)
			},
			n:           created("f1"),
			wantOutcome: domain.OutcomeSkipped,
			wantReason:  domain.ReasonAutomatedFollowup,
		},
		{
			name: "incoming newsletter",
			setup: func(f *fixture) {
				f.addMessage("n1", &domain.Message{InternetMessageID: "n1@news.example", Subject: "Weekly digest", From: "news@news.example"})
			},
			n:           created("n1"),
			wantOutcome: domain.OutcomeSkipped,
			wantReason:  domain.ReasonNotAReply,
		},
		{
			name: "bounce without conversation",
			setup: func(f *fixture) {
				f.addMessage("b1", &domain.Message{InternetMessageID: "b1@mx.example", Subject: "Undeliverable", From: "postmaster@mx.example"})
			},
			n:           created("b1"),
			wantOutcome: domain.OutcomeSkipped,
			wantReason:  domain.ReasonBounceUnmatched,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			if tt.setup != nil {
				tt.setup(f)
			}
			stats := f.proc.ProcessBatch(context.Background(), batchOf(tt.n))
			r := stats.Results[0]
			if r.Outcome != tt.wantOutcome || r.Reason != tt.wantReason {
				t.Errorf("result = %s/%s, want %s/%s (err %q)", r.Outcome, r.Reason, tt.wantOutcome, tt.wantReason, r.Error)
			}
			if len(f.store.AllConversations()) != 0 {
				t.Error("no conversation should be tracked")
			}
		})
	}
}

func TestProcessBatch_Bounce(t *testing.T) {
	f := newFixture(t, false)
	f.addMessage("m1", outgoingMessage("root@contoso.com", "Proposal"))
	f.proc.ProcessBatch(context.Background(), batchOf(created("m1")))

	f.addMessage("b1", &domain.Message{
		InternetMessageID: "ndr@contoso.com",
		ConversationID:    "conv-root@contoso.com",
		Subject:           "Undeliverable: Proposal",
		From:              "postmaster@contoso.com",
		BodyPreview:       "550 5.1.1 recipient not found",
	})
	stats := f.proc.ProcessBatch(context.Background(), batchOf(created("b1")))

	if r := stats.Results[0]; r.Outcome != domain.OutcomeBounce {
		t.Fatalf("result = %+v", r)
	}
	convs := f.store.AllConversations()
	if convs[0].Status != domain.ConversationStatusBounced {
		t.Errorf("status = %s", convs[0].Status)
	}
}

func TestProcessBatch_FailuresAreIsolated(t *testing.T) {
	f := newFixture(t, true)
	f.addMessage("ok", outgoingMessage("ok@contoso.com", "Proposal"))
	f.gateway.errs["flaky"] = errors.New("graph: 503 service unavailable")

	bad := created("x")
	bad.SubscriptionID = "unknown-sub"

	stats := f.proc.ProcessBatch(context.Background(), batchOf(
		created("flaky"),
		created("boom"),
		created("ok"),
		bad,
		domain.ChangeNotification{SubscriptionID: subscriptionID, ChangeType: domain.ChangeTypeCreated, Resource: "subscriptions/x"},
	))

	if stats.Processed != 5 || stats.Failed != 4 || stats.Successful != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(stats.Errors) != 4 {
		t.Errorf("errors = %v", stats.Errors)
	}
	for _, e := range stats.Errors {
		if strings.Contains(e, "exploded") {
			t.Errorf("panic value leaked into errors: %q", e)
		}
	}
	if r := stats.Results[1]; r.Error != "internal error" {
		t.Errorf("panicking item error = %q, want internal error", r.Error)
	}
	want := []domain.Outcome{domain.OutcomeFailed, domain.OutcomeFailed, domain.OutcomeTracked, domain.OutcomeFailed, domain.OutcomeFailed}
	if diff := cmp.Diff(want, outcomes(stats)); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}

	// Failed items release their dedupe claim so redelivery can retry.
	f.deduper.mu.Lock()
	_, flakyClaimed := f.deduper.keys["notif:"+subscriptionID+":flaky"]
	_, okClaimed := f.deduper.keys["notif:"+subscriptionID+":ok"]
	f.deduper.mu.Unlock()
	if flakyClaimed || !okClaimed {
		t.Errorf("dedupe keys: flaky=%v ok=%v", flakyClaimed, okClaimed)
	}
}

func TestHandleBatch_ClientStateMismatchRejectsWholeBatch(t *testing.T) {
	f := newFixture(t, false)
	f.addMessage("m1", outgoingMessage("a@contoso.com", "Proposal"))
	f.addMessage("m2", outgoingMessage("b@contoso.com", "Pricing"))

	forged := created("m2")
	forged.ClientState = "guess"

	_, err := f.proc.HandleBatch(context.Background(), batchOf(created("m1"), forged), "198.51.100.4")
	if !apperr.HasCode(err, apperr.CodeSecurityFailure) {
		t.Fatalf("err = %v, want security failure", err)
	}
	if got := f.gateway.calls.Load(); got != 0 {
		t.Errorf("gateway calls = %d, want 0", got)
	}
	if len(f.store.AllConversations()) != 0 || len(f.store.Logs()) != 0 {
		t.Error("nothing may be processed after a security failure")
	}

	f.audit.mu.Lock()
	defer f.audit.mu.Unlock()
	if len(f.audit.events) != 1 || f.audit.events[0].Passed || f.audit.events[0].Check != security.CheckClientState {
		t.Errorf("audit = %+v", f.audit.events)
	}
}
