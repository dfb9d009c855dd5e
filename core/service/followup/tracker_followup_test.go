package followup

import (
	"context"
	"testing"
	"time"

	"tracker_server/adapter/out/memory"
	"tracker_server/core/domain"
	"tracker_server/pkg/apperr"

	"github.com/google/uuid"
)

// Friday 2024-05-17 16:00 UTC.
var friday = time.Date(2024, 5, 17, 16, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) (*memory.Store, *Service, *SettingsService) {
	t.Helper()
	store := memory.NewStore()
	settings := NewSettingsService(store.Settings(), domain.DefaultFollowupSettings())
	svc := NewService(store.Conversations(), store.Followups(), settings, nil)
	svc.now = func() time.Time { return friday }
	return store, svc, settings
}

func trackAt(t *testing.T, store *memory.Store, sentAt time.Time) *domain.TrackedConversation {
	t.Helper()
	c := domain.NewTrackedConversation(uuid.New(), &domain.Message{
		ID:                uuid.NewString(),
		InternetMessageID: uuid.NewString() + "@contoso.com",
		ConversationID:    "conv",
		Subject:           "Proposal",
		From:              "sales@contoso.com",
		SentAt:            sentAt,
	}, 1)
	if err := store.Conversations().Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestScheduleFirst(t *testing.T) {
	store, svc, _ := newFixture(t)
	// Tuesday 10:00 + 72h = Friday 10:00, inside the window.
	conv := trackAt(t, store, time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC))

	f, err := svc.ScheduleFirst(context.Background(), conv)
	if err != nil {
		t.Fatalf("ScheduleFirst: %v", err)
	}
	want := time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC)
	if f == nil || !f.ScheduledFor.Equal(want) || f.Adjusted {
		t.Fatalf("followup = %+v, want %v unadjusted", f, want)
	}

	again, err := svc.ScheduleFirst(context.Background(), conv)
	if err != nil || again != nil {
		t.Errorf("second ScheduleFirst = %v, %v; want nil, nil", again, err)
	}
}

func TestScheduleFirst_AdjustedIntoWorkingHours(t *testing.T) {
	store, svc, _ := newFixture(t)
	// Tuesday 16:00 + 72h = Friday 16:00 is fine; Wednesday 16:00 lands on Saturday.
	conv := trackAt(t, store, time.Date(2024, 5, 15, 16, 0, 0, 0, time.UTC))

	f, err := svc.ScheduleFirst(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	if !f.ScheduledFor.Equal(want) || !f.Adjusted {
		t.Errorf("ScheduledFor = %v adjusted=%v, want %v", f.ScheduledFor, f.Adjusted, want)
	}
	if !f.OriginalTarget.Equal(time.Date(2024, 5, 18, 16, 0, 0, 0, time.UTC)) {
		t.Errorf("OriginalTarget = %v", f.OriginalTarget)
	}
}

func TestScheduleFirst_Disabled(t *testing.T) {
	store, svc, settings := newFixture(t)
	s := domain.DefaultFollowupSettings()
	s.Enabled = false
	if _, err := settings.Update(context.Background(), &s, "admin"); err != nil {
		t.Fatal(err)
	}

	f, err := svc.ScheduleFirst(context.Background(), trackAt(t, store, friday))
	if err != nil || f != nil {
		t.Errorf("ScheduleFirst = %v, %v; want nil, nil", f, err)
	}
}

func TestReschedule(t *testing.T) {
	store, svc, _ := newFixture(t)
	conv := trackAt(t, store, friday.Add(-96*time.Hour))
	f, err := svc.ScheduleFirst(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Reschedule(context.Background(), f.ID); !apperr.HasCode(err, apperr.CodeConflict) {
		t.Fatalf("rescheduling a scheduled followup: err = %v, want conflict", err)
	}

	if err := f.MarkFailed(friday, "smtp 421"); err != nil {
		t.Fatal(err)
	}
	if err := store.Followups().Update(context.Background(), f); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Reschedule(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if got.Status != domain.FollowupStatusScheduled || got.FailureReason != "" || got.FailedAt != nil {
		t.Errorf("failure fields not cleared: %+v", got)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d", got.RetryCount)
	}
	if !got.ScheduledFor.Equal(friday) {
		t.Errorf("ScheduledFor = %v, want %v", got.ScheduledFor, friday)
	}
}

func TestReschedule_NotFound(t *testing.T) {
	_, svc, _ := newFixture(t)
	if _, err := svc.Reschedule(context.Background(), uuid.New()); !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestStopConversation(t *testing.T) {
	store, svc, _ := newFixture(t)
	conv := trackAt(t, store, friday.Add(-time.Hour))
	if _, err := svc.ScheduleFirst(context.Background(), conv); err != nil {
		t.Fatal(err)
	}

	if err := svc.StopConversation(context.Background(), conv.ID, ""); err != nil {
		t.Fatalf("StopConversation: %v", err)
	}
	got, _ := store.Conversations().GetByID(context.Background(), conv.ID)
	if got.Status != domain.ConversationStatusStopped || got.StopReason != "manual" {
		t.Errorf("conversation = %s/%s", got.Status, got.StopReason)
	}
	followups, _ := store.Followups().ListByConversation(context.Background(), conv.ID)
	for _, f := range followups {
		if f.Status != domain.FollowupStatusCancelled {
			t.Errorf("followup %d is %s", f.FollowupNumber, f.Status)
		}
	}

	if err := svc.StopConversation(context.Background(), conv.ID, ""); !apperr.HasCode(err, apperr.CodeConflict) {
		t.Errorf("second stop err = %v, want conflict", err)
	}
}

func TestSettingsService(t *testing.T) {
	store := memory.NewStore()
	svc := NewSettingsService(store.Settings(), domain.DefaultFollowupSettings())
	ctx := context.Background()

	cur, err := svc.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Version != 0 || cur.MaxFollowups != 3 {
		t.Errorf("defaults = %+v", cur)
	}

	next := *cur
	next.MaxFollowups = 5
	saved, err := svc.Update(ctx, &next, "ops@contoso.com")
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if saved.Version != 1 || saved.UpdatedBy != "ops@contoso.com" {
		t.Errorf("saved = %+v", saved)
	}

	bad := *saved
	bad.WorkingHours.Start = "18:00"
	if _, err := svc.Update(ctx, &bad, "ops@contoso.com"); !apperr.HasCode(err, apperr.CodeValidationFailed) {
		t.Errorf("invalid window err = %v", err)
	}

	cur, _ = svc.Current(ctx)
	if cur.Version != 1 || cur.MaxFollowups != 5 {
		t.Errorf("current = %+v", cur)
	}
}
