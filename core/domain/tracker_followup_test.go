package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to FollowupStatus
		want     bool
	}{
		{FollowupStatusScheduled, FollowupStatusSent, true},
		{FollowupStatusScheduled, FollowupStatusFailed, true},
		{FollowupStatusScheduled, FollowupStatusCancelled, true},
		{FollowupStatusFailed, FollowupStatusScheduled, true},
		{FollowupStatusSent, FollowupStatusScheduled, false},
		{FollowupStatusCancelled, FollowupStatusScheduled, false},
		{FollowupStatusFailed, FollowupStatusSent, false},
		{FollowupStatusSent, FollowupStatusCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestFollowup_RescheduleClearsFailure(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	f := NewFollowup(uuid.New(), 1, ScheduleSlot{ScheduledFor: now, OriginalTarget: now})

	if err := f.MarkFailed(now, "send gateway timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	next := now.Add(24 * time.Hour)
	if err := f.Reschedule(ScheduleSlot{ScheduledFor: next, OriginalTarget: next}); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	if f.Status != FollowupStatusScheduled {
		t.Errorf("status = %s", f.Status)
	}
	if f.FailedAt != nil || f.FailureReason != "" {
		t.Errorf("failure fields not cleared: %v %q", f.FailedAt, f.FailureReason)
	}
	if !f.ScheduledFor.Equal(next) {
		t.Errorf("scheduled_for = %v", f.ScheduledFor)
	}
	if f.RetryCount != 1 {
		t.Errorf("retry_count = %d", f.RetryCount)
	}
}

func TestFollowup_CancelledIsFinal(t *testing.T) {
	f := NewFollowup(uuid.New(), 2, ScheduleSlot{})
	if err := f.Cancel("response_received"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	err := f.Reschedule(ScheduleSlot{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := f.MarkSent(time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTrackedConversation_CanTransitionTo(t *testing.T) {
	c := &TrackedConversation{Status: ConversationStatusPending}
	if !c.CanTransitionTo(ConversationStatusBounced) {
		t.Error("pending -> bounced should be allowed")
	}
	if c.CanTransitionTo(ConversationStatusPending) {
		t.Error("pending -> pending should not be allowed")
	}

	c.Status = ConversationStatusResponded
	if c.CanTransitionTo(ConversationStatusBounced) {
		t.Error("terminal status must not change")
	}
}
