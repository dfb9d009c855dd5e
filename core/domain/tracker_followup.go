package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidTransition = errors.New("invalid followup status transition")

// FollowupStatus is the state of a scheduled reminder.
type FollowupStatus string

const (
	FollowupStatusScheduled FollowupStatus = "scheduled"
	FollowupStatusSent      FollowupStatus = "sent"
	FollowupStatusFailed    FollowupStatus = "failed"
	FollowupStatusCancelled FollowupStatus = "cancelled"
)

// Followup is an automated reminder tied to a tracked conversation.
type Followup struct {
	ID                    uuid.UUID      `json:"id" db:"id"`
	TrackedConversationID uuid.UUID      `json:"tracked_conversation_id" db:"tracked_conversation_id"`
	FollowupNumber        int            `json:"followup_number" db:"followup_number"`
	Status                FollowupStatus `json:"status" db:"status"`

	ScheduledFor   time.Time `json:"scheduled_for" db:"scheduled_for"`
	OriginalTarget time.Time `json:"original_target" db:"original_target"`
	Adjusted       bool      `json:"adjusted" db:"adjusted"`

	SentAt        *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	FailedAt      *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	FailureReason string     `json:"failure_reason,omitempty" db:"failure_reason"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	CancelReason  string     `json:"cancel_reason,omitempty" db:"cancel_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

var followupTransitions = map[FollowupStatus][]FollowupStatus{
	FollowupStatusScheduled: {FollowupStatusSent, FollowupStatusFailed, FollowupStatusCancelled},
	FollowupStatusFailed:    {FollowupStatusScheduled},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to FollowupStatus) bool {
	for _, next := range followupTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MarkSent transitions a scheduled followup to sent.
func (f *Followup) MarkSent(at time.Time) error {
	if err := f.transition(FollowupStatusSent); err != nil {
		return err
	}
	f.SentAt = &at
	return nil
}

// MarkFailed transitions a scheduled followup to failed.
func (f *Followup) MarkFailed(at time.Time, reason string) error {
	if err := f.transition(FollowupStatusFailed); err != nil {
		return err
	}
	f.FailedAt = &at
	f.FailureReason = reason
	return nil
}

// Cancel transitions a scheduled followup to cancelled.
func (f *Followup) Cancel(reason string) error {
	if err := f.transition(FollowupStatusCancelled); err != nil {
		return err
	}
	f.CancelReason = reason
	return nil
}

// Reschedule moves a failed followup back to scheduled and clears the
// failure fields.
func (f *Followup) Reschedule(slot ScheduleSlot) error {
	if err := f.transition(FollowupStatusScheduled); err != nil {
		return err
	}
	f.ScheduledFor = slot.ScheduledFor
	f.OriginalTarget = slot.OriginalTarget
	f.Adjusted = slot.Adjusted
	f.FailedAt = nil
	f.FailureReason = ""
	f.RetryCount++
	return nil
}

func (f *Followup) transition(to FollowupStatus) error {
	if !CanTransition(f.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.Status, to)
	}
	f.Status = to
	f.UpdatedAt = time.Now().UTC()
	return nil
}

// NewFollowup creates a scheduled followup for the given slot.
func NewFollowup(conversationID uuid.UUID, number int, slot ScheduleSlot) *Followup {
	now := time.Now().UTC()
	return &Followup{
		ID:                    uuid.New(),
		TrackedConversationID: conversationID,
		FollowupNumber:        number,
		Status:                FollowupStatusScheduled,
		ScheduledFor:          slot.ScheduledFor,
		OriginalTarget:        slot.OriginalTarget,
		Adjusted:              slot.Adjusted,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// ScheduleSlot is the result of a send-time computation.
type ScheduleSlot struct {
	ScheduledFor      time.Time `json:"scheduled_for"`
	OriginalTarget    time.Time `json:"original_target"`
	Adjusted          bool      `json:"adjusted"`
	DelayAppliedHours float64   `json:"delay_applied_hours"`
}
