package worker

import (
	"time"

	"tracker_server/core/domain"

	"github.com/google/uuid"
)

// JobType represents the type of a job.
type JobType = string

const JobNotificationBatch JobType = "notification.batch"

// Result is delivered to a waiting submitter once a message settles.
type Result struct {
	Stats domain.BatchStats
	Err   error
}

type Message struct {
	ID        string                    `json:"id"`
	Type      JobType                   `json:"type"`
	Batch     *domain.NotificationBatch `json:"batch"`
	CreatedAt time.Time                 `json:"created_at"`

	done chan Result
}

func NewBatchMessage(batch *domain.NotificationBatch) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      JobNotificationBatch,
		Batch:     batch,
		CreatedAt: time.Now(),
	}
}

// NewAwaitedBatchMessage returns a message whose result is delivered on the
// returned channel exactly once.
func NewAwaitedBatchMessage(batch *domain.NotificationBatch) (*Message, <-chan Result) {
	msg := NewBatchMessage(batch)
	msg.done = make(chan Result, 1)
	return msg, msg.done
}

func (m *Message) awaited() bool {
	return m.done != nil
}

func (m *Message) complete(res Result) {
	if m.done != nil {
		m.done <- res
	}
}
