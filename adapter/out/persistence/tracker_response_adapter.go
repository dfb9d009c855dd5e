package persistence

import (
	"context"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ResponseAdapter implements out.ResponseRepository using PostgreSQL.
type ResponseAdapter struct {
	db *sqlx.DB
}

var _ out.ResponseRepository = (*ResponseAdapter)(nil)

// NewResponseAdapter creates a new ResponseAdapter.
func NewResponseAdapter(db *sqlx.DB) *ResponseAdapter {
	return &ResponseAdapter{db: db}
}

// Record inserts the response and, when the conversation is still pending,
// moves it to the status implied by the response type and cancels its
// scheduled followups. Everything happens in one transaction; the
// conversation row is locked first so two concurrent responses serialize.
func (a *ResponseAdapter) Record(ctx context.Context, r *domain.Response) (bool, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var status string
	const lock = `SELECT status FROM tracked_conversations WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &status, lock, r.TrackedConversationID); err != nil {
		return false, translate(err)
	}

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	const insert = `
		INSERT INTO responses (
			id, tracked_conversation_id, message_id, internet_message_id,
			from_address, subject, response_type, detection_method,
			confidence, received_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	if _, err := tx.ExecContext(ctx, insert,
		r.ID, r.TrackedConversationID, r.MessageID, r.InternetMessageID,
		r.FromAddress, r.Subject, string(r.ResponseType), r.DetectionMethod,
		r.Confidence, r.ReceivedAt, r.CreatedAt,
	); err != nil {
		return false, translate(err)
	}

	changed := false
	if domain.ConversationStatus(status) == domain.ConversationStatusPending {
		if err := transition(ctx, tx, r, now()); err != nil {
			return false, err
		}
		changed = true
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return changed, nil
}

func transition(ctx context.Context, tx *sqlx.Tx, r *domain.Response, at time.Time) error {
	next := r.ConversationStatusAfter()

	var err error
	if next == domain.ConversationStatusResponded {
		const query = `
			UPDATE tracked_conversations
			SET status = $2, responded_at = $3, updated_at = $4
			WHERE id = $1
		`
		_, err = tx.ExecContext(ctx, query, r.TrackedConversationID, string(next), r.ReceivedAt, at)
	} else {
		const query = `
			UPDATE tracked_conversations
			SET status = $2, stopped_at = $3, stop_reason = $2, updated_at = $3
			WHERE id = $1
		`
		_, err = tx.ExecContext(ctx, query, r.TrackedConversationID, string(next), at)
	}
	if err != nil {
		return err
	}
	return cancelScheduled(ctx, tx, r.TrackedConversationID, string(next), at)
}

func (a *ResponseAdapter) LatestForConversation(ctx context.Context, trackedConversationID uuid.UUID) (*domain.Response, error) {
	const query = `
		SELECT id, tracked_conversation_id, message_id, internet_message_id,
		       from_address, subject, response_type, detection_method,
		       confidence, received_at, created_at
		FROM responses
		WHERE tracked_conversation_id = $1
		ORDER BY received_at DESC
		LIMIT 1
	`

	var resp domain.Response
	if err := a.db.GetContext(ctx, &resp, query, trackedConversationID); err != nil {
		return nil, translate(err)
	}
	return &resp, nil
}

func now() time.Time { return time.Now().UTC() }
