package persistence

import (
	"context"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// FollowupAdapter implements out.FollowupRepository using PostgreSQL.
type FollowupAdapter struct {
	db *sqlx.DB
}

var _ out.FollowupRepository = (*FollowupAdapter)(nil)

// NewFollowupAdapter creates a new FollowupAdapter.
func NewFollowupAdapter(db *sqlx.DB) *FollowupAdapter {
	return &FollowupAdapter{db: db}
}

const followupColumns = `
	id, tracked_conversation_id, followup_number, status, scheduled_for,
	original_target, adjusted, sent_at, failed_at, failure_reason,
	retry_count, cancel_reason, created_at, updated_at`

// Create relies on the partial unique index over scheduled followups.
func (a *FollowupAdapter) Create(ctx context.Context, f *domain.Followup) error {
	const query = `
		INSERT INTO followups (` + followupColumns + `)
		VALUES (:id, :tracked_conversation_id, :followup_number, :status, :scheduled_for,
		        :original_target, :adjusted, :sent_at, :failed_at, :failure_reason,
		        :retry_count, :cancel_reason, :created_at, :updated_at)
	`
	_, err := a.db.NamedExecContext(ctx, query, f)
	return translate(err)
}

func (a *FollowupAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.Followup, error) {
	query := `SELECT` + followupColumns + ` FROM followups WHERE id = $1`

	var f domain.Followup
	if err := a.db.GetContext(ctx, &f, query, id); err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

func (a *FollowupAdapter) Update(ctx context.Context, f *domain.Followup) error {
	const query = `
		UPDATE followups SET
			status = :status,
			scheduled_for = :scheduled_for,
			original_target = :original_target,
			adjusted = :adjusted,
			sent_at = :sent_at,
			failed_at = :failed_at,
			failure_reason = :failure_reason,
			retry_count = :retry_count,
			cancel_reason = :cancel_reason,
			updated_at = :updated_at
		WHERE id = :id
	`
	res, err := a.db.NamedExecContext(ctx, query, f)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (a *FollowupAdapter) ListByConversation(ctx context.Context, trackedConversationID uuid.UUID) ([]*domain.Followup, error) {
	query := `SELECT` + followupColumns + `
		FROM followups
		WHERE tracked_conversation_id = $1
		ORDER BY followup_number, created_at`

	var list []*domain.Followup
	if err := a.db.SelectContext(ctx, &list, query, trackedConversationID); err != nil {
		return nil, err
	}
	return list, nil
}
