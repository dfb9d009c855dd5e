// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ConversationAdapter implements out.ConversationRepository using PostgreSQL.
type ConversationAdapter struct {
	db *sqlx.DB
}

var _ out.ConversationRepository = (*ConversationAdapter)(nil)

// NewConversationAdapter creates a new ConversationAdapter.
func NewConversationAdapter(db *sqlx.DB) *ConversationAdapter {
	return &ConversationAdapter{db: db}
}

const conversationColumns = `
	id, mailbox_id, message_id, conversation_id, thread_index,
	internet_message_id, in_reply_to, "references", subject, from_address,
	to_addresses, cc_addresses, body_preview, thread_position, is_reply,
	parent_id, status, sent_at, responded_at, stopped_at, stop_reason,
	created_at, updated_at`

type conversationRow struct {
	ID                uuid.UUID      `db:"id"`
	MailboxID         uuid.UUID      `db:"mailbox_id"`
	MessageID         string         `db:"message_id"`
	ConversationID    string         `db:"conversation_id"`
	ThreadIndex       string         `db:"thread_index"`
	InternetMessageID string         `db:"internet_message_id"`
	InReplyTo         string         `db:"in_reply_to"`
	References        pq.StringArray `db:"references"`
	Subject           string         `db:"subject"`
	FromAddress       string         `db:"from_address"`
	ToAddresses       pq.StringArray `db:"to_addresses"`
	CcAddresses       pq.StringArray `db:"cc_addresses"`
	BodyPreview       string         `db:"body_preview"`
	ThreadPos         int            `db:"thread_position"`
	IsReply           bool           `db:"is_reply"`
	ParentID          uuid.NullUUID  `db:"parent_id"`
	Status            string         `db:"status"`
	SentAt            time.Time      `db:"sent_at"`
	RespondedAt       sql.NullTime   `db:"responded_at"`
	StoppedAt         sql.NullTime   `db:"stopped_at"`
	StopReason        string         `db:"stop_reason"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r *conversationRow) toDomain() *domain.TrackedConversation {
	c := &domain.TrackedConversation{
		ID:                r.ID,
		MailboxID:         r.MailboxID,
		MessageID:         r.MessageID,
		ConversationID:    r.ConversationID,
		ThreadIndex:       r.ThreadIndex,
		InternetMessageID: r.InternetMessageID,
		InReplyTo:         r.InReplyTo,
		References:        r.References,
		Subject:           r.Subject,
		FromAddress:       r.FromAddress,
		ToAddresses:       r.ToAddresses,
		CcAddresses:       r.CcAddresses,
		BodyPreview:       r.BodyPreview,
		ThreadPos:         r.ThreadPos,
		IsReply:           r.IsReply,
		Status:            domain.ConversationStatus(r.Status),
		SentAt:            r.SentAt,
		StopReason:        r.StopReason,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.ParentID.Valid {
		id := r.ParentID.UUID
		c.ParentID = &id
	}
	if r.RespondedAt.Valid {
		c.RespondedAt = &r.RespondedAt.Time
	}
	if r.StoppedAt.Valid {
		c.StoppedAt = &r.StoppedAt.Time
	}
	return c
}

func toDomainList(rows []conversationRow) []*domain.TrackedConversation {
	list := make([]*domain.TrackedConversation, len(rows))
	for i := range rows {
		list[i] = rows[i].toDomain()
	}
	return list
}

// =============================================================================
// Writes
// =============================================================================

// Create inserts a tracked conversation. The unique index on
// internet_message_id turns a concurrent second insert into ErrDuplicate.
func (a *ConversationAdapter) Create(ctx context.Context, c *domain.TrackedConversation) error {
	const query = `
		INSERT INTO tracked_conversations (
			id, mailbox_id, message_id, conversation_id, thread_index,
			internet_message_id, in_reply_to, "references", subject, from_address,
			to_addresses, cc_addresses, body_preview, thread_position, is_reply,
			parent_id, status, sent_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`

	_, err := a.db.ExecContext(ctx, query,
		c.ID, c.MailboxID, c.MessageID, c.ConversationID, c.ThreadIndex,
		c.InternetMessageID, c.InReplyTo, pq.Array(nonNil(c.References)), c.Subject, c.FromAddress,
		pq.Array(nonNil(c.ToAddresses)), pq.Array(nonNil(c.CcAddresses)), c.BodyPreview, c.ThreadPos, c.IsReply,
		c.ParentID, string(c.Status), c.SentAt, c.CreatedAt, c.UpdatedAt,
	)
	return translate(err)
}

// Stop moves a pending conversation to stopped and cancels its scheduled
// followups in the same transaction.
func (a *ConversationAdapter) Stop(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var status string
	if err := tx.GetContext(ctx, &status, `SELECT status FROM tracked_conversations WHERE id = $1 FOR UPDATE`, id); err != nil {
		return false, translate(err)
	}
	if domain.ConversationStatus(status) != domain.ConversationStatusPending {
		return false, nil
	}

	now := time.Now().UTC()
	const stop = `
		UPDATE tracked_conversations
		SET status = $2, stopped_at = $3, stop_reason = $4, updated_at = $3
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, stop, id, string(domain.ConversationStatusStopped), now, reason); err != nil {
		return false, err
	}
	if err := cancelScheduled(ctx, tx, id, reason, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func cancelScheduled(ctx context.Context, tx *sqlx.Tx, conversationID uuid.UUID, reason string, now time.Time) error {
	const query = `
		UPDATE followups
		SET status = $2, cancel_reason = $3, updated_at = $4
		WHERE tracked_conversation_id = $1 AND status = $5
	`
	_, err := tx.ExecContext(ctx, query, conversationID,
		string(domain.FollowupStatusCancelled), reason, now, string(domain.FollowupStatusScheduled))
	return err
}

// =============================================================================
// Reads
// =============================================================================

func (a *ConversationAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.TrackedConversation, error) {
	query := `SELECT` + conversationColumns + ` FROM tracked_conversations WHERE id = $1`

	var row conversationRow
	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, translate(err)
	}
	return row.toDomain(), nil
}

func (a *ConversationAdapter) GetByInternetMessageID(ctx context.Context, internetMessageID string) (*domain.TrackedConversation, error) {
	query := `SELECT` + conversationColumns + ` FROM tracked_conversations WHERE internet_message_id = $1`

	var row conversationRow
	if err := a.db.GetContext(ctx, &row, query, internetMessageID); err != nil {
		return nil, translate(err)
	}
	return row.toDomain(), nil
}

func (a *ConversationAdapter) ListByConversationID(ctx context.Context, mailboxID uuid.UUID, conversationID string) ([]*domain.TrackedConversation, error) {
	query := `SELECT` + conversationColumns + `
		FROM tracked_conversations
		WHERE mailbox_id = $1 AND conversation_id = $2
		ORDER BY sent_at DESC`

	var rows []conversationRow
	if err := a.db.SelectContext(ctx, &rows, query, mailboxID, conversationID); err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

// FindPendingByInternetMessageIDs matches ids without angle brackets and
// case-insensitively.
func (a *ConversationAdapter) FindPendingByInternetMessageIDs(ctx context.Context, mailboxID uuid.UUID, ids []string) ([]*domain.TrackedConversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = strings.ToLower(domain.NormalizeMessageID(id))
	}

	query := `SELECT` + conversationColumns + `
		FROM tracked_conversations
		WHERE mailbox_id = $1 AND status = $2
		  AND lower(trim(both '<>' from internet_message_id)) = ANY($3)
		ORDER BY sent_at DESC`

	var rows []conversationRow
	if err := a.db.SelectContext(ctx, &rows, query, mailboxID, string(domain.ConversationStatusPending), pq.Array(keys)); err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

func (a *ConversationAdapter) ListPendingByConversationID(ctx context.Context, mailboxID uuid.UUID, conversationID string) ([]*domain.TrackedConversation, error) {
	query := `SELECT` + conversationColumns + `
		FROM tracked_conversations
		WHERE mailbox_id = $1 AND conversation_id = $2 AND status = $3
		ORDER BY sent_at DESC`

	var rows []conversationRow
	if err := a.db.SelectContext(ctx, &rows, query, mailboxID, conversationID, string(domain.ConversationStatusPending)); err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

func (a *ConversationAdapter) ListRecentPending(ctx context.Context, mailboxID uuid.UUID, limit int) ([]*domain.TrackedConversation, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT` + conversationColumns + `
		FROM tracked_conversations
		WHERE mailbox_id = $1 AND status = $2
		ORDER BY sent_at DESC
		LIMIT $3`

	var rows []conversationRow
	if err := a.db.SelectContext(ctx, &rows, query, mailboxID, string(domain.ConversationStatusPending), limit); err != nil {
		return nil, err
	}
	return toDomainList(rows), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
