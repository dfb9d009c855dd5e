package persistence

import (
	"context"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"

	"github.com/jmoiron/sqlx"
)

// MailboxAdapter implements out.MailboxRepository using PostgreSQL.
type MailboxAdapter struct {
	db *sqlx.DB
}

var _ out.MailboxRegistry = (*MailboxAdapter)(nil)

// NewMailboxAdapter creates a new MailboxAdapter.
func NewMailboxAdapter(db *sqlx.DB) *MailboxAdapter {
	return &MailboxAdapter{db: db}
}

// GetBySubscriptionID returns only enabled mailboxes.
func (a *MailboxAdapter) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.Mailbox, error) {
	const query = `
		SELECT id, graph_user_id, address, subscription_id, enabled, created_at, updated_at
		FROM mailboxes
		WHERE subscription_id = $1 AND enabled
	`

	var m domain.Mailbox
	if err := a.db.GetContext(ctx, &m, query, subscriptionID); err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// Upsert registers or updates a mailbox subscription.
func (a *MailboxAdapter) Upsert(ctx context.Context, m *domain.Mailbox) error {
	const query = `
		INSERT INTO mailboxes (graph_user_id, address, subscription_id, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscription_id) DO UPDATE SET
			graph_user_id = EXCLUDED.graph_user_id,
			address = EXCLUDED.address,
			enabled = EXCLUDED.enabled,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	return a.db.QueryRowxContext(ctx, query, m.GraphUserID, m.Address, m.SubscriptionID, m.Enabled).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
}
