package persistence

import (
	"context"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// DetectionLogAdapter implements out.DetectionLogRepository using PostgreSQL.
type DetectionLogAdapter struct {
	db *sqlx.DB
}

var _ out.DetectionLogRepository = (*DetectionLogAdapter)(nil)

// NewDetectionLogAdapter creates a new DetectionLogAdapter.
func NewDetectionLogAdapter(db *sqlx.DB) *DetectionLogAdapter {
	return &DetectionLogAdapter{db: db}
}

func (a *DetectionLogAdapter) Append(ctx context.Context, l *domain.DetectionLog) error {
	var details []byte
	if len(l.Details) > 0 {
		b, err := json.Marshal(l.Details)
		if err != nil {
			return err
		}
		details = b
	}

	const query = `
		INSERT INTO detection_logs (
			id, mailbox_id, message_id, internet_message_id, conversation_id,
			direction, detection_type, matched, method, confidence,
			tracked_conversation_id, reason, elapsed_ms, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := a.db.ExecContext(ctx, query,
		l.ID, l.MailboxID, l.MessageID, l.InternetMessageID, l.ConversationID,
		string(l.Direction), string(l.DetectionType), l.Matched, l.Method, l.Confidence,
		l.TrackedConversationID, l.Reason, l.ElapsedMs, details, l.CreatedAt,
	)
	return translate(err)
}
