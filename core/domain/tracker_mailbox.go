package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mailbox is a monitored mailbox with an active change subscription.
type Mailbox struct {
	ID             uuid.UUID `json:"id" db:"id"`
	GraphUserID    string    `json:"graph_user_id" db:"graph_user_id"`
	Address        string    `json:"address" db:"address"`
	SubscriptionID string    `json:"subscription_id" db:"subscription_id"`
	Enabled        bool      `json:"enabled" db:"enabled"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Owns reports whether addr is this mailbox's address.
func (m *Mailbox) Owns(addr string) bool {
	return addr != "" && strings.EqualFold(strings.TrimSpace(addr), strings.TrimSpace(m.Address))
}

// TenantConfig controls exclusion of intra-organization mail.
type TenantConfig struct {
	Domain          string
	ExcludeInternal bool
}
