package persistence

import (
	"context"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// SettingsAdapter implements out.SettingsRepository using PostgreSQL. Every
// write is a new row; the highest version is current.
type SettingsAdapter struct {
	db *sqlx.DB
}

var _ out.SettingsRepository = (*SettingsAdapter)(nil)

// NewSettingsAdapter creates a new SettingsAdapter.
func NewSettingsAdapter(db *sqlx.DB) *SettingsAdapter {
	return &SettingsAdapter{db: db}
}

type settingsRow struct {
	Version   int       `db:"version"`
	Settings  []byte    `db:"settings"`
	UpdatedBy string    `db:"updated_by"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *settingsRow) toDomain() (*domain.FollowupSettings, error) {
	var s domain.FollowupSettings
	if err := json.Unmarshal(r.Settings, &s); err != nil {
		return nil, err
	}
	s.Version = r.Version
	s.UpdatedBy = r.UpdatedBy
	s.UpdatedAt = r.UpdatedAt
	return &s, nil
}

func (a *SettingsAdapter) Current(ctx context.Context) (*domain.FollowupSettings, error) {
	const query = `
		SELECT version, settings, updated_by, updated_at
		FROM followup_settings
		ORDER BY version DESC
		LIMIT 1
	`

	var row settingsRow
	if err := a.db.GetContext(ctx, &row, query); err != nil {
		return nil, translate(err)
	}
	return row.toDomain()
}

func (a *SettingsAdapter) Save(ctx context.Context, s *domain.FollowupSettings) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO followup_settings (settings, updated_by, updated_at)
		VALUES ($1, $2, $3)
		RETURNING version
	`
	return a.db.QueryRowxContext(ctx, query, body, s.UpdatedBy, s.UpdatedAt).Scan(&s.Version)
}
