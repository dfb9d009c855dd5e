// Package followup schedules reminder followups and owns the versioned
// followup settings.
package followup

import (
	"context"
	"errors"
	"time"

	"tracker_server/core/domain"
	"tracker_server/core/port/in"
	"tracker_server/core/port/out"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/logger"
)

// SettingsService reads and writes FollowupSettings.
type SettingsService struct {
	repo     out.SettingsRepository
	defaults domain.FollowupSettings
}

var _ in.SettingsUseCase = (*SettingsService)(nil)

// NewSettingsService creates a SettingsService. defaults are returned until
// the first write.
func NewSettingsService(repo out.SettingsRepository, defaults domain.FollowupSettings) *SettingsService {
	return &SettingsService{repo: repo, defaults: defaults}
}

// Current returns the latest settings version, or the defaults before any
// write.
func (s *SettingsService) Current(ctx context.Context) (*domain.FollowupSettings, error) {
	settings, err := s.repo.Current(ctx)
	if errors.Is(err, out.ErrNotFound) {
		d := s.defaults
		return &d, nil
	}
	if err != nil {
		return nil, apperr.DatabaseError("load followup settings", err)
	}
	return settings, nil
}

// Update validates and stores settings as a new version.
func (s *SettingsService) Update(ctx context.Context, settings *domain.FollowupSettings, updatedBy string) (*domain.FollowupSettings, error) {
	if settings == nil {
		return nil, apperr.BadRequest("settings are required")
	}
	if err := settings.Validate(); err != nil {
		return nil, apperr.ValidationFailed(err.Error())
	}

	next := *settings
	next.UpdatedBy = updatedBy
	next.UpdatedAt = time.Now().UTC()
	if err := s.repo.Save(ctx, &next); err != nil {
		return nil, apperr.DatabaseError("save followup settings", err)
	}

	logger.WithContext(ctx).WithFields(map[string]any{
		"version":    next.Version,
		"updated_by": updatedBy,
	}).Info("[SettingsService] followup settings updated")
	return &next, nil
}
