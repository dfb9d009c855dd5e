package http

import (
	"github.com/goccy/go-json"

	"tracker_server/core/domain"
	"tracker_server/core/port/in"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type SettingsHandler struct {
	settings in.SettingsUseCase
}

func NewSettingsHandler(settings in.SettingsUseCase) *SettingsHandler {
	return &SettingsHandler{settings: settings}
}

func (h *SettingsHandler) Register(router fiber.Router) {
	settings := router.Group("/settings")
	settings.Get("/followup", h.GetFollowupSettings)
	settings.Put("/followup", h.UpdateFollowupSettings)
}

func (h *SettingsHandler) GetFollowupSettings(c *fiber.Ctx) error {
	s, err := h.settings.Current(c.UserContext())
	if err != nil {
		return err
	}
	return response.OK(c, s)
}

// UpdateFollowupSettings stores a new settings version. Version and audit
// fields in the body are ignored.
func (h *SettingsHandler) UpdateFollowupSettings(c *fiber.Ctx) error {
	var req domain.FollowupSettings
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return apperr.BadRequest("invalid request body")
	}

	saved, err := h.settings.Update(c.UserContext(), &req, adminSubject(c))
	if err != nil {
		return err
	}
	return response.OK(c, saved)
}
