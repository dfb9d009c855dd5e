package http

import (
	"github.com/goccy/go-json"

	"tracker_server/core/port/in"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

type FollowupHandler struct {
	followups in.FollowupUseCase
}

func NewFollowupHandler(followups in.FollowupUseCase) *FollowupHandler {
	return &FollowupHandler{followups: followups}
}

func (h *FollowupHandler) Register(router fiber.Router) {
	router.Post("/followups/:id/reschedule", h.Reschedule)
	router.Post("/conversations/:id/stop", h.StopConversation)
}

// Reschedule moves a failed followup back to scheduled.
func (h *FollowupHandler) Reschedule(c *fiber.Ctx) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	f, err := h.followups.Reschedule(c.UserContext(), id)
	if err != nil {
		return err
	}
	return response.OK(c, f)
}

type stopRequest struct {
	Reason string `json:"reason"`
}

// StopConversation stops tracking a pending conversation and cancels its
// scheduled followups.
func (h *FollowupHandler) StopConversation(c *fiber.Ctx) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}

	var req stopRequest
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return apperr.BadRequest("invalid request body")
		}
	}

	if err := h.followups.StopConversation(c.UserContext(), id, req.Reason); err != nil {
		return err
	}
	return response.NoContent(c)
}
