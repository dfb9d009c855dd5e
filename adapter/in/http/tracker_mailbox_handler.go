package http

import (
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/goccy/go-json"

	"tracker_server/core/domain"
	"tracker_server/core/port/out"
	"tracker_server/pkg/apperr"
	"tracker_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// MailboxHandler registers the Graph subscriptions whose notifications are
// processed.
type MailboxHandler struct {
	mailboxes out.MailboxRegistry
}

func NewMailboxHandler(mailboxes out.MailboxRegistry) *MailboxHandler {
	return &MailboxHandler{mailboxes: mailboxes}
}

func (h *MailboxHandler) Register(router fiber.Router) {
	router.Put("/mailboxes/:subscription_id", h.UpsertMailbox)
}

type mailboxRequest struct {
	GraphUserID string `json:"graph_user_id"`
	Address     string `json:"address"`
	Enabled     *bool  `json:"enabled"`
}

func (h *MailboxHandler) UpsertMailbox(c *fiber.Ctx) error {
	var req mailboxRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return apperr.BadRequest("invalid request body")
	}
	if strings.TrimSpace(req.GraphUserID) == "" {
		return apperr.InvalidInput("graph_user_id", "is required")
	}
	addr, err := mail.ParseAddress(req.Address)
	if err != nil {
		return apperr.InvalidInput("address", "must be an email address")
	}

	m := &domain.Mailbox{
		GraphUserID:    strings.TrimSpace(req.GraphUserID),
		Address:        strings.ToLower(addr.Address),
		SubscriptionID: c.Params("subscription_id"),
		Enabled:        req.Enabled == nil || *req.Enabled,
	}
	if err := h.mailboxes.Upsert(c.UserContext(), m); err != nil {
		return apperr.DatabaseError("upsert mailbox", err)
	}
	return response.OK(c, m)
}
