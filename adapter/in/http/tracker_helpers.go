package http

import (
	"tracker_server/infra/middleware"
	"tracker_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// uuidParam parses the named route parameter.
func uuidParam(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, apperr.InvalidInput(name, "must be a UUID")
	}
	return id, nil
}

// adminSubject returns the authenticated admin, or "admin" when the route is
// mounted without AdminAuth.
func adminSubject(c *fiber.Ctx) string {
	if sub, ok := c.Locals(middleware.LocalAdminSubject).(string); ok && sub != "" {
		return sub
	}
	return "admin"
}
