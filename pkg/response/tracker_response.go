// Package response builds the JSON envelopes returned by the API.
package response

import (
	"time"

	"github.com/gofiber/fiber/v2"
)

// Response is the standard API response structure.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func envelope(c *fiber.Ctx, data interface{}) Response {
	requestID, _ := c.Locals("request_id").(string)
	return Response{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// OK returns a successful response.
func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(envelope(c, data))
}

// Accepted returns a 202 for work handed off asynchronously.
func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(envelope(c, data))
}

// NoContent returns a 204 no content response.
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
