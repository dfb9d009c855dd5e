package middleware

import (
	"errors"
	"strings"

	"tracker_server/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// LocalAdminSubject holds the authenticated admin's subject claim.
const LocalAdminSubject = "admin_subject"

const adminRole = "admin"

// AdminClaims are the claims accepted on the admin API.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth requires an HS256 bearer token with role=admin.
func AdminAuth(secret string) fiber.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(c *fiber.Ctx) error {
		if len(key) == 0 {
			return apperr.Unauthorized("admin API is not configured")
		}

		header := c.Get(fiber.HeaderAuthorization)
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			return apperr.Unauthorized("missing bearer token")
		}

		var claims AdminClaims
		_, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				return apperr.InvalidToken("token expired")
			}
			return apperr.InvalidToken("invalid token")
		}
		if claims.Role != adminRole {
			return apperr.Forbidden("admin role required")
		}

		c.Locals(LocalAdminSubject, claims.Subject)
		return c.Next()
	}
}
