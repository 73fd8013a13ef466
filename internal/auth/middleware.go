package auth

import (
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"

	"paysync/internal/engine"
	"paysync/internal/instrument"
)

// Operator is the authenticated caller of the operator API.
type Operator struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
}

// Allows reports whether the operator holds admin or any of roles.
func (o *Operator) Allows(roles ...string) bool {
	for _, have := range o.Roles {
		if have == RoleAdmin || slices.Contains(roles, have) {
			return true
		}
	}
	return false
}

// Middleware checks the bearer token and stores the caller as an
// *Operator in Locals("user").
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			return engine.UnauthorizedError("Missing auth token")
		}

		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseToken(strings.TrimSpace(token), secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}

		c.Locals("user", &Operator{Subject: claims.Subject, Roles: claims.Roles})
		c.SetUserContext(instrument.WithUserID(c.UserContext(), claims.Subject))
		return c.Next()
	}
}

// RequireRole lets the request through when the caller holds any of roles.
// Admins always pass.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := GetUser(c)
		if user == nil {
			return engine.UnauthorizedError("Missing auth token")
		}
		if !user.Allows(roles...) {
			return engine.ForbiddenError("Insufficient role")
		}
		return c.Next()
	}
}

// RequireAdmin is RequireRole with no extra roles.
func RequireAdmin() fiber.Handler {
	return RequireRole()
}

// GetUser extracts the caller from a Fiber context.
func GetUser(c *fiber.Ctx) *Operator {
	user, _ := c.Locals("user").(*Operator)
	return user
}
