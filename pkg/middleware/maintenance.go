package middleware

import (
	"github.com/gofiber/fiber/v2"
)

type maintenanceMiddleware struct {
	enabled bool
}

func NewMaintenanceMiddleware(enabled bool) Middleware {
	return &maintenanceMiddleware{enabled: enabled}
}

// Middleware rejects all traffic with 503 while maintenance mode is on.
// Health endpoints are registered before this middleware and stay reachable.
func (m *maintenanceMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.enabled {
			return c.Next()
		}
		return renderError(c, fiber.StatusServiceUnavailable, "", "gateway is in maintenance mode")
	}
}
