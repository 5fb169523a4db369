package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/infra/prometheus"
	"github.com/renthub/apigate/pkg/types"
)

// renderPluginError writes the canonical denial body. Every gate denial leaves
// the gateway in this shape, so clients can branch on error.kind alone.
func renderPluginError(c *fiber.Ctx, pluginErr *types.PluginError) error {
	requestID, _ := c.Locals(string(common.RequestIDKey)).(string)

	if pluginErr.RetryAfter > 0 {
		c.Set(common.RetryAfterHeader, strconv.Itoa(pluginErr.RetryAfter))
	}

	routeID, _ := c.Locals(RouteIDKey).(string)
	if routeID == "" {
		routeID = "unmatched"
	}
	if pluginErr.Kind != "" {
		prometheus.RequestDeniedTotal.WithLabelValues(routeID, string(pluginErr.Kind)).Inc()
	}

	status := pluginErr.StatusCode
	if status == 0 {
		status = fiber.StatusForbidden
	}
	if status == fiber.StatusNoContent {
		return c.SendStatus(status)
	}

	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"kind":    string(pluginErr.Kind),
			"message": pluginErr.Message,
		},
		"request_id": requestID,
	})
}

func renderError(c *fiber.Ctx, status int, kind types.ErrorKind, message string) error {
	return renderPluginError(c, &types.PluginError{
		StatusCode: status,
		Kind:       kind,
		Message:    message,
	})
}
