package middleware

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/renthub/apigate/pkg/common"
)

type requestIDMiddleware struct{}

func NewRequestIDMiddleware() Middleware {
	return &requestIDMiddleware{}
}

// Middleware assigns every request a correlation id, honoring one supplied by
// the caller, and echoes it on the response.
func (m *requestIDMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(common.RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Locals(string(common.RequestIDKey), requestID)
		c.Set(common.RequestIDHeader, requestID)

		ctx := context.WithValue(c.UserContext(), common.RequestIDKey, requestID)
		c.SetUserContext(ctx)

		return c.Next()
	}
}
