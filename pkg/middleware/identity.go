package middleware

import (
	"context"
	"errors"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/identity"
	"github.com/renthub/apigate/pkg/types"
)

type identityMiddleware struct {
	logger   *logrus.Logger
	resolver *identity.Resolver
}

func NewIdentityMiddleware(logger *logrus.Logger, resolver *identity.Resolver) Middleware {
	return &identityMiddleware{
		logger:   logger,
		resolver: resolver,
	}
}

// Middleware resolves the caller identity before any gate runs. Credential
// precedence lives in the resolver; this layer only maps failures onto the
// canonical 401 shapes.
func (m *identityMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := m.resolver.Resolve(c.UserContext(), c.GetReqHeaders(), queryValues(c), c.IP())
		if err != nil {
			if errors.Is(err, identity.ErrNoIdentity) {
				m.logger.Debug("request carried no resolvable identity")
				return renderError(c, fiber.StatusUnauthorized, types.IdentityMissing, "authentication required")
			}
			m.logger.WithError(err).Debug("credential rejected")
			return renderError(c, fiber.StatusUnauthorized, types.IdentityInvalid, "invalid credentials")
		}

		c.Locals(string(common.IdentityKey), id)
		ctx := context.WithValue(c.UserContext(), common.IdentityKey, id)
		c.SetUserContext(ctx)

		return c.Next()
	}
}

func queryValues(c *fiber.Ctx) url.Values {
	values := make(url.Values)
	c.Request().URI().QueryArgs().VisitAll(func(k, v []byte) {
		values.Add(string(k), string(v))
	})
	return values
}
