package middleware

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/config"
	"github.com/renthub/apigate/pkg/identity"
	"github.com/renthub/apigate/pkg/plugins"
	"github.com/renthub/apigate/pkg/types"
)

// RouteIDKey is the fiber local under which the router stores the matched
// route id.
const RouteIDKey = "route_id"

type pluginMiddleware struct {
	pluginManager plugins.Manager
	logger        *logrus.Logger
}

func NewPluginChainMiddleware(
	pluginManager plugins.Manager,
	logger *logrus.Logger,
) Middleware {
	return &pluginMiddleware{
		pluginManager: pluginManager,
		logger:        logger,
	}
}

// Middleware runs the pre-request chains, forwards the request, then runs the
// post-response chains over the upstream's answer. Gateway-level chains run
// before route-level ones pre-request; the order reverses when shaping the
// response.
func (m *pluginMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		routeID, _ := c.Locals(RouteIDKey).(string)

		req := m.buildRequestContext(c, routeID)
		resp := &types.ResponseContext{
			Context: c.UserContext(),
			Headers: make(map[string][]string),
		}

		for _, entityID := range m.entityIDs(routeID) {
			if _, err := m.pluginManager.ExecuteStage(c.UserContext(), types.PreRequest, entityID, req, resp); err != nil {
				applyHeaders(c, resp.Headers)
				return m.renderChainError(c, err)
			}
		}

		// Informational headers from admitted requests (rate-limit counters)
		// still reach the client.
		applyHeaders(c, resp.Headers)

		if err := c.Next(); err != nil {
			return err
		}

		return m.shapeResponse(c, routeID, req)
	}
}

func (m *pluginMiddleware) shapeResponse(c *fiber.Ctx, routeID string, req *types.RequestContext) error {
	resp := &types.ResponseContext{
		Context:    c.UserContext(),
		Headers:    make(map[string][]string),
		Body:       c.Response().Body(),
		StatusCode: c.Response().StatusCode(),
	}
	for key, values := range c.GetRespHeaders() {
		resp.Headers[key] = values
	}

	// Shaping unwinds in reverse: the route chain sees the body before the
	// gateway chain, so field redaction happens ahead of compression.
	ids := m.entityIDs(routeID)
	for i := len(ids) - 1; i >= 0; i-- {
		if _, err := m.pluginManager.ExecuteStage(c.UserContext(), types.PostResponse, ids[i], req, resp); err != nil {
			m.logger.WithError(err).Error("post-response chain failed")
			return m.renderChainError(c, err)
		}
	}

	applyHeaders(c, resp.Headers)
	c.Status(resp.StatusCode)
	c.Response().SetBodyRaw(resp.Body)
	return nil
}

func (m *pluginMiddleware) entityIDs(routeID string) []string {
	ids := []string{config.GatewayChainID}
	if routeID != "" {
		ids = append(ids, routeID)
	}
	return ids
}

func (m *pluginMiddleware) renderChainError(c *fiber.Ctx, err error) error {
	var pluginErr *types.PluginError
	if errors.As(err, &pluginErr) {
		return renderPluginError(c, pluginErr)
	}
	m.logger.WithError(err).Error("gate chain failed")
	return renderError(c, fiber.StatusInternalServerError, "", "internal server error")
}

func (m *pluginMiddleware) buildRequestContext(c *fiber.Ctx, routeID string) *types.RequestContext {
	var id *identity.Identity
	if v, ok := c.Locals(string(common.IdentityKey)).(*identity.Identity); ok {
		id = v
	}

	req := &types.RequestContext{
		Context:  c.UserContext(),
		RouteID:  routeID,
		Headers:  make(map[string][]string),
		Method:   c.Method(),
		Path:     c.Path(),
		Query:    queryValues(c),
		Body:     c.Body(),
		Metadata: make(map[string]interface{}),
		IP:       c.IP(),
		Identity: id,
	}
	for key, values := range c.GetReqHeaders() {
		req.Headers[key] = values
	}
	return req
}

func applyHeaders(c *fiber.Ctx, headers map[string][]string) {
	for key, values := range headers {
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
}
