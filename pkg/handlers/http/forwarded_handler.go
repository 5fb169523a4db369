package http

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/renthub/apigate/pkg/config"
	"github.com/renthub/apigate/pkg/middleware"
)

const upstreamTimeout = 60 * time.Second

// Hop-by-hop headers never travel past the gateway in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type forwardedHandler struct {
	logger *logrus.Logger
	client *fasthttp.Client
	routes map[string]config.RouteConfig
}

func NewForwardedHandler(logger *logrus.Logger, routes []config.RouteConfig) Handler {
	client := &fasthttp.Client{
		ReadTimeout:                   60 * time.Second,
		WriteTimeout:                  60 * time.Second,
		MaxConnsPerHost:               16384,
		MaxIdleConnDuration:           120 * time.Second,
		ReadBufferSize:                32768,
		WriteBufferSize:               32768,
		NoDefaultUserAgentHeader:      true,
		DisableHeaderNamesNormalizing: true,
		DisablePathNormalizing:        true,
	}

	routeMap := make(map[string]config.RouteConfig, len(routes))
	for _, route := range routes {
		routeMap[route.ID] = route
	}

	return &forwardedHandler{
		logger: logger,
		client: client,
		routes: routeMap,
	}
}

// Handle forwards an admitted request to the route's upstream and copies the
// upstream answer back onto the fiber response.
func (h *forwardedHandler) Handle(c *fiber.Ctx) error {
	routeID, _ := c.Locals(middleware.RouteIDKey).(string)
	route, ok := h.routes[routeID]
	if !ok {
		h.logger.WithField("route_id", routeID).Error("forward requested for unknown route")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "no upstream configured",
		})
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.targetURL(route, c))
	req.Header.SetMethod(c.Method())
	c.Request().Header.VisitAll(func(key, value []byte) {
		req.Header.AddBytesKV(key, value)
	})
	for _, header := range hopByHopHeaders {
		req.Header.Del(header)
	}
	req.Header.Add("X-Forwarded-For", c.IP())
	req.SetBodyRaw(c.Body())

	if err := h.client.DoTimeout(req, resp, upstreamTimeout); err != nil {
		h.logger.WithError(err).
			WithField("route_id", routeID).
			Error("upstream request failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "failed to reach upstream",
		})
	}

	c.Status(resp.StatusCode())
	resp.Header.VisitAll(func(key, value []byte) {
		c.Response().Header.AddBytesKV(key, value)
	})
	for _, header := range hopByHopHeaders {
		c.Response().Header.Del(header)
	}
	c.Response().SetBodyRaw(append([]byte(nil), resp.Body()...))
	return nil
}

func (h *forwardedHandler) targetURL(route config.RouteConfig, c *fiber.Ctx) string {
	path := c.Path()
	if route.StripPath {
		prefix := strings.TrimSuffix(route.Path, "/*")
		path = strings.TrimPrefix(path, prefix)
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
	}

	target := strings.TrimSuffix(route.Upstream, "/") + path
	if query := string(c.Request().URI().QueryString()); query != "" {
		target += "?" + query
	}
	return target
}
