package server

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/config"
	handlers "github.com/renthub/apigate/pkg/handlers/http"
	"github.com/renthub/apigate/pkg/infra/prometheus"
	"github.com/renthub/apigate/pkg/middleware"
)

type (
	ProxyServerDI struct {
		Config              *config.Config
		Logger              *logrus.Logger
		MiddlewareTransport middleware.Transport
		HandlerTransport    handlers.HandlerTransport
	}
	ProxyServer struct {
		*BaseServer
		middlewareTransport middleware.Transport
		handlerTransport    handlers.HandlerTransport
	}
)

func NewProxyServer(di ProxyServerDI) *ProxyServer {
	if di.Config.Metrics.Enabled {
		prometheus.Initialize(prometheus.MetricsConfig{
			EnableLatency:  di.Config.Metrics.EnableLatency,
			EnablePerRoute: di.Config.Metrics.EnablePerRoute,
		})
	}

	s := &ProxyServer{
		BaseServer:          NewBaseServer(di.Config, di.Logger),
		middlewareTransport: di.MiddlewareTransport,
		handlerTransport:    di.HandlerTransport,
	}
	s.BaseServer.setupMetricsEndpoint()
	return s
}

func (s *ProxyServer) Run() error {
	// Health and the gate catalog stay reachable through maintenance mode.
	s.setupHealthCheck()
	s.setupPluginCatalog()

	s.router.Use(
		s.middlewareTransport.PanicRecoverMiddleware.Middleware(),
		s.middlewareTransport.RequestIDMiddleware.Middleware(),
		s.middlewareTransport.MetricsMiddleware.Middleware(),
		s.middlewareTransport.SecurityMiddleware.Middleware(),
		s.middlewareTransport.MaintenanceMiddleware.Middleware(),
	)

	for _, route := range s.config.Routes {
		s.registerRoute(route)
	}

	s.router.Use(func(c *fiber.Ctx) error {
		requestID, _ := c.Locals(string(common.RequestIDKey)).(string)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": fiber.Map{
				"kind":    "",
				"message": "no route matched",
			},
			"request_id": requestID,
		})
	})

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.logger.WithField("addr", addr).Info("starting proxy server")
	return s.router.Listen(addr)
}

func (s *ProxyServer) registerRoute(route config.RouteConfig) {
	routeID := route.ID
	handlerChain := []fiber.Handler{
		func(c *fiber.Ctx) error {
			c.Locals(middleware.RouteIDKey, routeID)
			return c.Next()
		},
		s.middlewareTransport.IdentityMiddleware.Middleware(),
		s.middlewareTransport.PluginMiddleware.Middleware(),
		s.handlerTransport.ForwardedHandler.Handle,
	}

	methods := route.Methods
	if len(methods) == 0 {
		methods = []string{
			fiber.MethodGet, fiber.MethodPost, fiber.MethodPut,
			fiber.MethodPatch, fiber.MethodDelete, fiber.MethodHead, fiber.MethodOptions,
		}
	}
	for _, method := range methods {
		s.router.Add(method, route.Path, handlerChain...)
	}
}

func (s *ProxyServer) Shutdown() error {
	return s.router.Shutdown()
}
