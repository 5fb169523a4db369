package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/config"
)

type securityMiddleware struct {
	logger *logrus.Logger
	cfg    config.SecurityConfig
}

func NewSecurityMiddleware(logger *logrus.Logger, cfg config.SecurityConfig) Middleware {
	return &securityMiddleware{
		logger: logger,
		cfg:    cfg,
	}
}

// Middleware stamps the configured security headers on every response,
// including gate denials further down the chain.
func (m *securityMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cfg := m.cfg

		if cfg.STSSeconds > 0 {
			h := "max-age=" + strconv.Itoa(cfg.STSSeconds)
			if cfg.STSIncludeSubdomains {
				h += "; includeSubDomains"
			}
			c.Set("Strict-Transport-Security", h)
		}

		if cfg.FrameDeny {
			c.Set("X-Frame-Options", "DENY")
		}

		if cfg.ContentTypeNosniff {
			c.Set("X-Content-Type-Options", "nosniff")
		}

		if cfg.BrowserXSSFilter {
			c.Set("X-XSS-Protection", "1; mode=block")
		}

		if cfg.ReferrerPolicy != "" {
			c.Set("Referrer-Policy", cfg.ReferrerPolicy)
		}

		if cfg.ContentSecurityPolicy != "" {
			c.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
		}

		return c.Next()
	}
}
