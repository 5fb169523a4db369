package middleware

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/config"
	"github.com/renthub/apigate/pkg/domain/apikey"
	"github.com/renthub/apigate/pkg/identity"
	"github.com/renthub/apigate/pkg/plugins"
	"github.com/renthub/apigate/pkg/plugins/data_masking"
	"github.com/renthub/apigate/pkg/plugins/response_compressor"
	"github.com/renthub/apigate/pkg/types"
)

const testJWTSecret = "test-secret"

type stubFinder struct {
	keys map[string]*apikey.APIKey
}

func (f *stubFinder) Find(_ context.Context, rawKey string) (*apikey.APIKey, error) {
	if key, ok := f.keys[rawKey]; ok {
		return key, nil
	}
	return nil, identity.ErrInvalidKey
}

type stubPlugin struct {
	name    string
	stages  []types.Stage
	execute func(req *types.RequestContext, resp *types.ResponseContext) (*types.PluginResponse, error)
}

func (p *stubPlugin) Name() string                 { return p.name }
func (p *stubPlugin) Stages() []types.Stage        { return p.stages }
func (p *stubPlugin) AllowedStages() []types.Stage { return p.stages }
func (p *stubPlugin) ValidateConfig(types.PluginConfig) error {
	return nil
}
func (p *stubPlugin) Execute(
	_ context.Context,
	_ types.PluginConfig,
	req *types.RequestContext,
	resp *types.ResponseContext,
) (*types.PluginResponse, error) {
	return p.execute(req, resp)
}

func newTestApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New()
	for _, h := range handlers {
		app.Use(h)
	}
	return app
}

func decodeErrorBody(t *testing.T, body io.Reader) (kind, message, requestID string) {
	t.Helper()
	var payload struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.NewDecoder(body).Decode(&payload))
	return payload.Error.Kind, payload.Error.Message, payload.RequestID
}

func TestRequestIDMiddleware_GeneratesID(t *testing.T) {
	app := newTestApp(NewRequestIDMiddleware().Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	generated := resp.Header.Get(common.RequestIDHeader)
	_, parseErr := uuid.Parse(generated)
	assert.NoError(t, parseErr)
}

func TestRequestIDMiddleware_HonorsCallerID(t *testing.T) {
	app := newTestApp(NewRequestIDMiddleware().Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(common.RequestIDHeader, "req-123")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, "req-123", resp.Header.Get(common.RequestIDHeader))
}

func TestSecurityMiddleware_SetsConfiguredHeaders(t *testing.T) {
	cfg := config.SecurityConfig{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXSSFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'self'",
		STSSeconds:            31536000,
		STSIncludeSubdomains:  true,
	}
	app := newTestApp(NewSecurityMiddleware(logrus.New(), cfg).Middleware())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "1; mode=block", resp.Header.Get("X-XSS-Protection"))
	assert.Equal(t, "no-referrer", resp.Header.Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'self'", resp.Header.Get("Content-Security-Policy"))
	assert.Equal(t, "max-age=31536000; includeSubDomains", resp.Header.Get("Strict-Transport-Security"))
}

func newIdentityApp(t *testing.T) *fiber.App {
	t.Helper()
	keyID := uuid.New()
	ownerID := uuid.New()
	finder := &stubFinder{keys: map[string]*apikey.APIKey{
		"valid-key": {
			ID:      keyID,
			OwnerID: ownerID,
			Roles:   []string{"host"},
			Active:  true,
		},
	}}
	resolver := identity.NewResolver(finder, []byte(testJWTSecret), "visitor", logrus.New())

	app := newTestApp(
		NewRequestIDMiddleware().Middleware(),
		NewIdentityMiddleware(logrus.New(), resolver).Middleware(),
	)
	app.Get("/", func(c *fiber.Ctx) error {
		id, ok := c.Locals(string(common.IdentityKey)).(*identity.Identity)
		require.True(t, ok)
		return c.JSON(fiber.Map{"kind": string(id.Kind), "roles": id.Roles})
	})
	return app
}

func TestIdentityMiddleware_APIKey(t *testing.T) {
	app := newIdentityApp(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(common.ApiKeyHeader, "valid-key")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		Kind  string   `json:"kind"`
		Roles []string `json:"roles"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "api_key", body.Kind)
	assert.Equal(t, []string{"host"}, body.Roles)
}

func TestIdentityMiddleware_InvalidAPIKey(t *testing.T) {
	app := newIdentityApp(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(common.ApiKeyHeader, "bogus")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	kind, _, requestID := decodeErrorBody(t, resp.Body)
	assert.Equal(t, string(types.IdentityInvalid), kind)
	assert.NotEmpty(t, requestID)
}

func TestIdentityMiddleware_BearerToken(t *testing.T) {
	app := newIdentityApp(t)

	claims := identity.Claims{
		Roles: []string{"guest"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		Kind string `json:"kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "user", body.Kind)
}

func TestIdentityMiddleware_AnonymousFallsBackToIP(t *testing.T) {
	app := newIdentityApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		Kind  string   `json:"kind"`
		Roles []string `json:"roles"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "anonymous", body.Kind)
	assert.Equal(t, []string{"visitor"}, body.Roles)
}

func newChainApp(t *testing.T, plugin *stubPlugin, stage types.Stage) *fiber.App {
	t.Helper()
	logger := logrus.New()
	manager := plugins.NewManager(logger)
	require.NoError(t, manager.RegisterPlugin(plugin))
	require.NoError(t, manager.SetPluginChain(config.GatewayChainID, []types.PluginConfig{{
		ID:      config.GatewayChainID + ":" + plugin.Name(),
		Name:    plugin.Name(),
		Enabled: true,
		Level:   types.GatewayLevel,
		Stage:   stage,
	}}))

	app := newTestApp(
		NewRequestIDMiddleware().Middleware(),
		NewPluginChainMiddleware(manager, logger).Middleware(),
	)
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString("upstream response")
	})
	return app
}

func TestPluginChain_DenialRendersCanonicalBody(t *testing.T) {
	deny := &stubPlugin{
		name:   "deny-all",
		stages: []types.Stage{types.PreRequest},
		execute: func(_ *types.RequestContext, _ *types.ResponseContext) (*types.PluginResponse, error) {
			return nil, &types.PluginError{
				StatusCode: fiber.StatusTooManyRequests,
				Kind:       types.RateLimited,
				Message:    "rate limit exceeded",
				RetryAfter: 30,
			}
		},
	}
	app := newChainApp(t, deny, types.PreRequest)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get(common.RetryAfterHeader))
	kind, message, requestID := decodeErrorBody(t, resp.Body)
	assert.Equal(t, string(types.RateLimited), kind)
	assert.Equal(t, "rate limit exceeded", message)
	assert.NotEmpty(t, requestID)
}

func TestPluginChain_AdmittedRequestKeepsInformationalHeaders(t *testing.T) {
	allow := &stubPlugin{
		name:   "counting",
		stages: []types.Stage{types.PreRequest},
		execute: func(_ *types.RequestContext, resp *types.ResponseContext) (*types.PluginResponse, error) {
			resp.Headers["X-Ratelimit-Remaining"] = []string{"9"}
			return &types.PluginResponse{StatusCode: fiber.StatusOK}, nil
		},
	}
	app := newChainApp(t, allow, types.PreRequest)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "9", resp.Header.Get("X-Ratelimit-Remaining"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "upstream response", string(body))
}

func TestPluginChain_PostResponseShapesBody(t *testing.T) {
	shaper := &stubPlugin{
		name:   "shaper",
		stages: []types.Stage{types.PostResponse},
		execute: func(_ *types.RequestContext, resp *types.ResponseContext) (*types.PluginResponse, error) {
			resp.Body = []byte("shaped")
			resp.Headers["X-Shaped"] = []string{"yes"}
			return &types.PluginResponse{StatusCode: resp.StatusCode}, nil
		},
	}
	app := newChainApp(t, shaper, types.PostResponse)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Shaped"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "shaped", string(body))
}

func TestPluginChain_RedactsBeforeCompressing(t *testing.T) {
	logger := logrus.New()
	manager := plugins.NewManager(logger)
	require.NoError(t, manager.RegisterPlugin(response_compressor.NewResponseCompressorPlugin(logger)))
	require.NoError(t, manager.RegisterPlugin(data_masking.NewDataMaskingPlugin(logger)))

	require.NoError(t, manager.SetPluginChain(config.GatewayChainID, []types.PluginConfig{{
		ID:       config.GatewayChainID + ":" + response_compressor.PluginName,
		Name:     response_compressor.PluginName,
		Enabled:  true,
		Level:    types.GatewayLevel,
		Stage:    types.PostResponse,
		Settings: map[string]interface{}{"min_size_bytes": 64},
	}}))
	require.NoError(t, manager.SetPluginChain("accounts", []types.PluginConfig{{
		ID:       "accounts:" + data_masking.PluginName,
		Name:     data_masking.PluginName,
		Enabled:  true,
		Level:    types.RouteLevel,
		Stage:    types.PostResponse,
		Settings: map[string]interface{}{"fields": []string{"password"}},
	}}))

	app := newTestApp(
		NewRequestIDMiddleware().Middleware(),
		func(c *fiber.Ctx) error {
			c.Locals(RouteIDKey, "accounts")
			return c.Next()
		},
		NewPluginChainMiddleware(manager, logger).Middleware(),
	)
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"password": "hunter2",
			"bio":      strings.Repeat("lorem ipsum ", 16),
		})
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := app.Test(req)
	require.NoError(t, err)

	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	reader, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(reader)
	require.NoError(t, err)

	// Redaction runs on the plain body; only then does compression wrap it.
	assert.Contains(t, string(body), `"password":"[FILTERED]"`)
	assert.NotContains(t, string(body), "hunter2")
}

func TestRenderPluginError_DefaultsToForbidden(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return renderPluginError(c, &types.PluginError{
			Kind:    types.AccessDenied,
			Message: "access denied",
		})
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil))
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}
