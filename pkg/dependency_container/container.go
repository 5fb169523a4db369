package dependency_container

import (
	"fmt"

	"github.com/sirupsen/logrus"

	appapikey "github.com/renthub/apigate/pkg/app/apikey"
	"github.com/renthub/apigate/pkg/cache"
	"github.com/renthub/apigate/pkg/common"
	"github.com/renthub/apigate/pkg/config"
	domainApikey "github.com/renthub/apigate/pkg/domain/apikey"
	"github.com/renthub/apigate/pkg/domain/resource"
	handlers "github.com/renthub/apigate/pkg/handlers/http"
	"github.com/renthub/apigate/pkg/identity"
	"github.com/renthub/apigate/pkg/infra/database"
	"github.com/renthub/apigate/pkg/infra/repository"
	"github.com/renthub/apigate/pkg/middleware"
	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/plugins"
	"github.com/renthub/apigate/pkg/plugins/access_control"
	"github.com/renthub/apigate/pkg/plugins/cors"
	"github.com/renthub/apigate/pkg/plugins/data_masking"
	"github.com/renthub/apigate/pkg/plugins/injection_protection"
	"github.com/renthub/apigate/pkg/plugins/rate_limiter"
	"github.com/renthub/apigate/pkg/plugins/request_size_limiter"
	"github.com/renthub/apigate/pkg/plugins/response_compressor"
)

type Container struct {
	Cache               *cache.Cache
	PluginManager       plugins.Manager
	ApiKeyRepository    domainApikey.Repository
	ApiKeyFinder        appapikey.Finder
	ResolverRegistry    *resource.ResolverRegistry
	IdentityResolver    *identity.Resolver
	MiddlewareTransport middleware.Transport
	HandlerTransport    handlers.HandlerTransport
}

type ContainerDI struct {
	Cfg    *config.Config
	Logger *logrus.Logger
	DB     *database.DB
}

func NewContainer(di ContainerDI) (*Container, error) {
	cacheInstance, err := cache.NewCache(common.CacheConfig{
		Host:     di.Cfg.Redis.Host,
		Port:     di.Cfg.Redis.Port,
		Password: di.Cfg.Redis.Password,
		DB:       di.Cfg.Redis.DB,
		TLS:      di.Cfg.Redis.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize counter store: %w", err)
	}
	cacheInstance.CreateTTLMap(cache.ApiKeyTTLName, common.ApiKeyCacheTTL)
	cacheInstance.CreateTTLMap(cache.PermissionTTLName, common.PermissionCacheTTL)
	cacheInstance.CreateTTLMap(cache.OwnerTTLName, common.OwnerCacheTTL)

	apiKeyRepository := repository.NewApiKeyRepository(di.DB.DB)
	apiKeyFinder := appapikey.NewFinder(apiKeyRepository, cacheInstance, di.Logger)

	resolverRegistry := resource.NewResolverRegistry()
	for _, resolver := range []resource.OwnershipResolver{
		repository.NewPropertyOwnershipRepository(di.DB.DB),
		repository.NewBookingOwnershipRepository(di.DB.DB),
	} {
		if err := resolverRegistry.Register(resolver); err != nil {
			return nil, fmt.Errorf("failed to register ownership resolver: %w", err)
		}
	}

	identityResolver := identity.NewResolver(
		apiKeyFinder,
		[]byte(di.Cfg.Auth.JWTSecret),
		di.Cfg.Auth.AnonymousRole,
		di.Logger,
	)

	pluginManager := plugins.NewManager(di.Logger)
	gatePlugins := []pluginiface.Plugin{
		access_control.NewAccessControlPlugin(di.Logger, cacheInstance, resolverRegistry),
		rate_limiter.NewRateLimiterPlugin(cacheInstance, di.Logger, nil),
		request_size_limiter.NewRequestSizeLimiterPlugin(di.Logger),
		injection_protection.NewInjectionProtectionPlugin(di.Logger),
		data_masking.NewDataMaskingPlugin(di.Logger),
		response_compressor.NewResponseCompressorPlugin(di.Logger),
		cors.NewCorsPlugin(di.Logger),
	}
	for _, plugin := range gatePlugins {
		if err := pluginManager.RegisterPlugin(plugin); err != nil {
			return nil, fmt.Errorf("failed to register plugin: %w", err)
		}
	}

	middlewareTransport := middleware.Transport{
		PanicRecoverMiddleware: middleware.NewPanicRecoverMiddleware(di.Logger),
		RequestIDMiddleware:    middleware.NewRequestIDMiddleware(),
		MetricsMiddleware:      middleware.NewMetricsMiddleware(di.Logger),
		SecurityMiddleware:     middleware.NewSecurityMiddleware(di.Logger, di.Cfg.Security),
		MaintenanceMiddleware:  middleware.NewMaintenanceMiddleware(di.Cfg.Server.MaintenanceMode),
		IdentityMiddleware:     middleware.NewIdentityMiddleware(di.Logger, identityResolver),
		PluginMiddleware:       middleware.NewPluginChainMiddleware(pluginManager, di.Logger),
	}

	handlerTransport := handlers.HandlerTransport{
		ForwardedHandler: handlers.NewForwardedHandler(di.Logger, di.Cfg.Routes),
	}

	return &Container{
		Cache:               cacheInstance,
		PluginManager:       pluginManager,
		ApiKeyRepository:    apiKeyRepository,
		ApiKeyFinder:        apiKeyFinder,
		ResolverRegistry:    resolverRegistry,
		IdentityResolver:    identityResolver,
		MiddlewareTransport: middlewareTransport,
		HandlerTransport:    handlerTransport,
	}, nil
}
