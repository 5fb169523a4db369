package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/renthub/apigate/pkg/config"
	"github.com/renthub/apigate/pkg/dependency_container"
	"github.com/renthub/apigate/pkg/infra/database"
	infraLogger "github.com/renthub/apigate/pkg/infra/logger"
	"github.com/renthub/apigate/pkg/plugins"
	"github.com/renthub/apigate/pkg/server"
)

func main() {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	logger := infraLogger.NewLogger()

	if err := config.Load(os.Getenv("CONFIG_PATH")); err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	cfg := config.GetConfig()

	db, err := database.NewDB(logger, &database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()

	container, err := dependency_container.NewContainer(dependency_container.ContainerDI{
		Cfg:    cfg,
		Logger: logger,
		DB:     db,
	})
	if err != nil {
		logger.Fatalf("failed to build dependency container: %v", err)
	}

	if err := setupGateChains(container.PluginManager, cfg); err != nil {
		logger.Fatalf("failed to configure gate chains: %v", err)
	}

	srv := server.NewProxyServer(server.ProxyServerDI{
		Config:              cfg,
		Logger:              logger,
		MiddlewareTransport: container.MiddlewareTransport,
		HandlerTransport:    container.HandlerTransport,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(srv.Run)
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		return srv.Shutdown()
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
	logger.Info("server gracefully stopped")
}

// setupGateChains validates and installs the configured gate chains, the
// gateway-wide one first, then one per route.
func setupGateChains(manager plugins.Manager, cfg *config.Config) error {
	gatewayChain := config.PluginConfigs(config.GatewayChainID, cfg.Gates)
	for _, pluginConfig := range gatewayChain {
		if err := manager.ValidatePlugin(pluginConfig.Name, pluginConfig); err != nil {
			return err
		}
	}
	if err := manager.SetPluginChain(config.GatewayChainID, gatewayChain); err != nil {
		return err
	}

	for _, route := range cfg.Routes {
		routeChain := config.PluginConfigs(route.ID, route.Gates)
		for _, pluginConfig := range routeChain {
			if err := manager.ValidatePlugin(pluginConfig.Name, pluginConfig); err != nil {
				return err
			}
		}
		if err := manager.SetPluginChain(route.ID, routeChain); err != nil {
			return err
		}
	}
	return nil
}
