package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/renthub/apigate/pkg/types"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Security SecurityConfig `mapstructure:"security"`
	Gates    []GateConfig   `mapstructure:"gates"`
	Routes   []RouteConfig  `mapstructure:"routes"`
}

type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	MetricsPort     int    `mapstructure:"metrics_port"`
	MaintenanceMode bool   `mapstructure:"maintenance_mode"`
}

type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	EnableLatency  bool `mapstructure:"enable_latency"`
	EnablePerRoute bool `mapstructure:"enable_per_route"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TLS      bool   `mapstructure:"tls"`
}

type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwt_secret"`
	AnonymousRole string `mapstructure:"anonymous_role"`
}

// SecurityConfig drives the security-headers middleware.
type SecurityConfig struct {
	FrameDeny             bool   `mapstructure:"frame_deny"`
	ContentTypeNosniff    bool   `mapstructure:"content_type_nosniff"`
	BrowserXSSFilter      bool   `mapstructure:"browser_xss_filter"`
	ReferrerPolicy        string `mapstructure:"referrer_policy"`
	ContentSecurityPolicy string `mapstructure:"content_security_policy"`
	STSSeconds            int    `mapstructure:"sts_seconds"`
	STSIncludeSubdomains  bool   `mapstructure:"sts_include_subdomains"`
}

// GateConfig is one gate instance in a chain, gateway-level or per-route.
type GateConfig struct {
	Name     string                 `mapstructure:"name"`
	Enabled  bool                   `mapstructure:"enabled"`
	Priority int                    `mapstructure:"priority"`
	Stage    string                 `mapstructure:"stage"`
	Settings map[string]interface{} `mapstructure:"settings"`
}

type RouteConfig struct {
	ID        string       `mapstructure:"id"`
	Path      string       `mapstructure:"path"`
	Methods   []string     `mapstructure:"methods"`
	Upstream  string       `mapstructure:"upstream"`
	StripPath bool         `mapstructure:"strip_path"`
	Gates     []GateConfig `mapstructure:"gates"`
}

// PluginConfigs converts a gate list into the chain form the plugin manager
// consumes. The entity id scopes counter keys, so gateway-level and per-route
// instances of the same gate never share counters.
func PluginConfigs(entityID string, gates []GateConfig) []types.PluginConfig {
	configs := make([]types.PluginConfig, 0, len(gates))
	for _, gate := range gates {
		level := types.RouteLevel
		if entityID == GatewayChainID {
			level = types.GatewayLevel
		}
		configs = append(configs, types.PluginConfig{
			ID:       fmt.Sprintf("%s:%s", entityID, gate.Name),
			Name:     gate.Name,
			Enabled:  gate.Enabled,
			Level:    level,
			Stage:    types.Stage(gate.Stage),
			Priority: gate.Priority,
			Settings: gate.Settings,
		})
	}
	return configs
}

// GatewayChainID is the entity id of the gateway-level chain.
const GatewayChainID = "gateway"

var globalConfig Config

func Load(configPath string) error {
	if err := loadConfigFile(configPath, "config", &globalConfig); err != nil {
		return err
	}
	setDefaultValues()
	return nil
}

func loadConfigFile(configPath, fileName string, out interface{}) error {
	viper.SetConfigName(fileName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("config file %s.yaml not found, using only environment variables", fileName)
		}
		return fmt.Errorf("error reading config file %s.yaml: %w", fileName, err)
	}

	if err := viper.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal %s config: %w", fileName, err)
	}

	return nil
}

func setDefaultValues() {
	if globalConfig.Database.SSLMode == "" {
		globalConfig.Database.SSLMode = "disable"
	}
	if globalConfig.Server.Port == 0 {
		globalConfig.Server.Port = 8080
	}
	if globalConfig.Server.MetricsPort == 0 {
		globalConfig.Server.MetricsPort = 9090
	}
	if globalConfig.Auth.AnonymousRole == "" {
		globalConfig.Auth.AnonymousRole = "visitor"
	}
}

func GetConfig() *Config {
	return &globalConfig
}
