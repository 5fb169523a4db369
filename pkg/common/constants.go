package common

import "time"

const (
	ApiKeyCacheTTL     = 5 * time.Minute
	PermissionCacheTTL = 30 * time.Second
	OwnerCacheTTL      = 1 * time.Minute

	ApiKeyHeader     = "X-Api-Key"
	RequestIDHeader  = "X-Request-Id"
	RetryAfterHeader = "Retry-After"

	ApiKeyQueryParam = "api_key"
)

// CacheConfig holds the connection settings for the shared counter store.
type CacheConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
}
