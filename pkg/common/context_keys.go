package common

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	IdentityKey  contextKey = "identity"
	MetadataKey  contextKey = "metadata"
	ApiKeyIdKey  contextKey = "api_key_id"
)
