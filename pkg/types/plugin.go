package types

import (
	"fmt"
)

var ErrRequiredPluginNotFound = fmt.Errorf("plugin is required")

// Stage represents when a plugin should be executed
type Stage string

const (
	PreRequest   Stage = "pre_request"
	PostResponse Stage = "post_response"
)

// Level represents at which level the plugin is configured
type Level string

const (
	GatewayLevel Level = "gateway"
	RouteLevel   Level = "route"
)

// ErrorKind is the machine-readable classification carried by every denial.
type ErrorKind string

const (
	IdentityMissing          ErrorKind = "identity_missing"
	IdentityInvalid          ErrorKind = "identity_invalid"
	AccessDenied             ErrorKind = "access_denied"
	RateLimited              ErrorKind = "rate_limited"
	Banned                   ErrorKind = "banned"
	PayloadRejected          ErrorKind = "payload_rejected"
	UpstreamStoreUnavailable ErrorKind = "upstream_store_unavailable"
)

// PluginConfig represents the configuration for a plugin
type PluginConfig struct {
	ID       string                 `json:"id"` // ID of the gateway or route this plugin belongs to
	Name     string                 `json:"name"`
	Enabled  bool                   `json:"enabled"`
	Level    Level                  `json:"level"`
	Stage    Stage                  `json:"stage"`
	Priority int                    `json:"priority"`
	Settings map[string]interface{} `json:"settings"`
}

type PluginError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
	RetryAfter int
	Err        error
}

func (e *PluginError) Error() string {
	return e.Message
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

type PluginResponse struct {
	StatusCode int
	Message    string
	Body       []byte
	Headers    map[string][]string
	Metadata   map[string]interface{}
}

// PluginChain represents a sequence of plugins to be executed
type PluginChain struct {
	Stage   Stage          `json:"stage"`
	Plugins []PluginConfig `json:"plugins"`
}
