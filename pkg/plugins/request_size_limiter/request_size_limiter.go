package request_size_limiter

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/types"
)

const (
	PluginName = "request_size_limiter"
)

// SizeUnit represents the unit for size measurement
type SizeUnit string

const (
	Bytes     SizeUnit = "bytes"
	Kilobytes SizeUnit = "kilobytes"
	Megabytes SizeUnit = "megabytes"
)

// Config represents the configuration for the request size limiter plugin
type Config struct {
	AllowedPayloadSize int      `mapstructure:"allowed_payload_size"`
	SizeUnit           SizeUnit `mapstructure:"size_unit"`

	// AllowedContentTypes restricts mutating requests to the listed media
	// types; empty means any type is accepted. Parameters (charset etc.) are
	// ignored when comparing.
	AllowedContentTypes []string `mapstructure:"allowed_content_types"`

	RequireContentLength bool `mapstructure:"require_content_length"`
}

// RequestSizeLimiterPlugin rejects oversized or wrongly-typed payloads before
// any other gate spends work on them.
type RequestSizeLimiterPlugin struct {
	logger *logrus.Logger
}

func NewRequestSizeLimiterPlugin(logger *logrus.Logger) pluginiface.Plugin {
	return &RequestSizeLimiterPlugin{
		logger: logger,
	}
}

// Name returns the name of the plugin
func (p *RequestSizeLimiterPlugin) Name() string {
	return PluginName
}

// Stages returns the fixed stages where this plugin must run
func (p *RequestSizeLimiterPlugin) Stages() []types.Stage {
	return []types.Stage{}
}

// AllowedStages returns all stages where this plugin is allowed to run
func (p *RequestSizeLimiterPlugin) AllowedStages() []types.Stage {
	return []types.Stage{types.PreRequest}
}

// ValidateConfig validates the plugin configuration
func (p *RequestSizeLimiterPlugin) ValidateConfig(config types.PluginConfig) error {
	var cfg Config
	if err := mapstructure.Decode(config.Settings, &cfg); err != nil {
		return fmt.Errorf("failed to decode config: %v", err)
	}

	if cfg.AllowedPayloadSize <= 0 {
		return fmt.Errorf("allowed_payload_size must be greater than 0")
	}

	if cfg.SizeUnit != "" && cfg.SizeUnit != Bytes && cfg.SizeUnit != Kilobytes && cfg.SizeUnit != Megabytes {
		return fmt.Errorf("size_unit must be one of: bytes, kilobytes, megabytes")
	}

	for _, ct := range cfg.AllowedContentTypes {
		if _, _, err := mime.ParseMediaType(ct); err != nil {
			return fmt.Errorf("invalid content type %q: %v", ct, err)
		}
	}

	return nil
}

// Execute implements the payload validation logic
func (p *RequestSizeLimiterPlugin) Execute(
	ctx context.Context,
	cfg types.PluginConfig,
	req *types.RequestContext,
	resp *types.ResponseContext,
) (*types.PluginResponse, error) {
	var config Config
	if err := mapstructure.Decode(cfg.Settings, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %v", err)
	}

	if config.SizeUnit == "" {
		config.SizeUnit = Megabytes
	}
	if config.AllowedPayloadSize <= 0 {
		config.AllowedPayloadSize = 10
	}

	if config.RequireContentLength && req.Header("Content-Length") == "" {
		return nil, &types.PluginError{
			StatusCode: http.StatusLengthRequired,
			Kind:       types.PayloadRejected,
			Message:    "Content-Length header is required",
		}
	}

	var maxSizeBytes int
	switch config.SizeUnit {
	case Bytes:
		maxSizeBytes = config.AllowedPayloadSize
	case Kilobytes:
		maxSizeBytes = config.AllowedPayloadSize * 1024
	case Megabytes:
		maxSizeBytes = config.AllowedPayloadSize * 1024 * 1024
	}

	byteSize := len(req.Body)

	if byteSize > maxSizeBytes {
		p.logger.WithFields(logrus.Fields{
			"request_size_bytes": byteSize,
			"max_size_bytes":     maxSizeBytes,
			"size_unit":          config.SizeUnit,
		}).Warn("request size limit exceeded")

		return nil, &types.PluginError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Kind:       types.PayloadRejected,
			Message:    fmt.Sprintf("request size limit exceeded, received %d bytes", byteSize),
		}
	}

	if denyErr := p.checkContentType(config, req); denyErr != nil {
		return nil, denyErr
	}

	headers := map[string][]string{
		"X-Request-Size-Bytes": {strconv.Itoa(byteSize)},
		"X-Size-Limit-Bytes":   {strconv.Itoa(maxSizeBytes)},
	}

	return &types.PluginResponse{
		StatusCode: http.StatusOK,
		Headers:    headers,
	}, nil
}

// checkContentType enforces the media-type allowlist on mutating methods.
// Reads carry no body contract, so GET, HEAD and the like pass untouched.
func (p *RequestSizeLimiterPlugin) checkContentType(config Config, req *types.RequestContext) *types.PluginError {
	if len(config.AllowedContentTypes) == 0 {
		return nil
	}

	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil
	}

	contentType := req.Header("Content-Type")
	if contentType == "" && len(req.Body) == 0 {
		return nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	for _, allowed := range config.AllowedContentTypes {
		allowedType, _, parseErr := mime.ParseMediaType(allowed)
		if parseErr != nil {
			allowedType = allowed
		}
		if mediaType == allowedType {
			return nil
		}
	}

	p.logger.WithFields(logrus.Fields{
		"content_type": contentType,
		"method":       req.Method,
	}).Warn("unsupported content type rejected")

	return &types.PluginError{
		StatusCode: http.StatusBadRequest,
		Kind:       types.PayloadRejected,
		Message:    fmt.Sprintf("unsupported content type %q", mediaType),
	}
}
