package response_compressor

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/types"
)

const (
	PluginName = "response_compressor"

	EncodingGzip   = "gzip"
	EncodingBrotli = "br"

	defaultMinSizeBytes = 1024
)

var defaultCompressibleTypes = []string{
	"application/json",
	"application/xml",
	"text/plain",
	"text/html",
	"text/css",
	"text/javascript",
}

type Config struct {
	// MinSizeBytes skips bodies too small to benefit from compression.
	MinSizeBytes int `mapstructure:"min_size_bytes"`
	// ContentTypes replaces the default compressible media-type list.
	ContentTypes []string `mapstructure:"content_types"`
	// Level maps onto gzip levels; brotli uses its own default quality.
	Level int `mapstructure:"level"`
}

// ResponseCompressorPlugin negotiates an encoding from Accept-Encoding and
// compresses the response body. Brotli wins when the client accepts both.
type ResponseCompressorPlugin struct {
	logger *logrus.Logger
}

func NewResponseCompressorPlugin(logger *logrus.Logger) pluginiface.Plugin {
	return &ResponseCompressorPlugin{
		logger: logger,
	}
}

func (p *ResponseCompressorPlugin) Name() string {
	return PluginName
}

func (p *ResponseCompressorPlugin) Stages() []types.Stage {
	return []types.Stage{types.PostResponse}
}

func (p *ResponseCompressorPlugin) AllowedStages() []types.Stage {
	return []types.Stage{types.PostResponse}
}

func (p *ResponseCompressorPlugin) ValidateConfig(config types.PluginConfig) error {
	var cfg Config
	if err := mapstructure.Decode(config.Settings, &cfg); err != nil {
		return fmt.Errorf("failed to decode config: %v", err)
	}

	if cfg.MinSizeBytes < 0 {
		return fmt.Errorf("min_size_bytes cannot be negative")
	}
	if cfg.Level != 0 && (cfg.Level < gzip.BestSpeed || cfg.Level > gzip.BestCompression) {
		return fmt.Errorf("level must be between %d and %d", gzip.BestSpeed, gzip.BestCompression)
	}
	for _, ct := range cfg.ContentTypes {
		if _, _, err := mime.ParseMediaType(ct); err != nil {
			return fmt.Errorf("invalid content type %q: %v", ct, err)
		}
	}
	return nil
}

func (p *ResponseCompressorPlugin) Execute(
	_ context.Context,
	cfg types.PluginConfig,
	req *types.RequestContext,
	resp *types.ResponseContext,
) (*types.PluginResponse, error) {
	var config Config
	if err := mapstructure.Decode(cfg.Settings, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %v", err)
	}

	if config.MinSizeBytes == 0 {
		config.MinSizeBytes = defaultMinSizeBytes
	}
	if config.Level == 0 {
		config.Level = gzip.DefaultCompression
	}

	// An already-encoded body is never compressed twice.
	if resp.Header("Content-Encoding") != "" {
		return nil, nil
	}
	if len(resp.Body) < config.MinSizeBytes {
		return nil, nil
	}
	if !p.compressible(resp.Header("Content-Type"), config.ContentTypes) {
		return nil, nil
	}

	encoding := negotiateEncoding(req.Header("Accept-Encoding"))
	if encoding == "" {
		return nil, nil
	}

	compressed, err := p.compress(resp.Body, encoding, config.Level)
	if err != nil {
		p.logger.WithError(err).WithField("encoding", encoding).Error("response compression failed")
		return nil, fmt.Errorf("response compression failed: %w", err)
	}

	// A body that grows under compression is served as-is.
	if len(compressed) >= len(resp.Body) {
		return nil, nil
	}

	resp.Body = compressed
	resp.SetHeader("Content-Encoding", encoding)
	resp.SetHeader("Content-Length", strconv.Itoa(len(compressed)))
	resp.SetHeader("Vary", "Accept-Encoding")

	return nil, nil
}

func (p *ResponseCompressorPlugin) compress(body []byte, encoding string, level int) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case EncodingBrotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case EncodingGzip:
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	return buf.Bytes(), nil
}

func (p *ResponseCompressorPlugin) compressible(contentType string, allowed []string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	if len(allowed) == 0 {
		allowed = defaultCompressibleTypes
	}
	for _, candidate := range allowed {
		if mediaType == candidate {
			return true
		}
	}
	return false
}

// negotiateEncoding picks br over gzip when both are acceptable. Quality
// values only matter as q=0 exclusions; full qvalue ordering is not needed
// for two encodings.
func negotiateEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return ""
	}

	accepts := func(name string) bool {
		for _, part := range strings.Split(acceptEncoding, ",") {
			token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
			if strings.TrimSpace(token) != name {
				continue
			}
			q := strings.ReplaceAll(params, " ", "")
			if q == "q=0" || strings.HasPrefix(q, "q=0.0") {
				return false
			}
			return true
		}
		return false
	}

	if accepts(EncodingBrotli) {
		return EncodingBrotli
	}
	if accepts(EncodingGzip) {
		return EncodingGzip
	}
	return ""
}
