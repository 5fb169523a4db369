package data_masking

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/types"
)

const (
	PluginName = "data_masking"

	// FilteredValue replaces every redacted field. A body already carrying it
	// is left unchanged, so running the plugin twice is a no-op.
	FilteredValue = "[FILTERED]"
)

type PredefinedEntity string

const (
	CreditCard  PredefinedEntity = "credit_card"
	Email       PredefinedEntity = "email"
	PhoneNumber PredefinedEntity = "phone_number"
	APIKey      PredefinedEntity = "api_key"
	IBAN        PredefinedEntity = "iban"
)

var predefinedEntityPatterns = map[PredefinedEntity]*regexp.Regexp{
	CreditCard:  regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
	Email:       regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	PhoneNumber: regexp.MustCompile(`\b\+?\d{1,4}[\s-]?\(?\d{2,4}\)?[\s-]?\d{2,4}[\s-]?\d{2,4}\b`),
	APIKey:      regexp.MustCompile(`(?i)(api[_-]?key|access[_-]?key)[\s]*[=:]\s*\S+`),
	IBAN:        regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{4,30}\b`),
}

type Config struct {
	// Fields lists response field names whose values are replaced wholesale.
	// Matching is case-insensitive and applies at any nesting depth.
	Fields []string `mapstructure:"fields"`
	// PredefinedEntities enables value-pattern redaction inside string values.
	PredefinedEntities []struct {
		Entity  PredefinedEntity `mapstructure:"entity"`
		Enabled bool             `mapstructure:"enabled"`
	} `mapstructure:"predefined_entities"`
}

type DataMaskingPlugin struct {
	logger *logrus.Logger
}

func NewDataMaskingPlugin(logger *logrus.Logger) pluginiface.Plugin {
	return &DataMaskingPlugin{
		logger: logger,
	}
}

func (p *DataMaskingPlugin) Name() string {
	return PluginName
}

func (p *DataMaskingPlugin) Stages() []types.Stage {
	return []types.Stage{types.PostResponse}
}

func (p *DataMaskingPlugin) AllowedStages() []types.Stage {
	return []types.Stage{types.PostResponse}
}

func (p *DataMaskingPlugin) ValidateConfig(config types.PluginConfig) error {
	var cfg Config
	if err := mapstructure.Decode(config.Settings, &cfg); err != nil {
		return fmt.Errorf("failed to decode config: %v", err)
	}

	if len(cfg.Fields) == 0 && len(cfg.PredefinedEntities) == 0 {
		return fmt.Errorf("data masking requires 'fields' or 'predefined_entities'")
	}
	for _, field := range cfg.Fields {
		if strings.TrimSpace(field) == "" {
			return fmt.Errorf("field names cannot be empty")
		}
	}
	for _, entity := range cfg.PredefinedEntities {
		if _, exists := predefinedEntityPatterns[entity.Entity]; !exists {
			return fmt.Errorf("unknown predefined entity: %s", entity.Entity)
		}
	}
	return nil
}

// Execute redacts configured fields in the response body. Non-JSON bodies only
// get value-pattern redaction; field redaction needs a decoded structure.
func (p *DataMaskingPlugin) Execute(
	_ context.Context,
	cfg types.PluginConfig,
	_ *types.RequestContext,
	resp *types.ResponseContext,
) (*types.PluginResponse, error) {
	var config Config
	if err := mapstructure.Decode(cfg.Settings, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %v", err)
	}

	if len(resp.Body) == 0 {
		return nil, nil
	}

	fieldSet := make(map[string]bool, len(config.Fields))
	for _, field := range config.Fields {
		fieldSet[strings.ToLower(field)] = true
	}

	var patterns []*regexp.Regexp
	for _, entity := range config.PredefinedEntities {
		if entity.Enabled {
			patterns = append(patterns, predefinedEntityPatterns[entity.Entity])
		}
	}

	var decoded interface{}
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		masked := p.maskValuePatterns(string(resp.Body), patterns)
		resp.Body = []byte(masked)
		return nil, nil
	}

	redacted := p.maskNode(decoded, fieldSet, patterns)

	body, err := json.Marshal(redacted)
	if err != nil {
		p.logger.WithError(err).Error("failed to encode masked response body")
		return nil, fmt.Errorf("failed to encode masked body: %w", err)
	}
	resp.Body = body

	return nil, nil
}

// maskNode walks the decoded body. Field matches replace the entire subtree so
// nothing nested under a sensitive key survives.
func (p *DataMaskingPlugin) maskNode(node interface{}, fields map[string]bool, patterns []*regexp.Regexp) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, value := range v {
			if fields[strings.ToLower(key)] {
				v[key] = FilteredValue
				continue
			}
			v[key] = p.maskNode(value, fields, patterns)
		}
		return v
	case []interface{}:
		for i, item := range v {
			v[i] = p.maskNode(item, fields, patterns)
		}
		return v
	case string:
		if v == FilteredValue {
			return v
		}
		return p.maskValuePatterns(v, patterns)
	default:
		return v
	}
}

func (p *DataMaskingPlugin) maskValuePatterns(value string, patterns []*regexp.Regexp) string {
	for _, pattern := range patterns {
		value = pattern.ReplaceAllString(value, FilteredValue)
	}
	return value
}
