package injection_protection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/types"
)

const (
	PluginName = "injection_protection"
)

type AttackType string

const (
	SQL              AttackType = "sql"
	CommandInjection AttackType = "command"
	PathTraversal    AttackType = "path"
	XSS              AttackType = "xss"
	All              AttackType = "all"
)

type ContentType string

const (
	Headers      ContentType = "headers"
	PathAndQuery ContentType = "path_and_query"
	Body         ContentType = "body"
	AllContent   ContentType = "all"
)

// Patterns are compiled once at init. Configuration selects from this fixed
// set; only custom_injections compile user-supplied expressions, and those are
// validated up front.
var attackPatterns = map[AttackType]*regexp.Regexp{
	SQL: regexp.MustCompile(`(?i)(` +
		`['"]\s*OR\s*['"]?\d+['"]?\s*=\s*['"]?\d+|` +
		`UNION\s+(?:ALL\s+)?SELECT\s+|` +
		`(?:SLEEP|BENCHMARK|WAITFOR\s+DELAY)\s*\(\s*\d+|` +
		`['";]\s*;\s*(?:INSERT|UPDATE|DELETE|DROP|ALTER|TRUNCATE)\s+|` +
		`\b(?:DROP|DELETE|TRUNCATE)\s+(?:TABLE|DATABASE|SCHEMA)\s+\w+|` +
		`(?:['";]|\s)\s*(?:\/\*[^*]*\*\/|\-\-[^\r\n]*)` +
		`)`),

	CommandInjection: regexp.MustCompile(`(?i)(` +
		`[;&\|]\s*(?:ls|dir|cat|type|wget|curl|nc|netcat|rm|sh|bash)\b|` +
		`\b(?:system|exec|shell_exec|popen)\s*\(|` +
		`(?:nc|netcat|ncat)\s+-[ev]|` +
		`\$\((?:[^)]+)\)|` +
		"`[^`]+`" +
		`)`),

	PathTraversal: regexp.MustCompile(`(?i)(` +
		`\.\.\/|\.\.\\|` +
		`%2e%2e%2f|\.\.%2f|%2e%2e%5c|` +
		`\/etc\/(?:passwd|shadow|hosts)|` +
		`(?:etc|root|home)\/[^\/]+\/(?:\.ssh|id_rsa|bash_history)` +
		`)`),

	XSS: regexp.MustCompile(`(?i)(` +
		`<[^>]*script.*?>|` +
		`\bon\w+\s*=|` +
		`javascript:|` +
		`data:text/javascript|` +
		`<[^>]*iframe|<[^>]*object|<[^>]*embed` +
		`)`),
}

type Config struct {
	PredefinedInjections []struct {
		Type    AttackType `mapstructure:"type"`
		Enabled bool       `mapstructure:"enabled"`
	} `mapstructure:"predefined_injections"`
	CustomInjections []struct {
		Name    string `mapstructure:"name"`
		Pattern string `mapstructure:"pattern"`
	} `mapstructure:"custom_injections"`
	ContentToCheck []ContentType `mapstructure:"content_to_check"`
	ErrorMessage   string        `mapstructure:"error_message"`
}

type InjectionProtectionPlugin struct {
	logger *logrus.Logger
}

func NewInjectionProtectionPlugin(logger *logrus.Logger) pluginiface.Plugin {
	return &InjectionProtectionPlugin{
		logger: logger,
	}
}

func (p *InjectionProtectionPlugin) Name() string {
	return PluginName
}

func (p *InjectionProtectionPlugin) Stages() []types.Stage {
	return []types.Stage{}
}

func (p *InjectionProtectionPlugin) AllowedStages() []types.Stage {
	return []types.Stage{types.PreRequest}
}

func (p *InjectionProtectionPlugin) ValidateConfig(config types.PluginConfig) error {
	var cfg Config
	if err := mapstructure.Decode(config.Settings, &cfg); err != nil {
		return fmt.Errorf("failed to decode config: %v", err)
	}

	for _, contentType := range cfg.ContentToCheck {
		if contentType != Headers && contentType != PathAndQuery && contentType != Body && contentType != AllContent {
			return fmt.Errorf("invalid content type: %s", contentType)
		}
	}

	for _, injection := range cfg.PredefinedInjections {
		if injection.Type == All {
			continue
		}
		if _, exists := attackPatterns[injection.Type]; !exists {
			return fmt.Errorf("unknown injection type: %s", injection.Type)
		}
	}

	for _, injection := range cfg.CustomInjections {
		if injection.Pattern == "" {
			return fmt.Errorf("custom injection pattern cannot be empty")
		}
		if _, err := regexp.Compile(injection.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern '%s': %v", injection.Pattern, err)
		}
	}

	return nil
}

// Execute scans the selected request surfaces and rejects the whole request on
// the first match. There is no sanitization path; a suspicious payload never
// reaches the upstream in altered form.
func (p *InjectionProtectionPlugin) Execute(
	_ context.Context,
	pluginConfig types.PluginConfig,
	req *types.RequestContext,
	_ *types.ResponseContext,
) (*types.PluginResponse, error) {
	var cfg Config
	if err := mapstructure.Decode(pluginConfig.Settings, &cfg); err != nil {
		p.logger.WithError(err).Error("failed to decode config")
		return nil, fmt.Errorf("failed to decode config: %v", err)
	}

	if cfg.ErrorMessage == "" {
		cfg.ErrorMessage = "potential security threat detected"
	}
	if len(cfg.ContentToCheck) == 0 {
		cfg.ContentToCheck = []ContentType{AllContent}
	}

	patterns := make(map[AttackType]*regexp.Regexp)
	if len(cfg.PredefinedInjections) == 0 || p.hasAllPattern(cfg.PredefinedInjections) {
		for attackType, pattern := range attackPatterns {
			patterns[attackType] = pattern
		}
	} else {
		for _, injection := range cfg.PredefinedInjections {
			if injection.Enabled {
				if pattern, exists := attackPatterns[injection.Type]; exists {
					patterns[injection.Type] = pattern
				}
			}
		}
	}

	customPatterns := make(map[string]*regexp.Regexp)
	for _, custom := range cfg.CustomInjections {
		pattern, err := regexp.Compile(custom.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid custom pattern %s: %v", custom.Name, err)
		}
		customPatterns[custom.Name] = pattern
	}

	if len(patterns) == 0 && len(customPatterns) == 0 {
		return &types.PluginResponse{
			StatusCode: http.StatusOK,
			Message:    "content checked successfully",
		}, nil
	}

	contentTypeMap := p.buildContentTypeMap(cfg.ContentToCheck)

	if contentTypeMap[Headers] || contentTypeMap[AllContent] {
		if err := p.checkHeaders(req.Headers, patterns, customPatterns, cfg); err != nil {
			return nil, err
		}
	}

	if contentTypeMap[PathAndQuery] || contentTypeMap[AllContent] {
		if err := p.checkPathAndQuery(req, patterns, customPatterns, cfg); err != nil {
			return nil, err
		}
	}

	if contentTypeMap[Body] || contentTypeMap[AllContent] {
		if len(req.Body) > 0 {
			if err := p.checkBody(req.Body, patterns, customPatterns, cfg); err != nil {
				return nil, err
			}
		}
	}

	return &types.PluginResponse{
		StatusCode: http.StatusOK,
		Message:    "content checked successfully",
	}, nil
}

func (p *InjectionProtectionPlugin) buildContentTypeMap(contentToCheck []ContentType) map[ContentType]bool {
	m := make(map[ContentType]bool, len(contentToCheck))
	for _, ct := range contentToCheck {
		m[ct] = true
	}
	return m
}

func (p *InjectionProtectionPlugin) checkHeaders(
	headers map[string][]string,
	patterns map[AttackType]*regexp.Regexp,
	customPatterns map[string]*regexp.Regexp,
	cfg Config,
) error {
	for key, values := range headers {
		if strings.EqualFold(key, "host") {
			continue
		}
		for _, value := range values {
			if injectionType, match := p.findMatch(value, patterns, customPatterns); match != "" {
				return p.handleInjectionDetected(cfg, injectionType, match, "header", key)
			}
		}
	}
	return nil
}

func (p *InjectionProtectionPlugin) checkPathAndQuery(
	req *types.RequestContext,
	patterns map[AttackType]*regexp.Regexp,
	customPatterns map[string]*regexp.Regexp,
	cfg Config,
) error {
	for param, values := range req.Query {
		for _, value := range values {
			if injectionType, match := p.findMatch(value, patterns, customPatterns); match != "" {
				return p.handleInjectionDetected(cfg, injectionType, match, "query", param)
			}
		}
	}

	pathStr := req.Path
	if query := req.Query.Encode(); query != "" {
		pathStr += "?" + query
	}
	if injectionType, match := p.findMatch(pathStr, patterns, customPatterns); match != "" {
		return p.handleInjectionDetected(cfg, injectionType, match, "url", "")
	}
	return nil
}

func (p *InjectionProtectionPlugin) checkBody(
	body []byte,
	patterns map[AttackType]*regexp.Regexp,
	customPatterns map[string]*regexp.Regexp,
	cfg Config,
) error {
	if injectionType, match := p.findMatch(string(body), patterns, customPatterns); match != "" {
		return p.handleInjectionDetected(cfg, injectionType, match, "body", "")
	}

	var jsonBody interface{}
	if err := json.Unmarshal(body, &jsonBody); err == nil {
		if err := p.checkJSONContent(jsonBody, patterns, customPatterns, cfg); err != nil {
			return err
		}
	}
	return nil
}

// checkJSONContent walks nested objects and arrays; string values and object
// keys are both scanned.
func (p *InjectionProtectionPlugin) checkJSONContent(
	data interface{},
	patterns map[AttackType]*regexp.Regexp,
	customPatterns map[string]*regexp.Regexp,
	cfg Config,
) error {
	switch v := data.(type) {
	case map[string]interface{}:
		for key, value := range v {
			if injectionType, match := p.findMatch(key, patterns, customPatterns); match != "" {
				return p.handleInjectionDetected(cfg, injectionType, match, "json", key)
			}
			if err := p.checkJSONContent(value, patterns, customPatterns, cfg); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range v {
			if err := p.checkJSONContent(item, patterns, customPatterns, cfg); err != nil {
				return err
			}
		}
	case string:
		if injectionType, match := p.findMatch(v, patterns, customPatterns); match != "" {
			return p.handleInjectionDetected(cfg, injectionType, match, "json", "")
		}
	}
	return nil
}

func (p *InjectionProtectionPlugin) findMatch(
	content string,
	patterns map[AttackType]*regexp.Regexp,
	customPatterns map[string]*regexp.Regexp,
) (string, string) {
	for attackType, pattern := range patterns {
		if pattern.MatchString(content) {
			return string(attackType), content
		}
	}
	for name, pattern := range customPatterns {
		if pattern.MatchString(content) {
			return name, content
		}
	}
	return "", ""
}

func (p *InjectionProtectionPlugin) handleInjectionDetected(
	config Config,
	injectionType string,
	value string,
	location string,
	field string,
) error {
	truncatedValue := value
	if len(truncatedValue) > 100 {
		truncatedValue = truncatedValue[:97] + "..."
	}

	logFields := logrus.Fields{
		"injection_type": injectionType,
		"location":       location,
		"value":          truncatedValue,
	}
	if field != "" {
		logFields["field"] = field
	}

	p.logger.WithFields(logFields).Warn("threat detected")

	return &types.PluginError{
		StatusCode: http.StatusBadRequest,
		Kind:       types.PayloadRejected,
		Message:    config.ErrorMessage,
		Err:        fmt.Errorf("injection detected: %s in %s", injectionType, location),
	}
}

func (p *InjectionProtectionPlugin) hasAllPattern(injections []struct {
	Type    AttackType `mapstructure:"type"`
	Enabled bool       `mapstructure:"enabled"`
}) bool {
	for _, injection := range injections {
		if injection.Type == All && injection.Enabled {
			return true
		}
	}
	return false
}
