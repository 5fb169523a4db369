package access_control

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/cache"
	"github.com/renthub/apigate/pkg/domain/resource"
	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/types"
)

const (
	PluginName = "access_control"

	// OwnQualifier marks a permission entry that only grants the capability on
	// resources owned by the caller, e.g. "bookings.cancel:own".
	OwnQualifier = ":own"
)

type Config struct {
	// Capability is the action this route represents, e.g. "properties.delete".
	Capability string `mapstructure:"capability"`
	// Roles maps a role name to its ordered capability-pattern list.
	Roles map[string][]string `mapstructure:"roles"`
	// ResourceType and ResourceParam locate the target resource for ownership
	// checks; the parameter is read from the query string.
	ResourceType  string `mapstructure:"resource_type"`
	ResourceParam string `mapstructure:"resource_param"`
}

type AccessControlPlugin struct {
	logger    *logrus.Logger
	cache     *cache.Cache
	resolvers *resource.ResolverRegistry
}

func NewAccessControlPlugin(
	logger *logrus.Logger,
	c *cache.Cache,
	resolvers *resource.ResolverRegistry,
) pluginiface.Plugin {
	return &AccessControlPlugin{
		logger:    logger,
		cache:     c,
		resolvers: resolvers,
	}
}

func (p *AccessControlPlugin) Name() string {
	return PluginName
}

func (p *AccessControlPlugin) Stages() []types.Stage {
	return []types.Stage{types.PreRequest}
}

func (p *AccessControlPlugin) AllowedStages() []types.Stage {
	return []types.Stage{types.PreRequest}
}

func (p *AccessControlPlugin) ValidateConfig(config types.PluginConfig) error {
	var cfg Config
	if err := mapstructure.Decode(config.Settings, &cfg); err != nil {
		return fmt.Errorf("failed to decode config: %v", err)
	}

	if cfg.Capability == "" {
		return fmt.Errorf("access control requires a 'capability'")
	}
	if strings.HasSuffix(cfg.Capability, OwnQualifier) {
		return fmt.Errorf("the requested capability must be the base form; %s belongs in permission entries", OwnQualifier)
	}
	if len(cfg.Roles) == 0 {
		return fmt.Errorf("access control requires a 'roles' permission table")
	}
	for role, patterns := range cfg.Roles {
		for _, pattern := range patterns {
			base := strings.TrimSuffix(pattern, OwnQualifier)
			if base == "" {
				return fmt.Errorf("empty permission pattern for role %s", role)
			}
			if strings.Contains(strings.TrimSuffix(base, "*"), "*") {
				return fmt.Errorf("wildcard only allowed as trailing segment in pattern %q", pattern)
			}
		}
	}
	return nil
}

// Execute resolves the caller's permission set and allows or denies the
// configured capability. Any matching allow entry grants access; there are no
// negative permissions in this model.
func (p *AccessControlPlugin) Execute(
	ctx context.Context,
	cfg types.PluginConfig,
	req *types.RequestContext,
	_ *types.ResponseContext,
) (*types.PluginResponse, error) {
	var config Config
	if err := mapstructure.Decode(cfg.Settings, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %v", err)
	}

	if req.Identity == nil {
		return nil, p.deny(req, config.Capability, "no identity")
	}

	permissions := p.permissionSet(cfg.ID, req, config)

	decision, matched := p.evaluate(ctx, permissions, config, req)
	if decision {
		p.audit(req, config.Capability, matched, true)
		return &types.PluginResponse{
			StatusCode: http.StatusOK,
			Message:    "capability allowed",
		}, nil
	}

	p.audit(req, config.Capability, "", false)
	return nil, p.deny(req, config.Capability, "no matching permission")
}

// permissionSet resolves and caches the flattened pattern list for the caller.
// The cache is keyed by chain id and identity so a role-table change plus
// ClearPermissionCache takes effect immediately.
func (p *AccessControlPlugin) permissionSet(chainID string, req *types.RequestContext, config Config) []string {
	cacheKey := fmt.Sprintf("%s:%s", chainID, req.Identity.Key())
	permCache := p.cache.GetTTLMap(cache.PermissionTTLName)
	if permCache != nil {
		if cached, ok := permCache.Get(cacheKey); ok {
			if patterns, ok := cached.([]string); ok {
				return patterns
			}
		}
	}

	var patterns []string
	for _, role := range req.Identity.Roles {
		patterns = append(patterns, config.Roles[role]...)
	}

	if permCache != nil {
		permCache.Set(cacheKey, patterns)
	}
	return patterns
}

// ClearPermissionCache invalidates cached resolutions for one identity key, or
// all of them when the key is empty. Call after a role or permission change.
func (p *AccessControlPlugin) ClearPermissionCache(chainID, identityKey string) {
	permCache := p.cache.GetTTLMap(cache.PermissionTTLName)
	if permCache == nil {
		return
	}
	if identityKey == "" {
		permCache.Clear()
		return
	}
	permCache.Delete(fmt.Sprintf("%s:%s", chainID, identityKey))
}

func (p *AccessControlPlugin) evaluate(
	ctx context.Context,
	permissions []string,
	config Config,
	req *types.RequestContext,
) (bool, string) {
	for _, pattern := range permissions {
		base, ownOnly := strings.CutSuffix(pattern, OwnQualifier)
		if !matchCapability(base, config.Capability) {
			continue
		}
		if !ownOnly {
			return true, pattern
		}
		if p.ownsResource(ctx, config, req) {
			return true, pattern
		}
		// Ownership did not hold; later entries may still grant outright.
	}
	return false, ""
}

func (p *AccessControlPlugin) ownsResource(ctx context.Context, config Config, req *types.RequestContext) bool {
	if config.ResourceType == "" {
		return false
	}
	param := config.ResourceParam
	if param == "" {
		param = "id"
	}
	resourceID := req.Query.Get(param)
	if resourceID == "" {
		return false
	}

	owner, err := p.resolvers.Owner(ctx, config.ResourceType, resourceID)
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"resource_type": config.ResourceType,
			"resource_id":   resourceID,
		}).Warn("ownership resolution failed")
		return false
	}
	return owner == req.Identity.OwnerID
}

// matchCapability matches a permission pattern against a capability. Patterns
// are exact strings or a trailing "*" over "."-delimited segments; "*" alone
// grants everything. No regex is ever built from configuration.
func matchCapability(pattern, capability string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == capability {
		return true
	}
	if !strings.HasSuffix(pattern, "*") {
		return false
	}

	prefix := strings.TrimSuffix(pattern, "*")
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return false
	}

	patternSegments := strings.Split(prefix, ".")
	capabilitySegments := strings.Split(capability, ".")
	if len(capabilitySegments) < len(patternSegments) {
		return false
	}
	for i, segment := range patternSegments {
		if capabilitySegments[i] != segment {
			return false
		}
	}
	return true
}

func (p *AccessControlPlugin) audit(req *types.RequestContext, capability, matched string, allowed bool) {
	entry := p.logger.WithField("audit", AccessControlData{
		Allowed:     allowed,
		Capability:  capability,
		MatchedRule: matched,
		Identity:    req.Identity.Key(),
		Path:        req.Path,
		Method:      req.Method,
	})
	if allowed {
		entry.Info("capability allowed")
	} else {
		entry.Info("capability denied")
	}
}

func (p *AccessControlPlugin) deny(req *types.RequestContext, capability, reason string) error {
	return &types.PluginError{
		StatusCode: http.StatusForbidden,
		Kind:       types.AccessDenied,
		Message:    "access denied",
		Err:        fmt.Errorf("capability %s denied for %s: %s", capability, req.Path, reason),
	}
}
