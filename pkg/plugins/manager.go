package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/types"
)

//go:generate mockery --name=Manager --dir=. --output=./mocks --filename=plugin_manager_mock.go --case=underscore --with-expecter
type Manager interface {
	ValidatePlugin(name string, config types.PluginConfig) error
	RegisterPlugin(plugin pluginiface.Plugin) error
	ClearPluginChain(id string)
	GetChains(entityID string, stage types.Stage) [][]types.PluginConfig
	SetPluginChain(entityID string, chain []types.PluginConfig) error
	GetPlugin(name string) pluginiface.Plugin
	ExecuteStage(
		ctx context.Context,
		stage types.Stage,
		entityID string,
		req *types.RequestContext,
		resp *types.ResponseContext,
	) (*types.ResponseContext, error)
}

type manager struct {
	mu             sync.RWMutex
	logger         *logrus.Logger
	plugins        map[string]pluginiface.Plugin
	configurations map[string][][]types.PluginConfig
}

func NewManager(logger *logrus.Logger) Manager {
	return &manager{
		logger:         logger,
		plugins:        make(map[string]pluginiface.Plugin),
		configurations: make(map[string][][]types.PluginConfig),
	}
}

// ValidatePlugin validates a plugin configuration
func (m *manager) ValidatePlugin(name string, config types.PluginConfig) error {
	m.mu.RLock()
	plugin, exists := m.plugins[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("unknown plugin: %s", name)
	}

	if err := plugin.ValidateConfig(config); err != nil {
		m.logger.WithError(err).Errorf("plugin %s validation failed", name)
		return err
	}

	return nil
}

func (m *manager) RegisterPlugin(plugin pluginiface.Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := plugin.Name()
	if _, exists := m.plugins[name]; exists {
		return fmt.Errorf("plugin %s already registered", name)
	}
	m.plugins[name] = plugin
	return nil
}

func (m *manager) ClearPluginChain(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.configurations[id]; !exists {
		return
	}

	delete(m.configurations, id)
}

func (m *manager) SetPluginChain(entityID string, chain []types.PluginConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range chain {
		if _, exists := m.plugins[cfg.Name]; !exists {
			return fmt.Errorf("plugin %s not registered", cfg.Name)
		}
	}

	if m.configurations[entityID] == nil {
		m.configurations[entityID] = [][]types.PluginConfig{}
	}

	m.configurations[entityID] = append(m.configurations[entityID], chain)

	return nil
}

// ExecuteStage runs every chain configured for the entity at the given stage.
// Execution is strictly sequential within a request; admission decisions depend
// only on the counter store, so there is nothing to parallelize.
func (m *manager) ExecuteStage(
	ctx context.Context,
	stage types.Stage,
	entityID string,
	req *types.RequestContext,
	resp *types.ResponseContext,
) (*types.ResponseContext, error) {
	m.mu.RLock()
	chains := m.GetChains(entityID, stage)
	plugins := m.plugins
	m.mu.RUnlock()

	req.Stage = stage

	executedPlugins := make(map[string]bool)

	for _, chain := range chains {
		if len(chain) > 0 {
			if err := m.executeChain(ctx, plugins, chain, req, resp, executedPlugins); err != nil {
				return resp, err
			}
		}
	}

	return resp, nil
}

func (m *manager) executeChain(
	ctx context.Context,
	plugins map[string]pluginiface.Plugin,
	chain []types.PluginConfig,
	req *types.RequestContext,
	resp *types.ResponseContext,
	executedPlugins map[string]bool,
) error {
	sortedConfigs := make([]types.PluginConfig, len(chain))
	copy(sortedConfigs, chain)
	sort.Slice(sortedConfigs, func(i, j int) bool {
		return sortedConfigs[i].Priority < sortedConfigs[j].Priority
	})

	for _, cfg := range sortedConfigs {
		if !cfg.Enabled {
			continue
		}

		pluginInstanceID := cfg.ID
		if pluginInstanceID == "" {
			pluginInstanceID = cfg.Name
		}
		if executedPlugins[pluginInstanceID] {
			continue
		}
		executedPlugins[pluginInstanceID] = true

		plugin, exists := plugins[cfg.Name]
		if !exists {
			continue
		}

		pluginResp, err := plugin.Execute(ctx, cfg, req, resp)
		if err != nil {
			return err
		}
		if pluginResp != nil {
			m.applyResponse(resp, pluginResp)
		}
	}
	return nil
}

func (m *manager) applyResponse(resp *types.ResponseContext, pluginResp *types.PluginResponse) {
	if pluginResp.StatusCode != 0 {
		resp.StatusCode = pluginResp.StatusCode
	}
	if pluginResp.Body != nil {
		resp.Body = pluginResp.Body
	}
	if pluginResp.Headers != nil {
		if resp.Headers == nil {
			resp.Headers = make(map[string][]string)
		}
		for k, v := range pluginResp.Headers {
			resp.Headers[k] = v
		}
	}
	if pluginResp.Metadata != nil {
		if resp.Metadata == nil {
			resp.Metadata = make(map[string]interface{})
		}
		for k, v := range pluginResp.Metadata {
			resp.Metadata[k] = v
		}
	}
}

func (m *manager) GetChains(entityID string, stage types.Stage) [][]types.PluginConfig {
	chainsGroups, exists := m.configurations[entityID]
	if !exists {
		return nil
	}

	var stageChains [][]types.PluginConfig

	for _, chain := range chainsGroups {
		var filteredGroup []types.PluginConfig

		for _, cfg := range chain {
			plugin, exists := m.plugins[cfg.Name]
			if !exists {
				continue
			}

			fixedStages := plugin.Stages()
			if len(fixedStages) > 0 {
				for _, fixedStage := range fixedStages {
					if fixedStage == stage {
						chainConfig := cfg
						chainConfig.Stage = stage
						filteredGroup = append(filteredGroup, chainConfig)
						break
					}
				}
				continue
			}

			if cfg.Stage == "" || cfg.Stage != stage {
				continue
			}

			for _, allowedStage := range plugin.AllowedStages() {
				if allowedStage == stage {
					filteredGroup = append(filteredGroup, cfg)
					break
				}
			}
		}

		if len(filteredGroup) > 0 {
			stageChains = append(stageChains, filteredGroup)
		}
	}

	return stageChains
}

// GetPlugin returns a plugin by name
func (m *manager) GetPlugin(name string) pluginiface.Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[name]
}
