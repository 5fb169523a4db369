package plugins

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renthub/apigate/pkg/pluginiface"
	"github.com/renthub/apigate/pkg/plugins/cors"
	"github.com/renthub/apigate/pkg/plugins/data_masking"
	"github.com/renthub/apigate/pkg/plugins/injection_protection"
	"github.com/renthub/apigate/pkg/plugins/request_size_limiter"
	"github.com/renthub/apigate/pkg/plugins/response_compressor"
)

// The catalog is served to operators; its advertised stages must match what
// the plugins themselves accept.
func TestPluginList_StagesMatchPlugins(t *testing.T) {
	logger := logrus.New()
	installed := []pluginiface.Plugin{
		cors.NewCorsPlugin(logger),
		data_masking.NewDataMaskingPlugin(logger),
		injection_protection.NewInjectionProtectionPlugin(logger),
		request_size_limiter.NewRequestSizeLimiterPlugin(logger),
		response_compressor.NewResponseCompressorPlugin(logger),
	}

	byName := make(map[string]PluginDefinition, len(PluginList))
	for _, def := range PluginList {
		byName[def.Name] = def
	}

	for _, plugin := range installed {
		def, ok := byName[plugin.Name()]
		require.True(t, ok, "plugin %s missing from the catalog", plugin.Name())
		assert.Equal(t, plugin.AllowedStages(), def.AllowedStages, plugin.Name())
	}
}

func TestGeneratePluginUUID_IsStable(t *testing.T) {
	assert.Equal(t, GeneratePluginUUID("cors"), GeneratePluginUUID("cors"))
	assert.NotEqual(t, GeneratePluginUUID("cors"), GeneratePluginUUID("data_masking"))
}
