package plugins

import (
	"github.com/google/uuid"
	"github.com/renthub/apigate/pkg/types"
)

var PluginList = []PluginDefinition{
	{
		UUID:          GeneratePluginUUID("access_control"),
		Name:          "access_control",
		Description:   "Resolves the caller's permission set and allows or denies the requested capability",
		AllowedStages: []types.Stage{types.PreRequest},
		Category:      "access_control",
		Label:         "Access Control",
	},
	{
		UUID:          GeneratePluginUUID("rate_limiter"),
		Name:          "rate_limiter",
		Description:   "Limits request rates per identity and bans identities that exceed the burst threshold",
		AllowedStages: []types.Stage{types.PreRequest},
		Category:      "request_validation",
		Label:         "Rate Limiter",
	},
	{
		UUID:          GeneratePluginUUID("request_size_limiter"),
		Name:          "request_size_limiter",
		Description:   "Rejects oversized bodies and disallowed content types before business logic",
		AllowedStages: []types.Stage{types.PreRequest},
		Category:      "request_validation",
		Label:         "Request Size Limiter",
	},
	{
		UUID:          GeneratePluginUUID("injection_protection"),
		Name:          "injection_protection",
		Description:   "Rejects payloads matching unsafe patterns such as SQL control sequences and script tags",
		AllowedStages: []types.Stage{types.PreRequest},
		Category:      "content_security",
		Label:         "Injection Protection",
	},
	{
		UUID:          GeneratePluginUUID("data_masking"),
		Name:          "data_masking",
		Description:   "Replaces the values of configured sensitive fields in response bodies",
		AllowedStages: []types.Stage{types.PostResponse},
		Category:      "data_masking",
		Label:         "Data Masking",
	},
	{
		UUID:          GeneratePluginUUID("response_compressor"),
		Name:          "response_compressor",
		Description:   "Compresses response bodies when the negotiated encoding and content type allow it",
		AllowedStages: []types.Stage{types.PostResponse},
		Category:      "performance_optimization",
		Label:         "Response Compressor",
	},
	{
		UUID:          GeneratePluginUUID("cors"),
		Name:          "cors",
		Description:   "Handles Cross-Origin Resource Sharing (CORS) requests",
		AllowedStages: []types.Stage{types.PreRequest},
		Category:      "application_security",
		Label:         "CORS",
	},
}

func GeneratePluginUUID(pluginID string) string {
	namespace := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	id := uuid.NewSHA1(namespace, []byte(pluginID))
	return id.String()
}

type PluginDefinition struct {
	UUID          string        `json:"id"`
	Name          string        `json:"name"`
	Label         string        `json:"label"`
	Description   string        `json:"description"`
	AllowedStages []types.Stage `json:"allowed_stages"`
	Category      string        `json:"category"`
}
