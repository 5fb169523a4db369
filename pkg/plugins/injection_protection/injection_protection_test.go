package injection_protection

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renthub/apigate/pkg/types"
)

func newPlugin() *InjectionProtectionPlugin {
	return &InjectionProtectionPlugin{logger: logrus.New()}
}

func allContentConfig() types.PluginConfig {
	return types.PluginConfig{Settings: map[string]interface{}{
		"content_to_check": []string{"all"},
	}}
}

func execute(t *testing.T, req *types.RequestContext) error {
	t.Helper()
	_, err := newPlugin().Execute(context.Background(), allContentConfig(), req, &types.ResponseContext{})
	return err
}

func assertRejected(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	var pluginErr *types.PluginError
	require.ErrorAs(t, err, &pluginErr)
	assert.Equal(t, http.StatusBadRequest, pluginErr.StatusCode)
	assert.Equal(t, types.PayloadRejected, pluginErr.Kind)
}

func TestValidateConfig(t *testing.T) {
	plugin := newPlugin()

	assert.NoError(t, plugin.ValidateConfig(allContentConfig()))

	assert.Error(t, plugin.ValidateConfig(types.PluginConfig{Settings: map[string]interface{}{
		"content_to_check": []string{"cookies"},
	}}))

	assert.Error(t, plugin.ValidateConfig(types.PluginConfig{Settings: map[string]interface{}{
		"custom_injections": []map[string]interface{}{
			{"name": "bad", "pattern": "("},
		},
	}}))

	assert.Error(t, plugin.ValidateConfig(types.PluginConfig{Settings: map[string]interface{}{
		"predefined_injections": []map[string]interface{}{
			{"type": "ldap", "enabled": true},
		},
	}}))
}

func TestExecute_CleanRequestPasses(t *testing.T) {
	err := execute(t, &types.RequestContext{
		Method: http.MethodPost,
		Path:   "/v1/properties",
		Query:  url.Values{"city": {"Lisbon"}},
		Headers: map[string][]string{
			"Content-Type": {"application/json"},
		},
		Body: []byte(`{"title":"Sea view flat","price_per_night":120}`),
	})
	assert.NoError(t, err)
}

func TestExecute_SQLInBody(t *testing.T) {
	err := execute(t, &types.RequestContext{
		Path:  "/v1/search",
		Query: url.Values{},
		Body:  []byte(`{"q":"' OR 1=1 --"}`),
	})
	assertRejected(t, err)
}

func TestExecute_SQLInQueryParam(t *testing.T) {
	err := execute(t, &types.RequestContext{
		Path:  "/v1/search",
		Query: url.Values{"q": {"1 UNION ALL SELECT password FROM users"}},
	})
	assertRejected(t, err)
}

func TestExecute_CommandInjectionInBody(t *testing.T) {
	err := execute(t, &types.RequestContext{
		Path:  "/v1/properties",
		Query: url.Values{},
		Body:  []byte(`{"name":"x; cat /etc/passwd"}`),
	})
	assertRejected(t, err)
}

func TestExecute_PathTraversalInPath(t *testing.T) {
	err := execute(t, &types.RequestContext{
		Path:  "/v1/files/../../etc/passwd",
		Query: url.Values{},
	})
	assertRejected(t, err)
}

func TestExecute_XSSInHeader(t *testing.T) {
	err := execute(t, &types.RequestContext{
		Path:  "/v1/properties",
		Query: url.Values{},
		Headers: map[string][]string{
			"X-Custom": {"<script>alert(1)</script>"},
		},
	})
	assertRejected(t, err)
}

func TestExecute_NestedJSONValueDetected(t *testing.T) {
	err := execute(t, &types.RequestContext{
		Path:  "/v1/bookings",
		Query: url.Values{},
		Body:  []byte(`{"guest":{"notes":["fine","<iframe src=evil>"]}}`),
	})
	assertRejected(t, err)
}

func TestExecute_HostHeaderSkipped(t *testing.T) {
	err := execute(t, &types.RequestContext{
		Path:  "/v1/properties",
		Query: url.Values{},
		Headers: map[string][]string{
			"Host": {"onclick=payload.example.com"},
		},
	})
	assert.NoError(t, err, "the host header is not scanned")
}

func TestExecute_SelectedPatternsOnly(t *testing.T) {
	cfg := types.PluginConfig{Settings: map[string]interface{}{
		"content_to_check": []string{"body"},
		"predefined_injections": []map[string]interface{}{
			{"type": "xss", "enabled": true},
		},
	}}

	req := &types.RequestContext{
		Query: url.Values{},
		Body:  []byte(`{"q":"' OR 1=1 --"}`),
	}
	_, err := newPlugin().Execute(context.Background(), cfg, req, &types.ResponseContext{})
	assert.NoError(t, err, "sql scanning is off when only xss is enabled")
}

func TestExecute_CustomPattern(t *testing.T) {
	cfg := types.PluginConfig{Settings: map[string]interface{}{
		"content_to_check": []string{"body"},
		"predefined_injections": []map[string]interface{}{
			{"type": "xss", "enabled": false},
		},
		"custom_injections": []map[string]interface{}{
			{"name": "internal_hostname", "pattern": `(?i)db-primary\.internal`},
		},
	}}

	req := &types.RequestContext{
		Query: url.Values{},
		Body:  []byte(`{"target":"db-primary.internal"}`),
	}
	_, err := newPlugin().Execute(context.Background(), cfg, req, &types.ResponseContext{})
	assertRejected(t, err)
}
