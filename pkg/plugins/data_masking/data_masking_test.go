package data_masking

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renthub/apigate/pkg/types"
)

func newPlugin() *DataMaskingPlugin {
	return &DataMaskingPlugin{logger: logrus.New()}
}

func fieldConfig(fields ...string) types.PluginConfig {
	return types.PluginConfig{Settings: map[string]interface{}{
		"fields": fields,
	}}
}

func maskedBody(t *testing.T, cfg types.PluginConfig, body string) map[string]interface{} {
	t.Helper()
	resp := &types.ResponseContext{Body: []byte(body)}
	_, err := newPlugin().Execute(context.Background(), cfg, &types.RequestContext{}, resp)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &decoded))
	return decoded
}

func TestValidateConfig(t *testing.T) {
	plugin := newPlugin()

	assert.NoError(t, plugin.ValidateConfig(fieldConfig("ssn")))
	assert.Error(t, plugin.ValidateConfig(types.PluginConfig{Settings: map[string]interface{}{}}))
	assert.Error(t, plugin.ValidateConfig(fieldConfig(" ")))
	assert.Error(t, plugin.ValidateConfig(types.PluginConfig{Settings: map[string]interface{}{
		"predefined_entities": []map[string]interface{}{
			{"entity": "blood_type", "enabled": true},
		},
	}}))
}

func TestExecute_RedactsTopLevelField(t *testing.T) {
	decoded := maskedBody(t, fieldConfig("ssn"),
		`{"name":"Ana","ssn":"123-45-6789"}`)

	assert.Equal(t, "Ana", decoded["name"])
	assert.Equal(t, FilteredValue, decoded["ssn"])
}

func TestExecute_FieldMatchIsCaseInsensitive(t *testing.T) {
	decoded := maskedBody(t, fieldConfig("ssn"),
		`{"SSN":"123-45-6789"}`)

	assert.Equal(t, FilteredValue, decoded["SSN"])
}

func TestExecute_RedactsNestedAndArrayFields(t *testing.T) {
	decoded := maskedBody(t, fieldConfig("card_number"),
		`{"guests":[{"name":"Ana","card_number":"4111111111111111"},{"name":"Luis","card_number":"5500000000000004"}]}`)

	guests, ok := decoded["guests"].([]interface{})
	require.True(t, ok)
	for _, g := range guests {
		guest, ok := g.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, FilteredValue, guest["card_number"])
		assert.NotEqual(t, FilteredValue, guest["name"])
	}
}

func TestExecute_RedactsNonStringSubtree(t *testing.T) {
	decoded := maskedBody(t, fieldConfig("payment"),
		`{"payment":{"card":"4111111111111111","cvv":"123"},"total":300}`)

	assert.Equal(t, FilteredValue, decoded["payment"], "whole subtree is replaced")
	assert.Equal(t, float64(300), decoded["total"])
}

func TestExecute_Idempotent(t *testing.T) {
	cfg := fieldConfig("ssn")
	resp := &types.ResponseContext{Body: []byte(`{"ssn":"123-45-6789"}`)}
	plugin := newPlugin()

	_, err := plugin.Execute(context.Background(), cfg, &types.RequestContext{}, resp)
	require.NoError(t, err)
	once := string(resp.Body)

	_, err = plugin.Execute(context.Background(), cfg, &types.RequestContext{}, resp)
	require.NoError(t, err)
	assert.Equal(t, once, string(resp.Body))
}

func TestExecute_ValuePatternRedaction(t *testing.T) {
	cfg := types.PluginConfig{Settings: map[string]interface{}{
		"predefined_entities": []map[string]interface{}{
			{"entity": "email", "enabled": true},
		},
	}}

	resp := &types.ResponseContext{Body: []byte(`{"contact":"write to ana@example.com please"}`)}
	_, err := newPlugin().Execute(context.Background(), cfg, &types.RequestContext{}, resp)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &decoded))
	assert.Equal(t, "write to "+FilteredValue+" please", decoded["contact"])
}

func TestExecute_NonJSONBodyGetsPatternRedactionOnly(t *testing.T) {
	cfg := types.PluginConfig{Settings: map[string]interface{}{
		"fields": []string{"email"},
		"predefined_entities": []map[string]interface{}{
			{"entity": "email", "enabled": true},
		},
	}}

	resp := &types.ResponseContext{Body: []byte("contact: ana@example.com")}
	_, err := newPlugin().Execute(context.Background(), cfg, &types.RequestContext{}, resp)
	require.NoError(t, err)
	assert.Equal(t, "contact: "+FilteredValue, string(resp.Body))
}

func TestExecute_EmptyBodyUntouched(t *testing.T) {
	resp := &types.ResponseContext{}
	_, err := newPlugin().Execute(context.Background(), fieldConfig("ssn"), &types.RequestContext{}, resp)
	assert.NoError(t, err)
	assert.Empty(t, resp.Body)
}
