package config

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpmesh/internal/mcperrors"
	"mcpmesh/internal/mcptypes"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

const sampleDoc = `{
  "version": "1.0.0",
  "servers": [
    {
      "name": "db",
      "transport": "http",
      "priority": 60,
      "config": { "base_url": "${DB_URL}" }
    },
    {
      "name": "fs",
      "transport": "stdio",
      "config": { "command": "${FS_CMD:-/bin/fs-server}" }
    }
  ]
}`

func TestLoadSubstitutesEnvironmentVariables(t *testing.T) {
	doc, err := Load(strings.NewReader(sampleDoc), "test.json", Options{
		Lookup: lookupMap(map[string]string{"DB_URL": "https://db.internal"}),
	})
	require.NoError(t, err)
	require.Len(t, doc.Servers, 2)

	var httpCfg struct {
		BaseURL string `json:"base_url"`
	}
	require.NoError(t, json.Unmarshal(doc.Servers[0].Config, &httpCfg))
	assert.Equal(t, "https://db.internal", httpCfg.BaseURL)
}

func TestLoadAppliesDefaultOnUndefinedVar(t *testing.T) {
	doc, err := Load(strings.NewReader(sampleDoc), "test.json", Options{
		Lookup: lookupMap(map[string]string{"DB_URL": "https://db.internal"}),
	})
	require.NoError(t, err)

	var stdioCfg struct {
		Command string `json:"command"`
	}
	require.NoError(t, json.Unmarshal(doc.Servers[1].Config, &stdioCfg))
	assert.Equal(t, "/bin/fs-server", stdioCfg.Command)
}

func TestLoadStrictModeRejectsUndefinedVar(t *testing.T) {
	_, err := Load(strings.NewReader(sampleDoc), "test.json", Options{
		Strict: true,
		Lookup: lookupMap(map[string]string{}),
	})
	require.Error(t, err)
	var cfgErr *mcperrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNestedSubstitutionResolvesInnermostFirst(t *testing.T) {
	doc := `{"version":"1.0.0","servers":[{"name":"a","transport":"http","config":{"base_url":"${PREFIX_${SUFFIX}}"}}]}`
	parsed, err := Load(strings.NewReader(doc), "test.json", Options{
		Lookup: lookupMap(map[string]string{"SUFFIX": "NAME", "PREFIX_NAME": "resolved"}),
	})
	require.NoError(t, err)
	var httpCfg struct {
		BaseURL string `json:"base_url"`
	}
	require.NoError(t, json.Unmarshal(parsed.Servers[0].Config, &httpCfg))
	assert.Equal(t, "resolved", httpCfg.BaseURL)
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	doc := &Document{Servers: []ServerSpec{
		{Name: "a", Transport: "http"},
		{Name: "a", Transport: "http"},
	}}
	assert.Error(t, Validate(doc))
}

func TestValidateRejectsBadPriority(t *testing.T) {
	doc := &Document{Servers: []ServerSpec{{Name: "a", Transport: "http", Priority: 999}}}
	assert.Error(t, Validate(doc))
}

func TestValidateRejectsNonKebabName(t *testing.T) {
	doc := &Document{Servers: []ServerSpec{{Name: "Not_Kebab", Transport: "http"}}}
	assert.Error(t, Validate(doc))
}

func TestToServerConfigAppliesDocumentDefaults(t *testing.T) {
	spec := ServerSpec{Name: "db", Transport: "http", Config: []byte(`{"base_url":"https://x"}`)}
	cfg, err := ToServerConfig(spec, Defaults{TimeoutMs: 5000, RetryAttempts: 3, RetryDelayMs: 250})
	require.NoError(t, err)
	assert.Equal(t, mcptypes.TransportHTTP, cfg.Transport)
	assert.Equal(t, 3, cfg.RetryAttempts)
	require.NotNil(t, cfg.HTTP)
	assert.Equal(t, "https://x", cfg.HTTP.BaseURL)
}

func TestToServerConfigOverridesDefaults(t *testing.T) {
	spec := ServerSpec{Name: "db", Transport: "http", Config: []byte(`{"base_url":"https://x","retry_attempts":7}`)}
	cfg, err := ToServerConfig(spec, Defaults{RetryAttempts: 3})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RetryAttempts)
}
