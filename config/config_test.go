package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.BindAddress)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Server.API)
	assert.Equal(t, 32, cfg.Server.MaxSessions)
	assert.Equal(t, 10*time.Second, cfg.Server.KeepAlive)
	assert.Equal(t, "responses", cfg.Provider.Wire)
	assert.Equal(t, "gpt-4o", cfg.Provider.DefaultModel)
	assert.False(t, cfg.RequestLog.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
bind_address = "0.0.0.0"
port = 9000
api = "both"
auth_token = "tok"
no_auth = false
cors_origins = ["https://app.example.com"]

[provider]
wire = "chat"
default_model = "gpt-4o-mini"
models = ["gpt-4o-mini", "gpt-4o"]
max_temperature = 2.0
max_tokens = 4096

[request_log]
enabled = true
path = "log.db"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.BindAddress)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "both", cfg.Server.API)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "chat", cfg.Provider.Wire)
	assert.Len(t, cfg.Provider.Models, 2)
	assert.Equal(t, 2.0, cfg.Provider.MaxTemperature)
	assert.True(t, cfg.RequestLog.Enabled)
	assert.Equal(t, "log.db", cfg.RequestLog.Path)
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("MODELGATE_SERVER_PORT", "7777")
	t.Setenv("MODELGATE_PROVIDER_API_KEY", "sk-test")

	cfg, err := Load(writeConfig(t, "[server]\nport = 9000\n"))
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "sk-test", cfg.Provider.APIKey)
}

func TestPolicyRaw(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server]
bind_address = "127.0.0.1"
port = 8090
no_auth = true
`))
	require.NoError(t, err)

	raw := cfg.Server.PolicyRaw()
	assert.Equal(t, "127.0.0.1", raw.BindAddress)
	assert.Equal(t, 8090, raw.Port)
	assert.True(t, raw.NoAuth)
}
