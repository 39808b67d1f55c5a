package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.Nil(t, cfg.Validate())
	assert.NoError(t, cfg.ValidateStrict())
}

func TestValidateAppliesDefaults(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		check   func(t *testing.T, c Config)
		warning string
	}{
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.ServerURL = "ftp://example.com" },
			check:   func(t *testing.T, c Config) { assert.Equal(t, defaultServerURL, c.ServerURL) },
			warning: "server URL",
		},
		{
			name:    "relative chat path",
			mutate:  func(c *Config) { c.ChatPath = "ws/chat" },
			check:   func(t *testing.T, c Config) { assert.Equal(t, defaultChatPath, c.ChatPath) },
			warning: "chat path",
		},
		{
			name:    "zero assistant timeout",
			mutate:  func(c *Config) { c.AssistantTimeout = 0 },
			check:   func(t *testing.T, c Config) { assert.Equal(t, defaultAssistantTimeout, c.AssistantTimeout) },
			warning: "assistant timeout",
		},
		{
			name:    "negative debounce",
			mutate:  func(c *Config) { c.ReconnectDebounce = -time.Second },
			check:   func(t *testing.T, c Config) { assert.Equal(t, defaultReconnectDebounce, c.ReconnectDebounce) },
			warning: "reconnect debounce",
		},
		{
			name:    "negative history limit",
			mutate:  func(c *Config) { c.HistoryLimit = -1 },
			check:   func(t *testing.T, c Config) { assert.Equal(t, defaultHistoryLimit, c.HistoryLimit) },
			warning: "history limit",
		},
		{
			name:    "subprotocol with comma",
			mutate:  func(c *Config) { c.AuthSubprotocol = "a, b" },
			check:   func(t *testing.T, c Config) { assert.Equal(t, defaultAuthSubprotocol, c.AuthSubprotocol) },
			warning: "auth subprotocol",
		},
		{
			name:    "token key with separator",
			mutate:  func(c *Config) { c.TokenKey = "../escape" },
			check:   func(t *testing.T, c Config) { assert.Equal(t, defaultTokenKey, c.TokenKey) },
			warning: "token key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.ValidateStrict())

			verr := cfg.Validate()
			require.NotNil(t, verr)
			assert.True(t, verr.HasWarnings())
			assert.Contains(t, verr.Error(), tt.warning)
			tt.check(t, cfg)
			assert.NoError(t, cfg.ValidateStrict())
		})
	}
}

func TestDerivedURLs(t *testing.T) {
	tests := []struct {
		server    string
		chat      string
		assistant string
	}{
		{"https://majesticcoding.com", "wss://majesticcoding.com/ws/chat", "https://majesticcoding.com/api/llm/"},
		{"http://localhost:8080", "ws://localhost:8080/ws/chat", "http://localhost:8080/api/llm/"},
		{"ws://127.0.0.1:9000/ignored?x=1", "ws://127.0.0.1:9000/ws/chat", "http://127.0.0.1:9000/api/llm/"},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ServerURL = tt.server
			assert.Equal(t, tt.chat, cfg.ChatURL())
			assert.Equal(t, tt.assistant, cfg.AssistantURL())
			assert.True(t, strings.HasSuffix(cfg.ProvidersURL(), "/api/llm/providers"))
			assert.True(t, strings.HasSuffix(cfg.UsersURL(), "/api/chat/users"))
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvServer, "")
	t.Setenv(EnvDebug, "")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, defaultServerURL, cfg.ServerURL)
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.LogDir())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	content := `serverUrl: http://localhost:8080
assistantTimeout: 3s
historyLimit: 10
assistantProvider: groq
log:
  json: false
`
	require.NoError(t, os.WriteFile(Path(dir), []byte(content), 0600))
	t.Setenv(EnvServer, "")
	t.Setenv(EnvDebug, "true")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, 3*time.Second, cfg.AssistantTimeout)
	assert.Equal(t, 10, cfg.HistoryLimit)
	assert.Equal(t, "groq", cfg.AssistantProvider)
	assert.False(t, cfg.Log.JSON)
	assert.True(t, cfg.Log.Debug)
	assert.Equal(t, defaultChatPath, cfg.ChatPath)

	t.Setenv(EnvServer, "https://staging.example.com")
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com", cfg.ServerURL)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte("serverUrl: [unclosed"), 0600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvServer, "")
	t.Setenv(EnvDebug, "")

	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.ServerURL = "http://localhost:1234"
	cfg.AssistantTimeout = 7 * time.Second
	require.NoError(t, cfg.Save())

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1234", loaded.ServerURL)
	assert.Equal(t, 7*time.Second, loaded.AssistantTimeout)
}
