package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvServer    = "CHATLINK_SERVER"
	EnvConfigDir = "CHATLINK_CONFIG_DIR"
	EnvDebug     = "CHATLINK_DEBUG"
)

const (
	defaultServerURL         = "https://majesticcoding.com"
	defaultChatPath          = "/ws/chat"
	defaultAuthSubprotocol   = "supabase-auth"
	defaultAssistantPath     = "/api/llm/"
	defaultProvidersPath     = "/api/llm/providers"
	defaultUsersPath         = "/api/chat/users"
	defaultLoginPath         = "/auth"
	defaultTokenKey          = "supabase_token"
	defaultAssistantTimeout  = 15 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultReconnectDebounce = 250 * time.Millisecond
	defaultHistoryLimit      = 500
	defaultLogMaxAge         = 3 * 24 * time.Hour

	maxAssistantTimeout  = 5 * time.Minute
	maxReconnectDebounce = 10 * time.Second
)

// Config holds the chat client configuration
type Config struct {
	ServerURL         string        `yaml:"serverUrl"`
	ChatPath          string        `yaml:"chatPath"`
	AuthSubprotocol   string        `yaml:"authSubprotocol"`
	AssistantPath     string        `yaml:"assistantPath"`
	ProvidersPath     string        `yaml:"providersPath"`
	UsersPath         string        `yaml:"usersPath"`
	LoginPath         string        `yaml:"loginPath"`
	AssistantProvider string        `yaml:"assistantProvider"` // empty = server picks
	AssistantTimeout  time.Duration `yaml:"assistantTimeout"`
	HandshakeTimeout  time.Duration `yaml:"handshakeTimeout"`
	ReconnectDebounce time.Duration `yaml:"reconnectDebounce"`
	HistoryLimit      int           `yaml:"historyLimit"` // 0 = unbounded
	TokenKey          string        `yaml:"tokenKey"`
	OpenBrowserOnAuth bool          `yaml:"openBrowserOnAuth"`

	Log LogConfig `yaml:"log"`

	// Dir is where config, token slot and logs live. Not read from the file.
	Dir string `yaml:"-"`
}

// LogConfig controls the logging package
type LogConfig struct {
	JSON   bool          `yaml:"json"`
	Debug  bool          `yaml:"debug"`
	MaxAge time.Duration `yaml:"maxAge"`
}

// DefaultDir returns ~/.chatlink, or CHATLINK_CONFIG_DIR when set.
func DefaultDir() string {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".chatlink")
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		ServerURL:         defaultServerURL,
		ChatPath:          defaultChatPath,
		AuthSubprotocol:   defaultAuthSubprotocol,
		AssistantPath:     defaultAssistantPath,
		ProvidersPath:     defaultProvidersPath,
		UsersPath:         defaultUsersPath,
		LoginPath:         defaultLoginPath,
		AssistantTimeout:  defaultAssistantTimeout,
		HandshakeTimeout:  defaultHandshakeTimeout,
		ReconnectDebounce: defaultReconnectDebounce,
		HistoryLimit:      defaultHistoryLimit,
		TokenKey:          defaultTokenKey,
		OpenBrowserOnAuth: true,
		Log: LogConfig{
			JSON:   true,
			MaxAge: defaultLogMaxAge,
		},
		Dir: DefaultDir(),
	}
}

// Path returns the config file location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// Load reads dir/config.yaml over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(dir string) (Config, error) {
	cfg := DefaultConfig()
	if dir != "" {
		cfg.Dir = dir
	}

	data, err := os.ReadFile(Path(cfg.Dir))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse %s: %w", Path(cfg.Dir), err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvServer); v != "" {
		c.ServerURL = v
	}
	if v := strings.ToLower(os.Getenv(EnvDebug)); v == "1" || v == "true" {
		c.Log.Debug = true
	}
}

// ValidationError holds validation warnings and whether defaults were applied
type ValidationError struct {
	Warnings []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Warnings, "; ")
}

func (e *ValidationError) HasWarnings() bool {
	return len(e.Warnings) > 0
}

// Validate fixes invalid values with defaults and reports what it changed
func (c *Config) Validate() *ValidationError {
	var warnings []string

	if _, err := parseServerURL(c.ServerURL); err != nil {
		warnings = append(warnings, fmt.Sprintf("invalid server URL %q (%v), using default %s", c.ServerURL, err, defaultServerURL))
		c.ServerURL = defaultServerURL
	}

	fixPath := func(name string, p *string, def string) {
		if !strings.HasPrefix(*p, "/") {
			warnings = append(warnings, fmt.Sprintf("invalid %s %q (must start with /), using default %s", name, *p, def))
			*p = def
		}
	}
	fixPath("chat path", &c.ChatPath, defaultChatPath)
	fixPath("assistant path", &c.AssistantPath, defaultAssistantPath)
	fixPath("providers path", &c.ProvidersPath, defaultProvidersPath)
	fixPath("users path", &c.UsersPath, defaultUsersPath)
	fixPath("login path", &c.LoginPath, defaultLoginPath)

	if c.AuthSubprotocol == "" || strings.ContainsAny(c.AuthSubprotocol, ", ") {
		warnings = append(warnings, fmt.Sprintf("invalid auth subprotocol %q, using default %s", c.AuthSubprotocol, defaultAuthSubprotocol))
		c.AuthSubprotocol = defaultAuthSubprotocol
	}

	if c.AssistantTimeout <= 0 || c.AssistantTimeout > maxAssistantTimeout {
		warnings = append(warnings, fmt.Sprintf("invalid assistant timeout %s (must be 1ns-%s), using default %s", c.AssistantTimeout, maxAssistantTimeout, defaultAssistantTimeout))
		c.AssistantTimeout = defaultAssistantTimeout
	}

	if c.HandshakeTimeout <= 0 {
		warnings = append(warnings, fmt.Sprintf("invalid handshake timeout %s, using default %s", c.HandshakeTimeout, defaultHandshakeTimeout))
		c.HandshakeTimeout = defaultHandshakeTimeout
	}

	if c.ReconnectDebounce < 0 || c.ReconnectDebounce > maxReconnectDebounce {
		warnings = append(warnings, fmt.Sprintf("invalid reconnect debounce %s (must be 0-%s), using default %s", c.ReconnectDebounce, maxReconnectDebounce, defaultReconnectDebounce))
		c.ReconnectDebounce = defaultReconnectDebounce
	}

	if c.HistoryLimit < 0 {
		warnings = append(warnings, fmt.Sprintf("invalid history limit %d, using default %d", c.HistoryLimit, defaultHistoryLimit))
		c.HistoryLimit = defaultHistoryLimit
	}

	if c.TokenKey == "" || strings.ContainsAny(c.TokenKey, `/\`) {
		warnings = append(warnings, fmt.Sprintf("invalid token key %q, using default %s", c.TokenKey, defaultTokenKey))
		c.TokenKey = defaultTokenKey
	}

	if c.Log.MaxAge <= 0 {
		c.Log.MaxAge = defaultLogMaxAge
	}

	if len(warnings) > 0 {
		return &ValidationError{Warnings: warnings}
	}
	return nil
}

// ValidateStrict returns an error if any value is invalid (without auto-fixing)
func (c *Config) ValidateStrict() error {
	var errs []string

	if _, err := parseServerURL(c.ServerURL); err != nil {
		errs = append(errs, fmt.Sprintf("server URL %q: %v", c.ServerURL, err))
	}
	for name, p := range map[string]string{
		"chat path":      c.ChatPath,
		"assistant path": c.AssistantPath,
		"providers path": c.ProvidersPath,
		"users path":     c.UsersPath,
		"login path":     c.LoginPath,
	} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Sprintf("%s must start with /, got %q", name, p))
		}
	}
	if c.AuthSubprotocol == "" || strings.ContainsAny(c.AuthSubprotocol, ", ") {
		errs = append(errs, fmt.Sprintf("auth subprotocol must be a single token, got %q", c.AuthSubprotocol))
	}
	if c.TokenKey == "" || strings.ContainsAny(c.TokenKey, `/\`) {
		errs = append(errs, fmt.Sprintf("token key must be a plain file name, got %q", c.TokenKey))
	}
	if c.AssistantTimeout <= 0 || c.AssistantTimeout > maxAssistantTimeout {
		errs = append(errs, fmt.Sprintf("assistant timeout must be 1ns-%s, got %s", maxAssistantTimeout, c.AssistantTimeout))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("handshake timeout must be positive, got %s", c.HandshakeTimeout))
	}
	if c.ReconnectDebounce < 0 || c.ReconnectDebounce > maxReconnectDebounce {
		errs = append(errs, fmt.Sprintf("reconnect debounce must be 0-%s, got %s", maxReconnectDebounce, c.ReconnectDebounce))
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Sprintf("history limit must be >= 0, got %d", c.HistoryLimit))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func parseServerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}

// ChatURL returns the WebSocket endpoint: http becomes ws, https becomes wss.
func (c Config) ChatURL() string {
	u, err := parseServerURL(c.ServerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = c.ChatPath
	u.RawQuery = ""
	return u.String()
}

// AssistantURL returns the assistant POST endpoint.
func (c Config) AssistantURL() string { return c.httpURL(c.AssistantPath) }

// ProvidersURL returns the assistant provider listing endpoint.
func (c Config) ProvidersURL() string { return c.httpURL(c.ProvidersPath) }

// UsersURL returns the chatter count endpoint.
func (c Config) UsersURL() string { return c.httpURL(c.UsersPath) }

// LoginURL returns the page that starts the external sign-in flow.
func (c Config) LoginURL() string { return c.httpURL(c.LoginPath) + "?redirect=%2Fdashboard" }

// TokenDir returns the directory holding the credential slot.
func (c Config) TokenDir() string { return c.Dir }

// LogDir returns the log directory.
func (c Config) LogDir() string { return filepath.Join(c.Dir, "logs") }

func (c Config) httpURL(path string) string {
	u, err := parseServerURL(c.ServerURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = path
	u.RawQuery = ""
	return u.String()
}

// Save writes the file-backed fields to dir/config.yaml.
func (c Config) Save() error {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return os.WriteFile(Path(c.Dir), data, 0600)
}
