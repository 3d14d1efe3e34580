package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Config is the root configuration for fsbot.
type Config struct {
	General   GeneralConfig             `json:"general"`
	Whitelist WhitelistConfig           `json:"whitelist"`
	Providers map[string]ProviderConfig `json:"providers"`
	Agent     AgentConfig               `json:"agent"`
	Tools     ToolsConfig               `json:"tools"`
	Gateway   GatewayConfig             `json:"gateway"`
	Store     StoreConfig               `json:"store"`
}

type GeneralConfig struct {
	LogLevel        string `json:"logLevel"`
	LogFile         string `json:"logFile,omitempty"` // optional log file path
	DefaultProvider string `json:"defaultProvider"`
}

// WhitelistConfig locates the whitelist resource. The resource itself is a
// YAML file holding the allowed root directories; it is deliberately kept
// outside config.json so it can be edited and reloaded without restarting.
type WhitelistConfig struct {
	Path string `json:"path"`
}

type ProviderConfig struct {
	Enabled         bool   `json:"enabled"`
	Type            string `json:"type"` // "ollama" | "openai"
	APIBase         string `json:"apiBase,omitempty"`
	APIKey          string `json:"apiKey,omitempty"`
	DefaultModel    string `json:"defaultModel,omitempty"`
	RateLimitPerMin int    `json:"rateLimitPerMinute,omitempty"`
	MaxRetries      int    `json:"maxRetries,omitempty"`
}

type AgentConfig struct {
	MaxIterations     int    `json:"maxIterations"`
	MaxFileChars      int    `json:"maxFileChars"`
	SystemPromptExtra string `json:"systemPromptExtra,omitempty"` // custom text appended to system prompt
}

type ToolsConfig struct {
	Allowed []string `json:"allowed,omitempty"` // empty = all registered tools
	Denied  []string `json:"denied,omitempty"`
}

type GatewayConfig struct {
	Telegram   TelegramConfig `json:"telegram"`
	Pairing    PairingConfig  `json:"pairing"`
	HealthAddr string         `json:"healthAddr,omitempty"` // e.g. "127.0.0.1:8090", empty = disabled
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

type PairingConfig struct {
	Required bool `json:"required"`
	TTLDays  int  `json:"ttlDays,omitempty"` // pairing expiry in days (default: 30)
}

type StoreConfig struct {
	DBPath   string `json:"dbPath"`
	AuditLog bool   `json:"auditLog"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	// Fallback: array of mixed types
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.fsbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fsbot"
	}
	return filepath.Join(home, ".fsbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// DefaultWhitelistPath returns the default whitelist resource path.
func DefaultWhitelistPath() string {
	return filepath.Join(DefaultConfigDir(), "whitelist.yaml")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Whitelist.Path = ExpandPath(cfg.Whitelist.Path)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.DefaultProvider == "" {
		errs = append(errs, "general.defaultProvider must be set")
	} else if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}

	if cfg.Whitelist.Path == "" {
		errs = append(errs, "whitelist.path must be set")
	}

	if cfg.Agent.MaxIterations < 1 || cfg.Agent.MaxIterations > 200 {
		errs = append(errs, "agent.maxIterations must be between 1 and 200")
	}
	if cfg.Agent.MaxFileChars < 1 {
		errs = append(errs, "agent.maxFileChars must be >= 1")
	}

	if cfg.Gateway.Pairing.TTLDays < 0 {
		errs = append(errs, "gateway.pairing.ttlDays must be >= 0")
	}
	if cfg.Gateway.Telegram.Enabled && cfg.Gateway.Telegram.Token == "" {
		errs = append(errs, "gateway.telegram.token is required when telegram is enabled")
	}

	// Validate provider configs.
	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "ollama", "openai":
			// valid
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: unknown type %q", name, pc.Type))
		}
		if pc.Enabled && pc.Type == "openai" && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required for openai type", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
