package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 8192
	DefaultMaxToolIterations = 40
	DefaultPermissionMode    = "default"
	DefaultHost              = "0.0.0.0"
	DefaultPort              = 18650
	DefaultBufSize           = 100
	DefaultSummaryTailEvents = 18
)

// Permission modes accepted for agent runs.
const (
	PermissionBypass      = "bypass"
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlanOnly    = "planOnly"
)

type Config struct {
	Agent      AgentConfig      `json:"agent"`
	Provider   ProviderConfig   `json:"provider"`
	Summarizer SummarizerConfig `json:"summarizer"`
	Server     ServerConfig     `json:"server"`
	Notify     NotifyConfig     `json:"notify"`
	Store      StoreConfig      `json:"store"`
}

type AgentConfig struct {
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations"`
	PermissionMode    string `json:"permissionMode"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// SummarizerConfig overrides the provider used for run summaries. Empty
// fields fall back to the agent provider.
type SummarizerConfig struct {
	Model     string          `json:"model,omitempty"`
	MaxTokens int             `json:"maxTokens,omitempty"`
	Provider  *ProviderConfig `json:"provider,omitempty"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  string `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
			PermissionMode:    DefaultPermissionMode,
		},
		Provider: ProviderConfig{},
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".forgeboard")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// RegistryPath is the project→directory binding document.
func RegistryPath() string {
	return filepath.Join(ConfigDir(), "registry.json")
}

// LegacyRegistryPath is the pre-v1 flat binding map, migrated on first read.
func LegacyRegistryPath() string {
	return filepath.Join(ConfigDir(), "projects.json")
}

// JobsPath is the scheduled-run document.
func JobsPath() string {
	return filepath.Join(ConfigDir(), "jobs.json")
}

// DBPath resolves the sqlite file, defaulting into the config dir.
func (c *Config) DBPath() string {
	if c.Store.DBPath != "" {
		return c.Store.DBPath
	}
	return filepath.Join(ConfigDir(), "forgeboard.db")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("FORGEBOARD_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("FORGEBOARD_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}
	if mode := os.Getenv("FORGEBOARD_PERMISSION_MODE"); mode != "" {
		cfg.Agent.PermissionMode = mode
	}
	if model := os.Getenv("FORGEBOARD_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if token := os.Getenv("FORGEBOARD_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
	if chat := os.Getenv("FORGEBOARD_TELEGRAM_CHAT_ID"); chat != "" {
		cfg.Notify.Telegram.ChatID = chat
	}
	if dbPath := os.Getenv("FORGEBOARD_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}
	if port := os.Getenv("FORGEBOARD_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}

	if !ValidPermissionMode(cfg.Agent.PermissionMode) {
		cfg.Agent.PermissionMode = DefaultPermissionMode
	}
	if cfg.Agent.MaxToolIterations <= 0 {
		cfg.Agent.MaxToolIterations = DefaultMaxToolIterations
	}

	return cfg, nil
}

func ValidPermissionMode(mode string) bool {
	switch mode {
	case PermissionBypass, PermissionDefault, PermissionAcceptEdits, PermissionPlanOnly:
		return true
	}
	return false
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
