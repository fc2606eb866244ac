package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the gateway configuration, loaded from config.yaml.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Store     StoreConfig               `mapstructure:"store"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Groups    map[string]GroupConfig    `mapstructure:"groups"`
	Users     map[string]string         `mapstructure:"users"`
	Limits    LimitsConfig              `mapstructure:"limits"`
	Tools     ToolsConfig               `mapstructure:"tools"`
	Debug     bool                      `mapstructure:"debug"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	AuthToken   string   `mapstructure:"auth_token"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ProviderConfig describes one upstream endpoint.
type ProviderConfig struct {
	Dialect string            `mapstructure:"dialect"` // chat, messages, parts, responses
	URL     string            `mapstructure:"url"`
	APIKey  string            `mapstructure:"api_key"`
	Headers map[string]string `mapstructure:"headers"`
}

// GroupConfig is one quota group's policy.
type GroupConfig struct {
	TokenLimitType    string   `mapstructure:"token_limit_type"` // unlimited, limited
	MonthlyTokenLimit int      `mapstructure:"monthly_token_limit"`
	ModelType         string   `mapstructure:"model_type"` // all, specific
	AllowedModels     []string `mapstructure:"allowed_models"`
}

type LimitsConfig struct {
	MaxToolRounds      int `mapstructure:"max_tool_rounds"`
	ToolTimeoutSeconds int `mapstructure:"tool_timeout_seconds"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
}

type ToolsConfig struct {
	ConfigPath string `mapstructure:"config_path"`
}

// Load reads the configuration from the config directory or the working
// directory. A missing file yields the defaults.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("get config dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)
	viper.AddConfigPath(".")

	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("store.path", filepath.Join(configPath, "llmgate.db"))
	viper.SetDefault("limits.max_tool_rounds", 12)
	viper.SetDefault("limits.tool_timeout_seconds", 120)
	viper.SetDefault("limits.idle_timeout_seconds", 30)
	viper.SetDefault("tools.config_path", filepath.Join(configPath, "mcp.json"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Server.AuthToken = expandEnv(cfg.Server.AuthToken)
	for name, provider := range cfg.Providers {
		provider.APIKey = expandEnv(provider.APIKey)
		provider.URL = expandEnv(provider.URL)
		for k, v := range provider.Headers {
			provider.Headers[k] = expandEnv(v)
		}
		cfg.Providers[name] = provider
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, provider := range c.Providers {
		switch provider.Dialect {
		case "chat", "messages", "parts", "responses":
		default:
			return fmt.Errorf("provider %s: unknown dialect %q", name, provider.Dialect)
		}
		if provider.URL == "" {
			return fmt.Errorf("provider %s: url is required", name)
		}
	}
	for name, group := range c.Groups {
		switch group.TokenLimitType {
		case "", "unlimited", "limited":
		default:
			return fmt.Errorf("group %s: unknown token_limit_type %q", name, group.TokenLimitType)
		}
		switch group.ModelType {
		case "", "all", "specific":
		default:
			return fmt.Errorf("group %s: unknown model_type %q", name, group.ModelType)
		}
	}
	return nil
}

// expandEnv expands ${VAR} or $VAR in a string.
func expandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	return os.ExpandEnv(s)
}

// GetConfigDir returns the configuration directory, honoring XDG_CONFIG_HOME.
func GetConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "llmgate"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "llmgate"), nil
}
