package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultAppName    = "prompt-bridge"
	DefaultConfigPath = "$HOME/.config/" + DefaultAppName
	EnvPrefix         = "PBRIDGE"
)

// Config stores all configuration of the bridge.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Policies []PolicyConfig `mapstructure:"policies"`
}

// BridgeConfig stores orchestration limits and optional infrastructure.
type BridgeConfig struct {
	MaxActionChainLength int           `mapstructure:"max_action_chain_length"` // Actions allowed per prompt
	DefaultToolTimeout   time.Duration `mapstructure:"default_tool_timeout"`    // Per-callback timeout when a tool sets none

	// Retries of timed-out or failed tool callbacks. Zero disables them.
	ToolRetries      int           `mapstructure:"tool_retries"`
	ToolRetryBackoff time.Duration `mapstructure:"tool_retry_backoff"`

	// Rate limiting of prompt executions
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"` // Structured span logging
}

// LoggingConfig controls the zerolog logger built for the bridge.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // zerolog level name
	Pretty bool   `mapstructure:"pretty"` // console writer instead of JSON
}

// PolicyConfig declares a user policy.
type PolicyConfig struct {
	Name        string   `mapstructure:"name"`
	Description string   `mapstructure:"description"`
	Rule        string   `mapstructure:"rule"`
	Tags        []string `mapstructure:"tags"`
	Active      bool     `mapstructure:"active"`
}

// Loader reads configuration through its own viper instance, so several
// bridges in one process never share configuration state.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader for configPath. An empty path searches the
// default locations for config.yaml.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", DefaultAppName))
		v.AddConfigPath(DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// bridge.max_action_chain_length becomes PBRIDGE_BRIDGE_MAX_ACTION_CHAIN_LENGTH
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.max_action_chain_length", 10)
	v.SetDefault("bridge.default_tool_timeout", "10s")
	v.SetDefault("bridge.tool_retries", 0)
	v.SetDefault("bridge.tool_retry_backoff", "100ms")
	v.SetDefault("bridge.rate_limit_enabled", false)
	v.SetDefault("bridge.rate_limit_capacity", 10)
	v.SetDefault("bridge.rate_limit_refill_rate", "1s")
	v.SetDefault("bridge.enable_tracing", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads the config file, if any, and decodes the result.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file in the search path; defaults and env apply.
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the file the loader read, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the re-decoded configuration whenever the config
// file is written. Load must have succeeded before Watch is called.
func (l *Loader) Watch(onChange func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(l.decode())
	})
	l.v.WatchConfig()
}
