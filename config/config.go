// Package config loads the taskflow server configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. TASKFLOW_SERVER_ADDR.
const EnvPrefix = "TASKFLOW"

// Config holds the configuration for the server.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Storage struct {
		Driver string `mapstructure:"driver"`
	} `mapstructure:"storage"`
	Audit struct {
		Driver string `mapstructure:"driver"`
		Key    string `mapstructure:"key"`
	} `mapstructure:"audit"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Engine struct {
		MachineID        uint16        `mapstructure:"machine_id"`
		AdminRoles       []string      `mapstructure:"admin_roles"`
		OverrideRoles    []string      `mapstructure:"override_roles"`
		ConflictRetries  int           `mapstructure:"conflict_retries"`
		ConflictDelay    time.Duration `mapstructure:"conflict_delay"`
		MaxChainSteps    int           `mapstructure:"max_chain_steps"`
		WorkflowCacheTTL time.Duration `mapstructure:"workflow_cache_ttl"`
	} `mapstructure:"engine"`
	AI struct {
		BaseURL string        `mapstructure:"base_url"`
		APIKey  string        `mapstructure:"api_key"`
		Model   string        `mapstructure:"model"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"ai"`
	Webhook struct {
		Timeout   time.Duration `mapstructure:"timeout"`
		UserAgent string        `mapstructure:"user_agent"`
	} `mapstructure:"webhook"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("audit.driver", "memory")
	v.SetDefault("audit.key", "taskflow:audit")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("engine.machine_id", 1)
	v.SetDefault("engine.admin_roles", []string{"admin"})
	v.SetDefault("engine.override_roles", []string{})
	v.SetDefault("engine.conflict_retries", 3)
	v.SetDefault("engine.conflict_delay", 10*time.Millisecond)
	v.SetDefault("engine.max_chain_steps", 100)
	v.SetDefault("engine.workflow_cache_ttl", 5*time.Minute)
	v.SetDefault("ai.base_url", "https://api.openai.com/v1")
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gpt-4o")
	v.SetDefault("ai.timeout", 60*time.Second)
	v.SetDefault("webhook.timeout", 30*time.Second)
	v.SetDefault("webhook.user_agent", "taskflow-webhook/1.0")
}

// Load reads the configuration. An empty path searches for taskflow.yaml in
// the working directory and ./config; a missing file is not an error then.
// Environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values Load cannot default.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Audit.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown audit driver %q", c.Audit.Driver)
	}
	if c.Engine.ConflictRetries < 0 {
		return errors.New("engine.conflict_retries must not be negative")
	}
	if c.Engine.MaxChainSteps <= 0 {
		return errors.New("engine.max_chain_steps must be positive")
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.Storage.Driver == "redis" || c.Audit.Driver == "redis"
}
