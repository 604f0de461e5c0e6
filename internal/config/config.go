// Package config loads runtime settings from an optional YAML file and
// TASKREC_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Executor ExecutorConfig `mapstructure:"executor"`
}

type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	PoolSize        int           `mapstructure:"pool_size"`
	CheckoutTimeout time.Duration `mapstructure:"checkout_timeout"`
	BusyTimeoutMs   int           `mapstructure:"busy_timeout_ms"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

type BackupConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Stream  string `mapstructure:"stream"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ExecutorConfig struct {
	HaltTimeout time.Duration `mapstructure:"halt_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "data/tasks.db")
	v.SetDefault("database.pool_size", 5)
	v.SetDefault("database.checkout_timeout", 5*time.Second)
	v.SetDefault("database.busy_timeout_ms", 10000)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 100*time.Millisecond)

	v.SetDefault("backup.dir", "logs/backup")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "console")
	v.SetDefault("logger.output_paths", []string{"stdout"})
	v.SetDefault("logger.error_output_paths", []string{"stderr"})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "taskrec:events")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("executor.halt_timeout", 30*time.Second)
}

// Load reads path (if non-empty) and overlays TASKREC_ environment variables,
// e.g. TASKREC_DATABASE_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKREC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be at least 1, got %d", c.Database.PoolSize)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Backup.Dir == "" {
		return fmt.Errorf("backup.dir is required")
	}
	return nil
}
