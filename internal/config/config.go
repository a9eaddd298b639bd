package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Network   NetworkConfig   `mapstructure:"network"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type StorageConfig struct {
	Type     string `mapstructure:"type"` // "sqlite" or "mysql"
	FilePath string `mapstructure:"file_path"`
	MaxBytes int64  `mapstructure:"max_bytes"`

	// MySQL backend settings, ignored for sqlite.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type SyncConfig struct {
	RemoteBaseURL    string        `mapstructure:"remote_base_url"`
	BaseDelay        time.Duration `mapstructure:"base_delay"`
	Multiplier       float64       `mapstructure:"multiplier"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	MaxRetries       int           `mapstructure:"max_retries"`
	ConflictStrategy string        `mapstructure:"conflict_strategy"`
}

type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout"`
}

type QuotaConfig struct {
	KeepEntities int           `mapstructure:"keep_entities"`
	OpRetention  time.Duration `mapstructure:"op_retention"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and env apply.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.file_path", "journal-sync.db")
	v.SetDefault("storage.max_bytes", int64(50*1024*1024))

	v.SetDefault("sync.base_delay", "1s")
	v.SetDefault("sync.multiplier", 2.0)
	v.SetDefault("sync.max_delay", "30s")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.conflict_strategy", "merge")

	v.SetDefault("network.probe_interval", "30s")
	v.SetDefault("network.probe_timeout", "5s")

	v.SetDefault("quota.keep_entities", 50)
	v.SetDefault("quota.op_retention", "168h")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 1m")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}

	switch c.Sync.ConflictStrategy {
	case "merge", "local-wins", "remote-wins":
	default:
		return fmt.Errorf("unsupported conflict strategy %q", c.Sync.ConflictStrategy)
	}

	if c.Sync.Multiplier < 1 {
		return fmt.Errorf("sync.multiplier must be >= 1, got %v", c.Sync.Multiplier)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be >= 1, got %d", c.Sync.MaxRetries)
	}
	if c.Quota.KeepEntities < 0 {
		return fmt.Errorf("quota.keep_entities must be >= 0, got %d", c.Quota.KeepEntities)
	}

	return nil
}
