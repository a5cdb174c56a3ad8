package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Remote  RemoteConfig  `mapstructure:"remote"`
	Storage StorageConfig `mapstructure:"storage"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type RemoteConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	FeedURL   string `mapstructure:"feed_url"`
	AuthToken string `mapstructure:"auth_token"`
	Timeout   string `mapstructure:"timeout"`
}

func (r RemoteConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

type StorageConfig struct {
	FilePath string `mapstructure:"file_path"`
	CacheTTL string `mapstructure:"cache_ttl"`
}

func (s StorageConfig) GetCacheTTL() time.Duration {
	d, err := time.ParseDuration(s.CacheTTL)
	if err != nil {
		return time.Hour
	}
	return d
}

type SyncConfig struct {
	Tables       []TableConfig `mapstructure:"tables"`
	SaveAttempts int           `mapstructure:"save_attempts"`
	Realtime     bool          `mapstructure:"realtime"`
	Interval     string        `mapstructure:"interval"`
}

type TableConfig struct {
	Name   string        `mapstructure:"name"`
	Fields []FieldPolicy `mapstructure:"fields"`
}

// FieldPolicy configures conflict resolution for a single field.
// Policy is one of "merge", "local", "remote". MergeMode applies only
// when Policy is "merge": "latest" picks the newer write, "sum" adds
// numeric deltas (for additive resources like coins or xp).
type FieldPolicy struct {
	Name      string `mapstructure:"name"`
	Policy    string `mapstructure:"policy"`
	MergeMode string `mapstructure:"merge_mode"`
}

type RetryConfig struct {
	BaseDelay  string `mapstructure:"base_delay"`
	MaxDelay   string `mapstructure:"max_delay"`
	MaxRetries int    `mapstructure:"max_retries"`
}

func (r RetryConfig) GetBaseDelay() time.Duration {
	d, err := time.ParseDuration(r.BaseDelay)
	if err != nil {
		return time.Second
	}
	return d
}

func (r RetryConfig) GetMaxDelay() time.Duration {
	d, err := time.ParseDuration(r.MaxDelay)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
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

// FieldPolicyFor looks up the configured policy for a table/field pair.
// Unconfigured fields default to "remote": the server is authoritative
// unless the product explicitly says otherwise.
func (c *Config) FieldPolicyFor(table, field string) FieldPolicy {
	for _, t := range c.Sync.Tables {
		if t.Name != table {
			continue
		}
		for _, f := range t.Fields {
			if f.Name == field {
				return f
			}
		}
	}
	return FieldPolicy{Name: field, Policy: "remote"}
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("storage.file_path", "petsync.db")
	v.SetDefault("storage.cache_ttl", "1h")
	v.SetDefault("remote.timeout", "10s")
	v.SetDefault("sync.save_attempts", 3)
	v.SetDefault("sync.realtime", true)
	v.SetDefault("sync.interval", "@every 30s")
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.max_retries", 10)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Sync.SaveAttempts < 1 {
		cfg.Sync.SaveAttempts = 1
	}

	return &cfg, nil
}
