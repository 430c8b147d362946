package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the exporter's configuration
type Config struct {
	Exporter ExporterConfig `mapstructure:"exporter"`
	Synapse  SynapseConfig  `mapstructure:"synapse"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Store    StoreConfig    `mapstructure:"store"`
	Blob     BlobConfig     `mapstructure:"blob"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Log      LogConfig      `mapstructure:"log"`
	Server   ServerConfig   `mapstructure:"server"`
}

// ExporterConfig tunes export runs
type ExporterConfig struct {
	Workers                int           `mapstructure:"workers"`
	TmpDir                 string        `mapstructure:"tmp_dir"`
	MaxRedriveCount        int           `mapstructure:"max_redrive_count"`
	RedriveDelay           time.Duration `mapstructure:"redrive_delay"`
	Timezone               string        `mapstructure:"timezone"`
	PrincipalID            int64         `mapstructure:"principal_id"`
	LegacyAttachmentFields []string      `mapstructure:"legacy_attachment_fields"` // study/schema/field
}

// SynapseConfig is the destination service
type SynapseConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	AsyncJobTimeout time.Duration `mapstructure:"async_job_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// BridgeConfig is the schema registry service
type BridgeConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	SessionToken   string        `mapstructure:"session_token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SchemaCacheTTL time.Duration `mapstructure:"schema_cache_ttl"`
}

// StoreConfig is the local sqlite database
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// BlobConfig is the S3-compatible attachment and redrive bucket
type BlobConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// QueueConfig is the export request queue
type QueueConfig struct {
	URL        string `mapstructure:"url"`
	Queue      string `mapstructure:"queue"`
	DelayQueue string `mapstructure:"delay_queue"`
	Prefetch   int    `mapstructure:"prefetch"`
}

// LogConfig configures pkg/logger
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	Output    string `mapstructure:"output"`
	FilePath  string `mapstructure:"file_path"`
	AddSource bool   `mapstructure:"add_source"`
}

// ServerConfig is the run API server
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr is the listen address of the API server
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exporter.workers", 8)
	v.SetDefault("exporter.tmp_dir", "outputs")
	v.SetDefault("exporter.max_redrive_count", 3)
	v.SetDefault("exporter.redrive_delay", "15m")
	v.SetDefault("exporter.timezone", "America/Los_Angeles")

	v.SetDefault("synapse.request_timeout", "60s")
	v.SetDefault("synapse.poll_interval", "1s")
	v.SetDefault("synapse.async_job_timeout", "10m")
	v.SetDefault("synapse.max_attempts", 3)

	v.SetDefault("bridge.request_timeout", "30s")
	v.SetDefault("bridge.schema_cache_ttl", "5m")

	v.SetDefault("store.path", "exporter.db")

	v.SetDefault("queue.queue", "export-requests")
	v.SetDefault("queue.delay_queue", "export-requests.delay")
	v.SetDefault("queue.prefetch", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
}

// Load reads configPath (or ./configs/config.yaml, ./config.yaml) and
// EXPORTER_ environment overrides. A missing default config file is not an
// error; an explicit configPath must exist.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("EXPORTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields every command needs
func (c *Config) Validate() error {
	if c.Exporter.Workers <= 0 {
		return fmt.Errorf("exporter.workers must be positive, got %d", c.Exporter.Workers)
	}
	if c.Exporter.MaxRedriveCount < 0 {
		return fmt.Errorf("exporter.max_redrive_count must not be negative")
	}
	if c.Exporter.TmpDir == "" {
		return fmt.Errorf("exporter.tmp_dir is required")
	}
	if _, err := time.LoadLocation(c.Exporter.Timezone); err != nil {
		return fmt.Errorf("invalid exporter.timezone %q: %w", c.Exporter.Timezone, err)
	}
	for _, f := range c.Exporter.LegacyAttachmentFields {
		if strings.Count(f, "/") != 2 {
			return fmt.Errorf("invalid legacy attachment field %q, want study/schema/field", f)
		}
	}

	if c.Synapse.BaseURL == "" {
		return fmt.Errorf("synapse.base_url is required")
	}
	if c.Bridge.BaseURL == "" {
		return fmt.Errorf("bridge.base_url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
		return fmt.Errorf("blob.endpoint and blob.bucket are required")
	}
	if c.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s, must be 'json' or 'text'", c.Log.Format)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	return nil
}

// Location is the configured export time zone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Exporter.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
