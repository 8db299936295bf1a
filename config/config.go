package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// HTTP listener
	Server ServerConfig `mapstructure:"server"`

	// SQLite
	SQLite SQLiteConfig `mapstructure:"sqlite"`

	// Relay behaviour
	Relay RelayConfig `mapstructure:"relay"`

	// Delivery statistics
	Stats StatsConfig `mapstructure:"stats"`

	// Discord
	Discord DiscordConfig `mapstructure:"discord"`

	// Admin API
	Admin AdminConfig `mapstructure:"admin"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	// Logging
	Log LogConfig `mapstructure:"log"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	BodyLimit       int           `mapstructure:"body_limit"`
	Concurrency     int           `mapstructure:"concurrency"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address for the relay server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type SQLiteConfig struct {
	Path         string        `mapstructure:"path"`
	BusyTimeout  time.Duration `mapstructure:"busy_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

type RelayConfig struct {
	FanoutConcurrency  int     `mapstructure:"fanout_concurrency"`
	RateLimitEnabled   bool    `mapstructure:"rate_limit_enabled"`
	RateLimitPerMin    int     `mapstructure:"rate_limit_per_min"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	BloomCapacity      uint    `mapstructure:"bloom_capacity"`
	BloomFalsePositive float64 `mapstructure:"bloom_false_positive"`
}

type StatsConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	QueueSize     int           `mapstructure:"queue_size"`
}

type DiscordConfig struct {
	Token      string `mapstructure:"token"`
	FooterText string `mapstructure:"footer_text"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a Redis host was configured.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type NATSConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// Enabled reports whether a NATS host was configured.
func (c NATSConfig) Enabled() bool {
	return c.Host != ""
}

type PrometheusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Preserve legacy env variable names.
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.SQLite.Path == "" {
		return fmt.Errorf("config: sqlite.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Stats.BatchSize <= 0 {
		return fmt.Errorf("config: stats.batch_size must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.body_limit", 1<<20)
	v.SetDefault("server.concurrency", 0)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("sqlite.path", "hookrelay.db")
	v.SetDefault("sqlite.busy_timeout", 5*time.Second)
	v.SetDefault("sqlite.max_open_conns", 8)

	v.SetDefault("relay.fanout_concurrency", 4)
	v.SetDefault("relay.rate_limit_enabled", true)
	v.SetDefault("relay.rate_limit_per_min", 120)
	v.SetDefault("relay.rate_limit_burst", 20)
	v.SetDefault("relay.bloom_capacity", 100000)
	v.SetDefault("relay.bloom_false_positive", 0.001)

	v.SetDefault("stats.flush_interval", 2*time.Second)
	v.SetDefault("stats.batch_size", 10)
	v.SetDefault("stats.queue_size", 1024)

	v.SetDefault("discord.token", "")
	v.SetDefault("discord.footer_text", "HookRelay Webhook System")

	v.SetDefault("admin.token", "")

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.host", "")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.user", "")
	v.SetDefault("nats.password", "")

	v.SetDefault("prometheus.enabled", false)
	v.SetDefault("prometheus.port", 9090)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.port", "WEBHOOK_PORT")

	// SQLite
	v.BindEnv("sqlite.path", "DATABASE_PATH")

	// Discord
	v.BindEnv("discord.token", "DISCORD_TOKEN")

	// Admin
	v.BindEnv("admin.token", "ADMIN_TOKEN")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")

	// Prometheus
	v.BindEnv("prometheus.enabled", "PROM_ENABLED")
	v.BindEnv("prometheus.port", "PROM_PORT")

	// Logging
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.file", "LOG_FILE")
}
