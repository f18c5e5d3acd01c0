package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Logging       LoggingConfig       `mapstructure:"logging"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	API           APIConfig           `mapstructure:"api"`
	UsernameCache UsernameCacheConfig `mapstructure:"username_cache"`
	MediaPreview  MediaPreviewConfig  `mapstructure:"media_preview"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Inspect       InspectConfig       `mapstructure:"inspect"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error, fatal
	Format   string `mapstructure:"format"` // json, text
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

type GatewayConfig struct {
	URL               string        `mapstructure:"url"`
	AccessToken       string        `mapstructure:"access_token"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectGrowth   float64       `mapstructure:"reconnect_growth"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxFrameBytes     int64         `mapstructure:"max_frame_bytes"`
}

type APIConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type UsernameCacheConfig struct {
	PositiveTTL          time.Duration `mapstructure:"positive_ttl"`
	NegativeTTL          time.Duration `mapstructure:"negative_ttl"`
	Capacity             int           `mapstructure:"capacity"`
	BatchSize            int           `mapstructure:"batch_size"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
	LookupAttempts       int           `mapstructure:"lookup_attempts"`
}

type MediaPreviewConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Growth     float64       `mapstructure:"growth"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	MaxRetries int           `mapstructure:"max_retries"`
	MaxBytes   int64         `mapstructure:"max_bytes"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	UsernameTTL  time.Duration `mapstructure:"username_ttl"`
}

type InspectConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Mode    string `mapstructure:"mode"`
}

// Default returns the configuration used when no file overrides a key.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// defaults only, cannot fail
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("gateway.url", "ws://localhost:8080/gateway")
	v.SetDefault("gateway.access_token", "")
	v.SetDefault("gateway.handshake_timeout", 10*time.Second)
	v.SetDefault("gateway.reconnect_base", 500*time.Millisecond)
	v.SetDefault("gateway.reconnect_growth", 2.0)
	v.SetDefault("gateway.reconnect_max", 30*time.Second)
	v.SetDefault("gateway.heartbeat_interval", 30*time.Second)
	v.SetDefault("gateway.max_frame_bytes", 1<<20)

	v.SetDefault("api.base_url", "http://localhost:8080/api")
	v.SetDefault("api.timeout", 10*time.Second)
	v.SetDefault("api.requests_per_second", 20.0)
	v.SetDefault("api.burst", 10)

	v.SetDefault("username_cache.positive_ttl", 5*time.Minute)
	v.SetDefault("username_cache.negative_ttl", 30*time.Second)
	v.SetDefault("username_cache.capacity", 2048)
	v.SetDefault("username_cache.batch_size", 32)
	v.SetDefault("username_cache.max_concurrent_batches", 4)
	v.SetDefault("username_cache.lookup_attempts", 3)

	v.SetDefault("media_preview.base_delay", 250*time.Millisecond)
	v.SetDefault("media_preview.growth", 1.5)
	v.SetDefault("media_preview.max_delay", 10*time.Second)
	v.SetDefault("media_preview.max_retries", 5)
	v.SetDefault("media_preview.max_bytes", 8<<20)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.key_prefix", "chatsync")
	v.SetDefault("redis.username_ttl", 24*time.Hour)

	v.SetDefault("inspect.enabled", true)
	v.SetDefault("inspect.addr", "127.0.0.1:7070")
	v.SetDefault("inspect.mode", "release")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects values the core components cannot run with.
func (c *Config) Validate() error {
	if c.UsernameCache.Capacity <= 0 {
		return fmt.Errorf("username_cache.capacity must be positive, got %d", c.UsernameCache.Capacity)
	}
	if c.UsernameCache.BatchSize <= 0 {
		return fmt.Errorf("username_cache.batch_size must be positive, got %d", c.UsernameCache.BatchSize)
	}
	if c.MediaPreview.Growth < 1 {
		return fmt.Errorf("media_preview.growth must be >= 1, got %v", c.MediaPreview.Growth)
	}
	if c.MediaPreview.BaseDelay <= 0 || c.MediaPreview.MaxDelay < c.MediaPreview.BaseDelay {
		return fmt.Errorf("media_preview delays invalid: base=%s max=%s", c.MediaPreview.BaseDelay, c.MediaPreview.MaxDelay)
	}
	if c.Gateway.ReconnectGrowth < 1 {
		return fmt.Errorf("gateway.reconnect_growth must be >= 1, got %v", c.Gateway.ReconnectGrowth)
	}
	return nil
}
