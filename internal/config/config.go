// Package config loads the relay configuration from the environment and
// an optional YAML file named by CONFIG_FILE. Environment values win.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// ErrInvalid is returned by Load when a setting is missing or malformed.
var ErrInvalid = errors.New("invalid configuration")

// Bus kinds.
const (
	BusRedis = "redis"
	BusNATS  = "nats"
	BusNone  = "none"
)

type Config struct {
	Port           int            `mapstructure:"port"`
	Redis          RedisConfig    `mapstructure:"redis"`
	Heimdall       HeimdallConfig `mapstructure:"heimdall"`
	RoomRetention  time.Duration  `mapstructure:"room_retention"`
	Bus            string         `mapstructure:"bus"`
	NATSURL        string         `mapstructure:"nats_url"`
	Limits         LimitsConfig   `mapstructure:"limits"`
	Conn           ConnConfig     `mapstructure:"conn"`
	AllowedOrigins []string       `mapstructure:"allowed_origins"`
	Log            LogConfig      `mapstructure:"log"`
	GinMode        string         `mapstructure:"gin_mode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// HeimdallConfig locates the authentication service.
type HeimdallConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LimitsConfig holds per-minute rate limits. 0 disables a limit.
type LimitsConfig struct {
	Handshake int `mapstructure:"handshake"`
	Signal    int `mapstructure:"signal"`
}

type ConnConfig struct {
	MaxConns    int           `mapstructure:"max_conns"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	ReadLimit   int64         `mapstructure:"read_limit"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ZerologLevel returns the parsed level. Load has already validated it.
func (l LogConfig) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// envBindings maps config keys to their environment variable names.
var envBindings = map[string]string{
	"port":              "PORT",
	"redis.host":        "REDIS_HOST",
	"redis.port":        "REDIS_PORT",
	"redis.username":    "REDIS_USERNAME",
	"redis.password":    "REDIS_PASSWORD",
	"redis.db":          "REDIS_DB",
	"heimdall.endpoint": "HEIMDALL_ENDPOINT",
	"heimdall.timeout":  "AUTH_TIMEOUT",
	"room_retention":    "ROOM_RETENTION",
	"bus":               "BUS",
	"nats_url":          "NATS_URL",
	"limits.handshake":  "HANDSHAKE_RATE_LIMIT",
	"limits.signal":     "SIGNAL_RATE_LIMIT",
	"conn.max_conns":    "MAX_CONNS",
	"conn.idle_timeout": "IDLE_TIMEOUT",
	"conn.read_limit":   "READ_LIMIT",
	"allowed_origins":   "ALLOWED_ORIGINS",
	"log.level":         "LOG_LEVEL",
	"log.format":        "LOG_FORMAT",
	"gin_mode":          "GIN_MODE",
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 3000)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("heimdall.timeout", "5s")
	v.SetDefault("room_retention", "24h")
	v.SetDefault("bus", BusRedis)
	v.SetDefault("limits.handshake", 60)
	v.SetDefault("limits.signal", 600)
	v.SetDefault("conn.max_conns", 0)
	v.SetDefault("conn.idle_timeout", "0s")
	v.SetDefault("conn.read_limit", 64<<10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("gin_mode", "release")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Port < 1 || c.Port > 65535 {
		bad("PORT %d out of range", c.Port)
	}
	if c.Redis.Host == "" {
		bad("REDIS_HOST is required")
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		bad("REDIS_PORT %d out of range", c.Redis.Port)
	}
	if c.Redis.DB < 0 {
		bad("REDIS_DB must not be negative")
	}
	if c.Heimdall.Endpoint == "" {
		bad("HEIMDALL_ENDPOINT is required")
	} else if u, err := url.Parse(c.Heimdall.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("HEIMDALL_ENDPOINT %q must be an absolute http(s) URL", c.Heimdall.Endpoint)
	}
	if c.Heimdall.Timeout <= 0 {
		bad("AUTH_TIMEOUT must be positive")
	}
	if c.RoomRetention < 0 {
		bad("ROOM_RETENTION must not be negative")
	}
	switch c.Bus {
	case BusRedis, BusNone:
	case BusNATS:
		if c.NATSURL == "" {
			bad("NATS_URL is required when BUS=nats")
		}
	default:
		bad("BUS %q must be one of redis, nats, none", c.Bus)
	}
	if c.Limits.Handshake < 0 || c.Limits.Signal < 0 {
		bad("rate limits must not be negative")
	}
	if c.Conn.MaxConns < 0 {
		bad("MAX_CONNS must not be negative")
	}
	if c.Conn.IdleTimeout < 0 {
		bad("IDLE_TIMEOUT must not be negative")
	}
	if c.Conn.ReadLimit <= 0 {
		bad("READ_LIMIT must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil || c.Log.Level == "" {
		bad("LOG_LEVEL %q is not a level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		bad("LOG_FORMAT %q must be json or console", c.Log.Format)
	}
	switch c.GinMode {
	case "debug", "release", "test":
	default:
		bad("GIN_MODE %q must be debug, release or test", c.GinMode)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
