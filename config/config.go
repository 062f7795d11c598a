// Package config provides YAML-based configuration loading for the backsync daemon and
// command line client.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"backsync/codec"
)

// Config is the root application configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Client    ClientConfig    `mapstructure:"client"`
	Server    ServerConfig    `mapstructure:"server"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ClientConfig configures the sync transport used by backsyncctl.
type ClientConfig struct {
	// Endpoint is a ws://, wss:// or tcp:// URL. Empty means the well-known
	// endpoint on Host.
	Endpoint string `mapstructure:"endpoint"`
	Host     string `mapstructure:"host"`
	// Codec for tcp:// endpoints: json or binary
	Codec string `mapstructure:"codec"`
	// Discover resolves the endpoint through the discovery section instead
	Discover bool `mapstructure:"discover"`

	Reconnect     bool          `mapstructure:"reconnect"`
	ReconnectBase time.Duration `mapstructure:"reconnect_base"`
	ReconnectMax  time.Duration `mapstructure:"reconnect_max"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"` // 0 waits for a reply or close
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// ServerConfig configures backsyncd.
type ServerConfig struct {
	// Listen is the websocket listen address
	Listen       string `mapstructure:"listen"`
	AdvertiseURL string `mapstructure:"advertise_url"`
	// TCPListen enables the framed TCP listener when non-empty
	TCPListen       string `mapstructure:"tcp_listen"`
	TCPAdvertiseURL string `mapstructure:"tcp_advertise_url"`
	Path            string `mapstructure:"path"`
	Codec           string `mapstructure:"codec"`

	RateLimit       float64       `mapstructure:"rate_limit"` // operations per second, 0 = unlimited
	RateBurst       int           `mapstructure:"rate_burst"`
	HandlerTimeout  time.Duration `mapstructure:"handler_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`

	Models []ModelConfig `mapstructure:"models"`
}

// ModelConfig declares an in-memory model served by the daemon.
type ModelConfig struct {
	Base        string `mapstructure:"base"`
	IDAttribute string `mapstructure:"id_attribute"`
}

// DiscoveryConfig selects where endpoints are registered and looked up.
type DiscoveryConfig struct {
	// Backend: "" (off), static or etcd
	Backend   string   `mapstructure:"backend"`
	Endpoints []string `mapstructure:"endpoints"` // etcd endpoints
	Static    []string `mapstructure:"static"`    // endpoint URLs for the static backend
	Service   string   `mapstructure:"service"`
	Balancer  string   `mapstructure:"balancer"`
	StickyKey string   `mapstructure:"sticky_key"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/backsync.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Client: ClientConfig{
			Host:          "127.0.0.1:8080",
			Codec:         "json",
			ReconnectBase: time.Second,
			ReconnectMax:  30 * time.Second,
			DialTimeout:   10 * time.Second,
			PingInterval:  30 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Server: ServerConfig{
			Listen:          ":8080",
			Path:            "/backsync",
			Codec:           "json",
			RateBurst:       100,
			HandlerTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			PingInterval:    30 * time.Second,
			Models: []ModelConfig{
				{Base: "/api/file_stash", IDAttribute: "file_id"},
				{Base: "/api/targets", IDAttribute: "id"},
				{Base: "/api/tasks", IDAttribute: "id"},
			},
		},
		Discovery: DiscoveryConfig{
			Service:  "backsync",
			Balancer: "round_robin",
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix BACKSYNC and `.`/`-` are replaced with `_`.
// Example: BACKSYNC_CLIENT_ENDPOINT=ws://example.com/backsync
func Load(path string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BACKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("log.outputs", def.Log.Outputs)
	v.SetDefault("log.development", def.Log.Development)
	v.SetDefault("log.rotation.enable", def.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", def.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", def.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", def.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", def.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", def.Log.Rotation.Compress)

	v.SetDefault("client.endpoint", def.Client.Endpoint)
	v.SetDefault("client.host", def.Client.Host)
	v.SetDefault("client.codec", def.Client.Codec)
	v.SetDefault("client.discover", def.Client.Discover)
	v.SetDefault("client.reconnect", def.Client.Reconnect)
	v.SetDefault("client.reconnect_base", def.Client.ReconnectBase)
	v.SetDefault("client.reconnect_max", def.Client.ReconnectMax)
	v.SetDefault("client.call_timeout", def.Client.CallTimeout)
	v.SetDefault("client.dial_timeout", def.Client.DialTimeout)
	v.SetDefault("client.ping_interval", def.Client.PingInterval)
	v.SetDefault("client.write_timeout", def.Client.WriteTimeout)

	v.SetDefault("server.listen", def.Server.Listen)
	v.SetDefault("server.advertise_url", def.Server.AdvertiseURL)
	v.SetDefault("server.tcp_listen", def.Server.TCPListen)
	v.SetDefault("server.tcp_advertise_url", def.Server.TCPAdvertiseURL)
	v.SetDefault("server.path", def.Server.Path)
	v.SetDefault("server.codec", def.Server.Codec)
	v.SetDefault("server.rate_limit", def.Server.RateLimit)
	v.SetDefault("server.rate_burst", def.Server.RateBurst)
	v.SetDefault("server.handler_timeout", def.Server.HandlerTimeout)
	v.SetDefault("server.shutdown_timeout", def.Server.ShutdownTimeout)
	v.SetDefault("server.ping_interval", def.Server.PingInterval)
	v.SetDefault("server.models", def.Server.Models)

	v.SetDefault("discovery.backend", def.Discovery.Backend)
	v.SetDefault("discovery.endpoints", def.Discovery.Endpoints)
	v.SetDefault("discovery.static", def.Discovery.Static)
	v.SetDefault("discovery.service", def.Discovery.Service)
	v.SetDefault("discovery.balancer", def.Discovery.Balancer)
	v.SetDefault("discovery.sticky_key", def.Discovery.StickyKey)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("BACKSYNC_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `backsync`
		v.SetConfigName("backsync")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".backsync"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Decode into a zero value: defaults come from viper, so a list in the file replaces
	// the default list instead of being merged into it index by index
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if _, err := codec.ParseCodecType(c.Client.Codec); err != nil {
		return fmt.Errorf("invalid client.codec: %w", err)
	}
	if _, err := codec.ParseCodecType(c.Server.Codec); err != nil {
		return fmt.Errorf("invalid server.codec: %w", err)
	}
	if c.Client.Endpoint != "" {
		u, err := url.Parse(c.Client.Endpoint)
		if err != nil {
			return fmt.Errorf("invalid client.endpoint: %w", err)
		}
		switch u.Scheme {
		case "ws", "wss", "tcp":
		default:
			return fmt.Errorf("invalid client.endpoint: unsupported scheme %q", u.Scheme)
		}
	}
	if c.Client.Reconnect && c.Client.ReconnectBase <= 0 {
		return fmt.Errorf("client.reconnect_base must be positive when reconnect is on")
	}

	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("invalid server.path: %q", c.Server.Path)
	}
	seen := make(map[string]bool)
	for i, m := range c.Server.Models {
		if m.Base == "" || strings.ContainsRune(m.Base, ':') {
			return fmt.Errorf("invalid server.models[%d].base: %q", i, m.Base)
		}
		if seen[m.Base] {
			return fmt.Errorf("duplicate model %q", m.Base)
		}
		seen[m.Base] = true
		if m.IDAttribute == "" {
			c.Server.Models[i].IDAttribute = "id"
		}
	}

	c.Discovery.Backend = strings.ToLower(strings.TrimSpace(c.Discovery.Backend))
	switch c.Discovery.Backend {
	case "", "static":
	case "etcd":
		if len(c.Discovery.Endpoints) == 0 {
			return fmt.Errorf("discovery.endpoints required for the etcd backend")
		}
	default:
		return fmt.Errorf("invalid discovery.backend: %q", c.Discovery.Backend)
	}
	if c.Client.Discover && c.Discovery.Backend == "" {
		return fmt.Errorf("client.discover needs a discovery.backend")
	}
	return nil
}

// EndpointURL returns the endpoint the client dials when not using discovery.
func (c ClientConfig) EndpointURL() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return "ws://" + c.Host + "/backsync"
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
