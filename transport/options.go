package transport

import "time"

// ConnConfig holds the settings shared by websocket and framed connections.
type ConnConfig struct {
	// WriteTimeout bounds a single Send (0 = no deadline).
	WriteTimeout time.Duration

	// MaxMessageSize limits one inbound websocket message.
	MaxMessageSize int64

	// PingInterval is the keepalive period: websocket pings or heartbeat frames (0 = disabled).
	PingInterval time.Duration
}

// DefaultConnConfig returns configuration with sensible defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024, // 1MB
		PingInterval:   30 * time.Second,
	}
}

type ConnOption func(*ConnConfig)

func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *ConnConfig) { c.WriteTimeout = d }
}

func WithMaxMessageSize(n int64) ConnOption {
	return func(c *ConnConfig) { c.MaxMessageSize = n }
}

func WithPingInterval(d time.Duration) ConnOption {
	return func(c *ConnConfig) { c.PingInterval = d }
}

func buildConnConfig(opts []ConnOption) ConnConfig {
	cfg := DefaultConnConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
