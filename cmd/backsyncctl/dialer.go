package main

import (
	"go.uber.org/zap"

	"backsync/codec"
	"backsync/config"
	"backsync/loadbalance"
	"backsync/registry"
	"backsync/transport"
)

func connOptions(c config.ClientConfig) []transport.ConnOption {
	return []transport.ConnOption{
		transport.WithWriteTimeout(c.WriteTimeout),
		transport.WithPingInterval(c.PingInterval),
	}
}

// newDialer resolves the endpoint either directly or through the configured registry.
func newDialer(cfg *config.Config) (transport.Dialer, error) {
	ct, err := codec.ParseCodecType(cfg.Client.Codec)
	if err != nil {
		return nil, err
	}
	if !cfg.Client.Discover {
		return transport.DialerForURL(cfg.Client.EndpointURL(), ct, connOptions(cfg.Client)...)
	}

	var reg registry.Registry
	switch cfg.Discovery.Backend {
	case "etcd":
		etcd, err := registry.NewEtcdRegistry(cfg.Discovery.Endpoints)
		if err != nil {
			return nil, err
		}
		reg = etcd
	default:
		static := registry.NewStaticRegistry()
		for _, u := range cfg.Discovery.Static {
			static.Register(cfg.Discovery.Service, registry.ServiceInstance{Addr: u, Weight: 1}, 0)
		}
		reg = static
	}

	balancer, err := loadbalance.New(cfg.Discovery.Balancer, cfg.Discovery.StickyKey)
	if err != nil {
		return nil, err
	}
	return &transport.DiscoveryDialer{
		Registry: reg,
		Balancer: balancer,
		Service:  cfg.Discovery.Service,
		Codec:    ct,
		Options:  connOptions(cfg.Client),
	}, nil
}

func transportOptions(c config.ClientConfig, logger *zap.Logger) []transport.Option {
	opts := []transport.Option{transport.WithLogger(logger)}
	if c.DialTimeout > 0 {
		opts = append(opts, transport.WithDialTimeout(c.DialTimeout))
	}
	if c.Reconnect {
		opts = append(opts, transport.WithReconnect(c.ReconnectBase, c.ReconnectMax))
	}
	if c.CallTimeout > 0 {
		opts = append(opts, transport.WithCallTimeout(c.CallTimeout))
	}
	return opts
}
