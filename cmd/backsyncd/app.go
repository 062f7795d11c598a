package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"backsync/codec"
	"backsync/config"
	"backsync/middleware"
	"backsync/observability"
	"backsync/registry"
	"backsync/server"
	"backsync/transport"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("backsyncd started")
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	svr, err := buildServer(cfg, logger)
	if err != nil {
		zap.L().Error("failed to build server", zap.Error(err))
		return 1
	}

	reg, err := openRegistry(cfg.Discovery)
	if err != nil {
		zap.L().Error("failed to open registry", zap.Error(err))
		return 1
	}
	if closer, ok := reg.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	errc := make(chan error, 2)
	go func() {
		errc <- svr.Serve("tcp", cfg.Server.Listen, cfg.Server.AdvertiseURL, reg)
	}()
	if cfg.Server.TCPListen != "" {
		advertise := cfg.Server.TCPAdvertiseURL
		if advertise == "" {
			advertise = "tcp://" + cfg.Server.TCPListen
		}
		go func() {
			errc <- svr.Serve("tcp", cfg.Server.TCPListen, advertise, reg)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	code := 0
	select {
	case s := <-sig:
		zap.L().Info("shutting down", zap.String("signal", s.String()))
	case err := <-errc:
		if err != nil {
			zap.L().Error("listener failed", zap.Error(err))
			code = 1
		}
	}

	if err := svr.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		zap.L().Warn("shutdown incomplete", zap.Error(err))
	}
	return code
}

func buildServer(cfg *config.Config, logger *zap.Logger) (*server.Server, error) {
	ct, err := codec.ParseCodecType(cfg.Server.Codec)
	if err != nil {
		return nil, err
	}

	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithServiceName(cfg.Discovery.Service),
		server.WithPath(cfg.Server.Path),
		server.WithTCPCodec(ct),
		server.WithConnOptions(transport.WithPingInterval(cfg.Server.PingInterval)),
	)

	// First added is outermost
	svr.Use(middleware.RecoverMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		svr.Use(middleware.TimeoutMiddleware(cfg.Server.HandlerTimeout))
	}

	for _, m := range cfg.Server.Models {
		if _, err := svr.RegisterMemoryModel(m.Base, m.IDAttribute); err != nil {
			return nil, err
		}
	}
	return svr, nil
}

// openRegistry returns nil when discovery is off.
func openRegistry(c config.DiscoveryConfig) (registry.Registry, error) {
	switch c.Backend {
	case "":
		return nil, nil
	case "etcd":
		return registry.NewEtcdRegistry(c.Endpoints)
	case "static":
		reg := registry.NewStaticRegistry()
		for _, u := range c.Static {
			if err := reg.Register(c.Service, registry.ServiceInstance{Addr: u, Weight: 1}, 0); err != nil {
				return nil, err
			}
		}
		return reg, nil
	}
	return nil, errors.New("unknown discovery backend " + c.Backend)
}
