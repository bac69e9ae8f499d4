package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chanrpc/echo"
	"chanrpc/middleware"
	"chanrpc/observability"
	"chanrpc/registry"
	"chanrpc/server"
	"chanrpc/transport"
)

var serveFlags struct {
	network     string
	addr        string
	metricsAddr string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the echo interface",
	Long:  `Listens on a TCP or unix socket, binds every accepted channel to the echo implementation and advertises the endpoint in the registry`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("network") {
			cfg.Server.Network = serveFlags.network
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = serveFlags.addr
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.network, "network", "", "tcp or unix (default from config)")
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", "", "Listen address or socket path (default from config)")
	serveCmd.Flags().StringVar(&serveFlags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

func runServer(ctx context.Context) error {
	logger := observability.Logger("echo-server")

	ln, err := transport.Listen(cfg.Server.Network, cfg.Server.Addr)
	if err != nil {
		return err
	}

	svr := server.NewServer(server.Options{
		Limits:          cfg.Limits,
		DispatchTimeout: cfg.Server.DispatchTimeout,
		Lenient:         cfg.Server.Lenient,
		Logger:          &logger,
	})
	svr.Use(middleware.RecoverMiddleware(logger))
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit.Rate > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	if serveFlags.metricsAddr != "" {
		observability.RegisterMetrics()
		svr.Use(middleware.MetricsMiddleware())
		go serveMetrics(serveFlags.metricsAddr)
	}
	if err := svr.Register(cfg.Server.Service, &echo.Impl{}, echo.Table); err != nil {
		return err
	}

	reg, err := openRegistry(cfg.Registry)
	if err != nil {
		ln.Close()
		return err
	}
	defer reg.Close()
	inst := registry.ServiceInstance{Addr: ln.Addr().String(), Network: cfg.Server.Network, Weight: 10}
	if err := svr.Advertise(ctx, reg, inst, cfg.Registry.TTL); err != nil {
		ln.Close()
		return err
	}

	logger.Info().
		Str("service", cfg.Server.Service).
		Str("network", cfg.Server.Network).
		Str("addr", inst.Addr).
		Msg("serving")

	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.Serve(ctx, ln) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, server.ErrServerClosed) {
			logger.Error().Err(err).Msg("serve stopped")
		}
	}
	logger.Info().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutting down")
	return svr.Shutdown(cfg.Server.ShutdownTimeout)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
