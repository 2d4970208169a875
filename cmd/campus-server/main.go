// Command campus-server serves the campus RPC protocol.
//
//	campus-server [-config campus.yaml] [-listen addr] [-no-console]
//
// Besides the RPC listener it runs the operational console on stdin and, when
// metrics.listen is configured, the diagnostics HTTP endpoints.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"campus-rpc/config"
	"campus-rpc/console"
	"campus-rpc/logging"
	"campus-rpc/middleware"
	"campus-rpc/registry"
	"campus-rpc/server"
	"campus-rpc/stats"
)

const version = "1.0.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "campus-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := gnuflag.NewFlagSet("campus-server", gnuflag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	listen := fs.String("listen", "", "RPC listen address, overrides server.listen")
	noConsole := fs.Bool("no-console", false, "do not read console commands from stdin")
	if err := fs.Parse(true, args); err != nil {
		return errors.Trace(err)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return errors.Trace(err)
		}
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = logger.Sync() }()

	srv, cleanup, err := newServer(cfg, logger)
	if err != nil {
		return errors.Trace(err)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Serve returns nil after Shutdown, e.g. from the console.
		defer cancel()
		return srv.Serve("tcp", cfg.Server.Listen)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Shutdown(cfg.Server.ShutdownTimeout)
	})

	if cfg.Metrics.Listen != "" {
		httpSrv := newDiagnosticsServer(cfg.Metrics.Listen, srv)
		g.Go(func() error {
			logger.Info("diagnostics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Annotate(err, "diagnostics listener")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	if !*noConsole {
		g.Go(func() error {
			select {
			case <-srv.Ready():
			case <-gctx.Done():
				return nil
			}
			// End of input leaves the server running.
			return console.New(stdin, stdout, srv, cfg.Server.ShutdownTimeout).Run(gctx)
		})
	}

	return g.Wait()
}

// newServer wires the router, middleware and optional etcd registration.
func newServer(cfg *config.Config, logger *zap.Logger) (*server.Server, func(), error) {
	clk := clock.WallClock
	r, err := newRouter(cfg, newUserDirectory(cfg.Users), clk, logger)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithClock(clk),
		server.WithStats(stats.New(clk)),
		server.WithMaxConnections(cfg.Server.MaxConnections),
		server.WithMaxFrameSize(cfg.Server.MaxFrameSize),
		server.WithWriteTimeout(cfg.Server.WriteTimeout),
	}
	cleanup := func() {}
	if len(cfg.Etcd.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, logger)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		cleanup = func() { _ = reg.Close() }
		instance := registry.ServiceInstance{Addr: cfg.Etcd.Advertise, Weight: cfg.Etcd.Weight, Version: version}
		opts = append(opts, server.WithRegistry(reg, cfg.Etcd.Service, instance, cfg.Etcd.TTL))
	}

	srv := server.NewServer(r, opts...)
	srv.Use(middleware.Logging(logger))
	if rl := cfg.Server.RateLimit; rl.Rate > 0 {
		srv.Use(middleware.RateLimit(rl.Rate, rl.Burst))
	}
	if cfg.Server.HandlerTimeout > 0 {
		srv.Use(middleware.Timeout(cfg.Server.HandlerTimeout))
	}
	return srv, cleanup, nil
}

func newDiagnosticsServer(addr string, srv *server.Server) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewCollector(srv.Stats()),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &http.Server{
		Addr:              addr,
		Handler:           stats.NewHTTPHandler(srv, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
