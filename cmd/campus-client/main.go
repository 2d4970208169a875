// Command campus-client performs one RPC call and prints the response.
//
//	campus-client [-addr host:port | -discover] [-user name -password pw] uri [key=value...]
//
// With -user the connection logs in first, so the call runs with that user's
// roles. With -discover the server is picked from the etcd registry named in
// the configuration file.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"go.uber.org/zap"

	"campus-rpc/client"
	"campus-rpc/config"
	"campus-rpc/loadbalance"
	"campus-rpc/logging"
	"campus-rpc/registry"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "campus-client: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := gnuflag.NewFlagSet("campus-client", gnuflag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	addr := fs.String("addr", "", "server address, overrides client.addr")
	discover := fs.Bool("discover", false, "pick the server from the etcd registry")
	user := fs.String("user", "", "log in as this user before the call")
	password := fs.String("password", "", "password for -user")
	timeout := fs.Duration("timeout", 0, "per-call timeout, overrides client.timeout")
	if err := fs.Parse(true, args); err != nil {
		return errors.Trace(err)
	}
	if fs.NArg() < 1 {
		return errors.New("missing uri")
	}
	uri := fs.Arg(0)
	params, err := parseParams(fs.Args()[1:])
	if err != nil {
		return errors.Trace(err)
	}

	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			return errors.Trace(err)
		}
	}
	if *addr != "" {
		cfg.Client.Addr = *addr
	}
	if *timeout > 0 {
		cfg.Client.Timeout = *timeout
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = logger.Sync() }()

	c, err := dial(ctx, cfg, *discover, logger)
	if err != nil {
		return errors.Trace(err)
	}
	defer c.Disconnect()

	if *user != "" {
		resp, err := c.Call(ctx, "auth/login", map[string]string{"user": *user, "password": *password})
		if err != nil {
			return errors.Annotate(err, "login")
		}
		if !resp.Succeeded() {
			return errors.Errorf("login: %s %s", resp.Status, resp.Message)
		}
	}

	resp, err := c.Call(ctx, uri, params)
	if err != nil {
		return errors.Annotatef(err, "calling %s", uri)
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Fprintln(stdout, string(out))
	if !resp.Succeeded() {
		return errors.Errorf("%s: %s", resp.Status, resp.Message)
	}
	return nil
}

func dial(ctx context.Context, cfg *config.Config, discover bool, logger *zap.Logger) (*client.Client, error) {
	opts := []client.Option{
		client.WithTimeout(cfg.Client.Timeout),
		client.WithLogger(logger),
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if discover {
		if len(cfg.Etcd.Endpoints) == 0 {
			return nil, errors.New("-discover needs etcd.endpoints in the configuration")
		}
		reg, err := registry.NewEtcdRegistry(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, logger)
		if err != nil {
			return nil, errors.Trace(err)
		}
		defer reg.Close()
		bal, err := loadbalance.ByName(cfg.Etcd.Balancer)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return client.DialService(ctx, reg, bal, cfg.Etcd.Service, opts...)
	}

	host, portStr, err := net.SplitHostPort(cfg.Client.Addr)
	if err != nil {
		return nil, errors.Annotatef(err, "server address %q", cfg.Client.Addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.NotValidf("port %q", portStr)
	}
	c := client.New(opts...)
	if err := c.Connect(ctx, host, port); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// parseParams turns key=value arguments into request parameters.
func parseParams(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, errors.NotValidf("parameter %q (want key=value)", arg)
		}
		params[key] = value
	}
	return params, nil
}
