// Package config loads the YAML configuration shared by the binaries.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"campus-rpc/loadbalance"
	"campus-rpc/message"
	"campus-rpc/protocol"
)

// Config is the whole configuration file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Etcd    EtcdConfig    `yaml:"etcd"`
	Users   []User        `yaml:"users"`
}

type ServerConfig struct {
	Listen          string          `yaml:"listen"`
	MaxConnections  int             `yaml:"maxConnections"`
	MaxFrameSize    int             `yaml:"maxFrameSize"`
	WriteTimeout    time.Duration   `yaml:"writeTimeout"`
	IdleTimeout     time.Duration   `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdownTimeout"`
	HandlerTimeout  time.Duration   `yaml:"handlerTimeout"` // zero disables
	RateLimit       RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig is a token bucket shared by all connections. A zero Rate
// disables limiting.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type ClientConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig configures the diagnostics HTTP listener. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// EtcdConfig configures service registration. Registration is off unless
// Endpoints is set.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	Service     string        `yaml:"service"`
	Advertise   string        `yaml:"advertise"`
	Weight      int           `yaml:"weight"`
	TTL         int64         `yaml:"ttl"`
	Balancer    string        `yaml:"balancer"`
}

// User is an account accepted by auth/login.
type User struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	PasswordHash string   `yaml:"passwordHash"` // bcrypt
	Roles        []string `yaml:"roles"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":9000",
			MaxConnections:  1024,
			MaxFrameSize:    protocol.DefaultMaxFrameSize,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     message.DefaultIdleTimeout,
			ShutdownTimeout: 10 * time.Second,
		},
		Client: ClientConfig{
			Addr:    "127.0.0.1:9000",
			Timeout: 10 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			Service:     "campus-rpc",
			Weight:      1,
			TTL:         10,
			Balancer:    "roundrobin",
		},
	}
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	s := c.Server
	switch {
	case s.Listen == "":
		return errors.NotValidf("empty server.listen")
	case s.MaxConnections <= 0:
		return errors.NotValidf("server.maxConnections %d", s.MaxConnections)
	case s.MaxFrameSize < 1024:
		return errors.NotValidf("server.maxFrameSize %d (minimum 1024)", s.MaxFrameSize)
	case s.IdleTimeout <= 0:
		return errors.NotValidf("server.idleTimeout %v", s.IdleTimeout)
	case s.WriteTimeout < 0, s.ShutdownTimeout < 0, s.HandlerTimeout < 0:
		return errors.NotValidf("negative server timeout")
	case s.RateLimit.Rate < 0:
		return errors.NotValidf("server.rateLimit.rate %v", s.RateLimit.Rate)
	case s.RateLimit.Rate > 0 && s.RateLimit.Burst < 1:
		return errors.NotValidf("server.rateLimit.burst %d", s.RateLimit.Burst)
	}

	if c.Client.Timeout <= 0 {
		return errors.NotValidf("client.timeout %v", c.Client.Timeout)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return errors.NotValidf("logging.level %q", c.Logging.Level)
	}

	if len(c.Etcd.Endpoints) > 0 {
		if c.Etcd.Service == "" {
			return errors.NotValidf("empty etcd.service")
		}
		if c.Etcd.TTL <= 0 {
			return errors.NotValidf("etcd.ttl %d", c.Etcd.TTL)
		}
	}
	if _, err := loadbalance.ByName(c.Etcd.Balancer); err != nil {
		return errors.Trace(err)
	}

	seen := make(map[string]bool, len(c.Users))
	for i, u := range c.Users {
		switch {
		case u.Name == "":
			return errors.NotValidf("users[%d] without name", i)
		case seen[u.Name]:
			return errors.NotValidf("duplicate user %q", u.Name)
		case u.PasswordHash == "":
			return errors.NotValidf("user %q without passwordHash", u.Name)
		case len(u.Roles) == 0:
			return errors.NotValidf("user %q without roles", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}
