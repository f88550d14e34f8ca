// Package config loads the YAML configuration of the mediaserver binary.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snowmerak/mediaserver/lib/errs"
	"github.com/snowmerak/mediaserver/lib/launcher"
	"github.com/snowmerak/mediaserver/lib/logging"
	"github.com/snowmerak/mediaserver/lib/module"
	"github.com/snowmerak/mediaserver/lib/rpc/natsrpc"
)

// Transports between a launcher and the main server.
const (
	TransportUnix  = "unix"
	TransportNATS  = "nats"
	TransportStdio = "stdio"
)

const DefaultSocket = "/tmp/mediaserver.sock"

type RPCConfig struct {
	Transport     string        `yaml:"transport"`
	Address       string        `yaml:"address"`
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
}

type MetricsConfig struct {
	// Address of the /metrics listener. Empty disables it.
	Address string `yaml:"address"`
}

type Config struct {
	Role         string   `yaml:"role"`
	MainModule   string   `yaml:"main_module"`
	LocalModules []string `yaml:"local_modules"`
	// Modules are loaded at start, after the main module.
	Modules []string `yaml:"modules"`

	RPC          RPCConfig      `yaml:"rpc"`
	SyncTimeout  time.Duration  `yaml:"sync_timeout"`
	StartTimeout time.Duration  `yaml:"start_timeout"`
	Log          logging.Config `yaml:"log"`
	Metrics      MetricsConfig  `yaml:"metrics"`
}

// Default returns the configuration of a main server listening on DefaultSocket.
func Default() *Config {
	return &Config{
		Role: string(launcher.RoleServer),
		RPC: RPCConfig{
			Transport:     TransportUnix,
			Address:       DefaultSocket,
			SubjectPrefix: natsrpc.DefaultPrefix,
			Timeout:       natsrpc.DefaultTimeout,
		},
		SyncTimeout:  module.DefaultSyncTimeout,
		StartTimeout: module.DefaultStartTimeout,
		Log:          logging.DefaultConfig(),
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return errs.Wrap(fmt.Errorf("%w: "+format, append([]any{errs.ErrInvalidConfig}, args...)...), "config", "validate")
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	role, err := launcher.ParseRole(c.Role)
	if err != nil {
		return invalid("role %q (must be server or launcher)", c.Role)
	}
	if role == launcher.RoleLauncher && c.MainModule == "" {
		return invalid("main_module is required in launcher role")
	}

	transports := []string{TransportUnix, TransportNATS}
	if role == launcher.RoleLauncher {
		transports = append(transports, TransportStdio)
	}
	if !slices.Contains(transports, c.RPC.Transport) {
		return invalid("rpc transport %q for role %s (must be one of: %v)", c.RPC.Transport, role, transports)
	}
	switch c.RPC.Transport {
	case TransportUnix:
		if c.RPC.Address == "" {
			return invalid("rpc address is required for the unix transport")
		}
	case TransportNATS:
		if c.RPC.NATSURL == "" {
			return invalid("rpc nats_url is required for the nats transport")
		}
		if c.RPC.SubjectPrefix == "" {
			return invalid("rpc subject_prefix must not be empty")
		}
	}

	if c.SyncTimeout <= 0 || c.StartTimeout <= 0 || c.RPC.Timeout <= 0 {
		return invalid("timeouts must be positive (sync %s, start %s, rpc %s)",
			c.SyncTimeout, c.StartTimeout, c.RPC.Timeout)
	}
	if c.RPC.Timeout > c.SyncTimeout {
		return invalid("rpc timeout %s exceeds sync timeout %s", c.RPC.Timeout, c.SyncTimeout)
	}

	if _, err := logging.NewLoggerConfig(c.Log); err != nil {
		return err
	}
	return nil
}

// LauncherRole returns the parsed role. It assumes Validate passed.
func (c *Config) LauncherRole() launcher.Role {
	return launcher.Role(c.Role)
}
