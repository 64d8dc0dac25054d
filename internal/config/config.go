// Package config loads the ariactl configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the ARIARPC_CONFIG environment variable, in that order. Without either the
// defaults are used; there is no search path.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "ARIARPC_CONFIG"

type Config struct {
	RPC     RPCConfig     `yaml:"rpc"`
	Log     LogConfig     `yaml:"log"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type RPCConfig struct {
	// URL is the daemon endpoint, ws(s):// for the trigger or http(s):// for
	// the stateless client.
	URL     string      `yaml:"url"`
	Token   string      `yaml:"token"`
	Timeout Duration    `yaml:"timeout"`
	Redial  bool        `yaml:"redial"`
	Retry   RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	Interval    Duration `yaml:"interval"`
	MaxAttempts int      `yaml:"max_attempts"`
	MaxElapsed  Duration `yaml:"max_elapsed"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, when set, receives the log instead of stderr and is rotated.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type DaemonConfig struct {
	Path string `yaml:"path"`
	// Conf is an aria2 configuration file whose options are passed as flags.
	Conf            string   `yaml:"conf"`
	Args            []string `yaml:"args"`
	StopWithProcess bool     `yaml:"stop_with_process"`
	TerminateGrace  Duration `yaml:"terminate_grace"`
}

type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint; empty disables it.
	Listen string `yaml:"listen"`
}

// Duration accepts "10s" style durations or a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration reads "1m30s" or a plain integer meaning seconds.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return time.Duration(n) * time.Second, nil
}

func Default() *Config {
	return &Config{
		RPC: RPCConfig{
			URL:     "ws://localhost:6800/jsonrpc",
			Timeout: Duration(10 * time.Second),
			Retry: RetryConfig{
				Interval:    Duration(time.Second),
				MaxAttempts: 5,
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Daemon: DaemonConfig{
			Path:            "aria2c",
			StopWithProcess: true,
			TerminateGrace:  Duration(10 * time.Second),
		},
	}
}

// Load reads the file named by flagPath, or by ARIARPC_CONFIG when flagPath
// is empty. With neither it returns the defaults.
func Load(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile reads path over the defaults, expands ${VAR} references in
// secrets and paths, and validates the result.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) expand() {
	c.RPC.Token = os.ExpandEnv(c.RPC.Token)
	c.Log.File = os.ExpandEnv(c.Log.File)
	c.Daemon.Path = os.ExpandEnv(c.Daemon.Path)
	c.Daemon.Conf = os.ExpandEnv(c.Daemon.Conf)
}

func (c *Config) Validate() error {
	var err error
	if c.RPC.URL == "" {
		err = multierr.Append(err, fmt.Errorf("rpc.url is required"))
	}
	if c.RPC.Timeout < 0 {
		err = multierr.Append(err, fmt.Errorf("rpc.timeout must not be negative"))
	}
	if c.RPC.Retry.MaxAttempts < 0 {
		err = multierr.Append(err, fmt.Errorf("rpc.retry.max_attempts must not be negative"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level must be one of debug, info, warn, error"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("log.format must be console or json"))
	}
	if c.Daemon.Path == "" {
		err = multierr.Append(err, fmt.Errorf("daemon.path is required"))
	}
	return err
}
