package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/massawatch/internal/logger"
	"github.com/loykin/massawatch/internal/messenger"
	"github.com/loykin/massawatch/internal/notify"
	"github.com/loykin/massawatch/internal/process"
	"github.com/loykin/massawatch/internal/runner"
)

// EnvPrefix prefixes environment overrides, e.g. MASSAWATCH_NODE_BINARY.
const EnvPrefix = "MASSAWATCH"

// Config is the top-level TOML structure.
type Config struct {
	DataDir   string               `toml:"data_dir" mapstructure:"data_dir"`
	Node      NodeConfig           `toml:"node" mapstructure:"node"`
	Registry  RegistryConfig       `toml:"registry" mapstructure:"registry"`
	Pipeline  PipelineConfig       `toml:"pipeline" mapstructure:"pipeline"`
	Messenger messenger.Config     `toml:"messenger" mapstructure:"messenger"`
	Runner    runner.BackoffConfig `toml:"runner" mapstructure:"runner"`
	Log       LogConfig            `toml:"log" mapstructure:"log"`
	Metrics   MetricsConfig        `toml:"metrics" mapstructure:"metrics"`
	Server    ServerConfig         `toml:"server" mapstructure:"server"`
	History   HistoryConfig        `toml:"history" mapstructure:"history"`
}

// NodeConfig describes the monitored node process and how it is probed.
type NodeConfig struct {
	Name          string            `toml:"name" mapstructure:"name"`
	Binary        string            `toml:"binary" mapstructure:"binary"`
	Args          []string          `toml:"args" mapstructure:"args"`
	WorkDir       string            `toml:"workdir" mapstructure:"workdir"`
	Env           []string          `toml:"env" mapstructure:"env"`
	EnvFiles      []string          `toml:"env_files" mapstructure:"env_files"`
	RPCURL        string            `toml:"rpc_url" mapstructure:"rpc_url"`
	ProbeTimeout  time.Duration     `toml:"probe_timeout" mapstructure:"probe_timeout"`
	QueryTimeout  time.Duration     `toml:"query_timeout" mapstructure:"query_timeout"`
	PollInterval  time.Duration     `toml:"poll_interval" mapstructure:"poll_interval"`
	Cooldown      time.Duration     `toml:"cooldown" mapstructure:"cooldown"`
	StopGrace     time.Duration     `toml:"stop_grace" mapstructure:"stop_grace"`
	ShutdownGrace time.Duration     `toml:"shutdown_grace" mapstructure:"shutdown_grace"`
	DebugOutput   bool              `toml:"debug_output" mapstructure:"debug_output"`
	KillStale     bool              `toml:"kill_stale" mapstructure:"kill_stale"`
	Log           logger.FileConfig `toml:"log" mapstructure:"log"`
}

type RegistryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type PipelineConfig struct {
	Enabled       bool `toml:"enabled" mapstructure:"enabled"`
	notify.Config `mapstructure:",squash"`
}

// LogConfig is the application log: handler settings plus optional rotation.
type LogConfig struct {
	logger.SlogConfig `mapstructure:",squash"`
	File              logger.FileConfig `toml:"file" mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type ServerConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")

	v.SetDefault("node.name", "massa-node")
	v.SetDefault("node.binary", "")
	v.SetDefault("node.args", []string{"-a", "-p", "password"})
	v.SetDefault("node.workdir", "")
	v.SetDefault("node.env", []string{})
	v.SetDefault("node.env_files", []string{})
	v.SetDefault("node.rpc_url", "http://localhost:33035")
	v.SetDefault("node.probe_timeout", "5s")
	v.SetDefault("node.query_timeout", "30s")
	v.SetDefault("node.poll_interval", "10s")
	v.SetDefault("node.cooldown", "10s")
	v.SetDefault("node.stop_grace", "5s")
	v.SetDefault("node.shutdown_grace", "7s")
	v.SetDefault("node.debug_output", false)
	v.SetDefault("node.kill_stale", true)
	v.SetDefault("node.log.dir", "")
	v.SetDefault("node.log.max_size_mb", 0)
	v.SetDefault("node.log.max_backups", 0)
	v.SetDefault("node.log.max_age_days", 0)
	v.SetDefault("node.log.compress", false)

	v.SetDefault("registry.dsn", "")

	v.SetDefault("pipeline.enabled", true)
	v.SetDefault("pipeline.batch_size", notify.DefaultBatchSize)
	v.SetDefault("pipeline.batch_delay", notify.DefaultBatchDelay.String())
	v.SetDefault("pipeline.throttle", notify.DefaultThrottle.String())

	v.SetDefault("messenger.url", "nats://127.0.0.1:4222")
	v.SetDefault("messenger.prefix", "massawatch")
	v.SetDefault("messenger.name", "massawatch")
	v.SetDefault("messenger.admin", 0)
	v.SetDefault("messenger.username", "")
	v.SetDefault("messenger.ack_timeout", "0s")
	v.SetDefault("messenger.max_reconnects", 0)
	v.SetDefault("messenger.reconnect_wait", "2s")
	v.SetDefault("messenger.timeout", "5s")

	v.SetDefault("runner.floor", "10s")
	v.SetDefault("runner.ceiling", "10m")
	v.SetDefault("runner.multiplier", 1.5)
	v.SetDefault("runner.window", "5m")

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file.dir", "")
	v.SetDefault("log.file.name", "massawatch")
	v.SetDefault("log.file.max_size_mb", 0)
	v.SetDefault("log.file.max_backups", 0)
	v.SetDefault("log.file.max_age_days", 0)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("history.dsn", "")
}

// Load reads the TOML file at path, applies MASSAWATCH_* environment
// overrides and defaults, and validates the result. An empty path uses
// defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve fills values derived from data_dir.
func (c *Config) resolve() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "data"
	}
	if c.Node.Binary == "" {
		c.Node.Binary = filepath.Join(c.DataDir, "massa", "massa-node", "massa-node")
	}
	if c.Registry.DSN == "" {
		c.Registry.DSN = filepath.Join(c.DataDir, "watching.csv")
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Node.Binary) == "" {
		errs = append(errs, errors.New("node.binary is empty"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"node.probe_timeout", c.Node.ProbeTimeout},
		{"node.query_timeout", c.Node.QueryTimeout},
		{"node.poll_interval", c.Node.PollInterval},
		{"node.cooldown", c.Node.Cooldown},
		{"node.shutdown_grace", c.Node.ShutdownGrace},
		{"pipeline.throttle", c.Pipeline.Throttle},
		{"runner.floor", c.Runner.Floor},
		{"runner.ceiling", c.Runner.Ceiling},
		{"runner.window", c.Runner.Window},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.Pipeline.BatchDelay < 0 {
		errs = append(errs, errors.New("pipeline.batch_delay must not be negative"))
	}
	if c.Pipeline.BatchSize < 1 {
		errs = append(errs, errors.New("pipeline.batch_size must be at least 1"))
	}
	if c.Runner.Multiplier < 1 {
		errs = append(errs, errors.New("runner.multiplier must be at least 1"))
	}
	if c.Runner.Ceiling > 0 && c.Runner.Floor > c.Runner.Ceiling {
		errs = append(errs, errors.New("runner.floor exceeds runner.ceiling"))
	}
	return errors.Join(errs...)
}

// Logger returns the application logger settings.
func (c *Config) Logger() logger.Config {
	return logger.Config{Slog: c.Log.SlogConfig, File: c.Log.File}
}

// NodeSpec builds the process description for the node. Environment files
// are applied in order and node.env entries override them.
func (c *Config) NodeSpec() (process.Spec, error) {
	env, err := c.NodeEnv()
	if err != nil {
		return process.Spec{}, err
	}
	cmd := append([]string{c.Node.Binary}, c.Node.Args...)
	return process.Spec{
		Name:      c.Node.Name,
		Command:   cmd,
		WorkDir:   c.Node.WorkDir,
		Env:       env,
		Debug:     c.Node.DebugOutput,
		Log:       c.Node.Log,
		StopGrace: c.Node.StopGrace,
	}, nil
}

// NodeEnv merges node.env_files and node.env into KEY=VALUE pairs. Keys keep
// the order of their first appearance.
func (c *Config) NodeEnv() ([]string, error) {
	m := make(map[string]string)
	var order []string
	set := func(k, v string) {
		if _, ok := m[k]; !ok {
			order = append(order, k)
		}
		m[k] = v
	}
	for _, p := range c.Node.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		for _, kv := range pairs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				set(kv[:i], kv[i+1:])
			}
		}
	}
	for _, kv := range c.Node.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			set(kv[:i], kv[i+1:])
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+m[k])
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no
// quotes) in file order. Lines starting with # are ignored.
func LoadEnvFile(path string) ([]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, strings.TrimSpace(line[:i])+"="+strings.TrimSpace(line[i+1:]))
		}
	}
	return out, nil
}
