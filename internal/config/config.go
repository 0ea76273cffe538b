// Package config provides configuration for the queuefleet supervisor.
//
// Values are resolved from, highest priority first: command line flags,
// QUEUEFLEET_* environment variables, an optional YAML config file, and
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/nixpig/queuefleet/internal/sigrouter"
	"github.com/nixpig/queuefleet/internal/tlsconfig"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "QUEUEFLEET"
	EnvConfigPath = "QUEUEFLEET_CONFIG"

	DefaultEnvironment    = "development"
	DefaultMaxConcurrency = 50
	DefaultInterval       = 5 * time.Second
	DefaultGracePeriod    = 25 * time.Second
	DefaultLogLevel       = "info"
	DefaultLogMaxSize     = 100 // MB
	DefaultLogMaxBackups  = 3
	DefaultLogMaxAge      = 7 // days
)

var (
	DefaultWorkerCommand    = []string{"bin/worker"}
	DefaultTerminateSignals = []string{"SIGINT", "SIGTERM"}
	DefaultForwardSignals   = []string{"SIGTTIN", "SIGUSR1", "SIGUSR2", "SIGHUP"}
)

// Config is the complete supervisor configuration.
type Config struct {
	// Queues are the raw queue tokens, one worker process per token. A token
	// may itself hold several comma separated queue names, so from a single
	// string such as QUEUEFLEET_QUEUES the tokens are split on whitespace.
	Queues []string `mapstructure:"-"`

	Environment    string        `mapstructure:"environment"`
	Directory      string        `mapstructure:"directory"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	DryRun         bool          `mapstructure:"dry_run"`
	PidFile        string        `mapstructure:"pid_file"`
	Interval       time.Duration `mapstructure:"interval"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`

	// Negate runs a single worker for every catalog queue not named in Queues.
	Negate       bool   `mapstructure:"negate"`
	QueueCatalog string `mapstructure:"queue_catalog"`

	Worker  WorkerConfig `mapstructure:"worker"`
	Signals SignalConfig `mapstructure:"signals"`
	Limits  LimitsConfig `mapstructure:"limits"`
	Health  HealthConfig `mapstructure:"health"`
	Log     LogConfig    `mapstructure:"log"`
}

// WorkerConfig describes how to invoke the worker executable.
type WorkerConfig struct {
	Command []string `mapstructure:"command"`
}

// SignalConfig holds the terminate and forward signal sets by name.
type SignalConfig struct {
	Terminate []string `mapstructure:"terminate"`
	Forward   []string `mapstructure:"forward"`
}

// LimitsConfig enables per-worker cgroup v2 limits when CgroupRoot is set.
type LimitsConfig struct {
	CgroupRoot     string `mapstructure:"cgroup_root"`
	CPUMaxPercent  int64  `mapstructure:"cpu_max_percent"`
	MemoryMaxBytes int64  `mapstructure:"memory_max_bytes"`
	PidsMax        int64  `mapstructure:"pids_max"`
}

// HealthConfig enables the gRPC health endpoint when Address is set. Setting
// the TLS paths requires clients to present a certificate signed by TLSCA.
type HealthConfig struct {
	Address string `mapstructure:"address"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
	TLSCA   string `mapstructure:"tls_ca"`
}

// TLS returns the server side TLS configuration of the health endpoint.
func (h HealthConfig) TLS() *tlsconfig.Config {
	return &tlsconfig.Config{
		CertPath:   h.TLSCert,
		KeyPath:    h.TLSKey,
		CACertPath: h.TLSCA,
		Server:     true,
	}
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// File enables a rotating JSON log file in addition to stderr.
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"environment":       "environment",
	"directory":         "directory",
	"max-concurrency":   "max_concurrency",
	"dryrun":            "dry_run",
	"pidfile":           "pid_file",
	"interval":          "interval",
	"grace-period":      "grace_period",
	"negate":            "negate",
	"queue-catalog":     "queue_catalog",
	"worker-command":    "worker.command",
	"terminate-signals": "signals.terminate",
	"forward-signals":   "signals.forward",
	"cgroup-root":       "limits.cgroup_root",
	"cpu-max-percent":   "limits.cpu_max_percent",
	"memory-max-bytes":  "limits.memory_max_bytes",
	"pids-max":          "limits.pids_max",
	"health-address":    "health.address",
	"health-tls-cert":   "health.tls_cert",
	"health-tls-key":    "health.tls_key",
	"health-tls-ca":     "health.tls_ca",
	"log-level":         "log.level",
	"log-file":          "log.file",
}

// BindFlags registers every supervisor flag on fs. Flag defaults are zero
// values; real defaults live in Load so that only flags the operator actually
// set override the config file and environment.
func BindFlags(fs *pflag.FlagSet) {
	fs.StringP("environment", "e", "", "Environment label passed to workers")
	fs.StringP("directory", "d", "", "Working directory for workers")
	fs.IntP("max-concurrency", "m", 0, "Maximum concurrency per worker process")
	fs.Bool("dryrun", false, "Print the workers that would be started and exit")
	fs.StringP("pidfile", "P", "", "Path to write the supervisor pid to")
	fs.DurationP("interval", "i", 0, "Interval between worker liveness checks")
	fs.Duration("grace-period", 0, "Time allowed for workers to exit before being killed")
	fs.BoolP("negate", "n", false, "Run one worker for every catalog queue except those given")
	fs.String("queue-catalog", "", "Path to a YAML file listing every known queue")
	fs.StringSlice("worker-command", nil, "Worker executable and its leading arguments")
	fs.StringSlice("terminate-signals", nil, "Signals that shut down the fleet")
	fs.StringSlice("forward-signals", nil, "Signals relayed to every worker")
	fs.String("cgroup-root", "", "cgroup v2 root under which per-worker cgroups are created")
	fs.Int64("cpu-max-percent", 0, "Per-worker CPU limit as a percentage of one CPU")
	fs.Int64("memory-max-bytes", 0, "Per-worker memory limit in bytes")
	fs.Int64("pids-max", 0, "Per-worker limit on the number of processes")
	fs.String("health-address", "", "Serve gRPC health checks on host:port or unix:///path")
	fs.String("health-tls-cert", "", "Health endpoint TLS certificate")
	fs.String("health-tls-key", "", "Health endpoint TLS private key")
	fs.String("health-tls-ca", "", "CA certificate that health check clients must be signed by")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.String("log-file", "", "Also write JSON logs to this rotating file")
}

// Load resolves the configuration. configPath may be empty, in which case
// QUEUEFLEET_CONFIG is consulted; a missing file is only an error when a path
// was given explicitly. fs may be nil.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	explicit := configPath != ""
	if !explicit {
		configPath = os.Getenv(EnvConfigPath)
		explicit = configPath != ""
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}

			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if explicit || !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Unmarshal would split a string on commas and turn one group into many.
	cfg.Queues = v.GetStringSlice("queues")

	if cfg.Directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}

		cfg.Directory = wd
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queues", []string{})
	v.SetDefault("environment", DefaultEnvironment)
	v.SetDefault("directory", "")
	v.SetDefault("max_concurrency", DefaultMaxConcurrency)
	v.SetDefault("dry_run", false)
	v.SetDefault("pid_file", "")
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("grace_period", DefaultGracePeriod)
	v.SetDefault("negate", false)
	v.SetDefault("queue_catalog", "")

	v.SetDefault("worker.command", DefaultWorkerCommand)

	v.SetDefault("signals.terminate", DefaultTerminateSignals)
	v.SetDefault("signals.forward", DefaultForwardSignals)

	v.SetDefault("limits.cgroup_root", "")
	v.SetDefault("limits.cpu_max_percent", 0)
	v.SetDefault("limits.memory_max_bytes", 0)
	v.SetDefault("limits.pids_max", 0)

	v.SetDefault("health.address", "")
	v.SetDefault("health.tls_cert", "")
	v.SetDefault("health.tls_key", "")
	v.SetDefault("health.tls_ca", "")

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)
}

// Validate checks the configuration for values the supervisor cannot run
// with.
func (c *Config) Validate() error {
	if len(c.Queues) == 0 {
		return errors.New("at least one queue must be given")
	}

	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1: got %d", c.MaxConcurrency)
	}

	if len(c.Worker.Command) == 0 || c.Worker.Command[0] == "" {
		return errors.New("worker.command cannot be empty")
	}

	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}

	if c.GracePeriod <= 0 {
		return errors.New("grace_period must be positive")
	}

	if c.Limits.CPUMaxPercent < 0 ||
		c.Limits.MemoryMaxBytes < 0 ||
		c.Limits.PidsMax < 0 {
		return errors.New("limits cannot be negative")
	}

	if _, _, err := c.ParseSignals(); err != nil {
		return err
	}

	if err := c.Health.TLS().Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf(
			"invalid log level: %s (must be debug, info, warn, or error)",
			c.Log.Level,
		)
	}

	return nil
}

// ParseSignals converts the configured signal names and checks the two sets
// are disjoint.
func (c *Config) ParseSignals() (terminate, forward []os.Signal, err error) {
	terminate, err = sigrouter.ParseAll(c.Signals.Terminate)
	if err != nil {
		return nil, nil, fmt.Errorf("signals.terminate: %w", err)
	}

	if len(terminate) == 0 {
		return nil, nil, errors.New("signals.terminate cannot be empty")
	}

	forward, err = sigrouter.ParseAll(c.Signals.Forward)
	if err != nil {
		return nil, nil, fmt.Errorf("signals.forward: %w", err)
	}

	for _, sig := range terminate {
		if slices.Contains(forward, sig) {
			return nil, nil, fmt.Errorf(
				"signal %s is in both signals.terminate and signals.forward",
				sigrouter.Name(sig),
			)
		}
	}

	return terminate, forward, nil
}
