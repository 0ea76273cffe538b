package config_test

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/nixpig/queuefleet/internal/config"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()

	fs := pflag.NewFlagSet("queuefleet", pflag.ContinueOnError)
	config.BindFlags(fs)
	require.NoError(t, fs.Parse(args))

	return fs
}

func validConfig() *config.Config {
	return &config.Config{
		Queues:         []string{"default"},
		Environment:    config.DefaultEnvironment,
		Directory:      "/srv/app",
		MaxConcurrency: config.DefaultMaxConcurrency,
		Interval:       config.DefaultInterval,
		GracePeriod:    config.DefaultGracePeriod,
		Worker:         config.WorkerConfig{Command: config.DefaultWorkerCommand},
		Signals: config.SignalConfig{
			Terminate: config.DefaultTerminateSignals,
			Forward:   config.DefaultForwardSignals,
		},
		Log: config.LogConfig{Level: config.DefaultLogLevel},
	}
}

func TestLoad(t *testing.T) {
	t.Run("Test defaults", func(t *testing.T) {
		t.Setenv(config.EnvConfigPath, "")

		cfg, err := config.Load("", nil)
		require.NoError(t, err)

		wd, err := os.Getwd()
		require.NoError(t, err)

		assert.Equal(t, config.DefaultEnvironment, cfg.Environment)
		assert.Equal(t, wd, cfg.Directory)
		assert.Equal(t, config.DefaultMaxConcurrency, cfg.MaxConcurrency)
		assert.Equal(t, config.DefaultInterval, cfg.Interval)
		assert.Equal(t, config.DefaultGracePeriod, cfg.GracePeriod)
		assert.Equal(t, config.DefaultWorkerCommand, cfg.Worker.Command)
		assert.Equal(t, config.DefaultTerminateSignals, cfg.Signals.Terminate)
		assert.Equal(t, config.DefaultForwardSignals, cfg.Signals.Forward)
		assert.Equal(t, config.DefaultLogLevel, cfg.Log.Level)
		assert.False(t, cfg.DryRun)
	})

	t.Run("Test file, environment and flag priority", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queuefleet.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
environment: staging
max_concurrency: 10
interval: 2s
pid_file: /tmp/from-file.pid
worker:
  command: ["bundle", "exec", "worker"]
log:
  level: debug
`), 0644))

		t.Setenv("QUEUEFLEET_ENVIRONMENT", "production")

		fs := newFlagSet(t, "-m", "3", "--dryrun")

		cfg, err := config.Load(path, fs)
		require.NoError(t, err)

		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, 3, cfg.MaxConcurrency)
		assert.True(t, cfg.DryRun)
		assert.Equal(t, 2*time.Second, cfg.Interval)
		assert.Equal(t, "/tmp/from-file.pid", cfg.PidFile)
		assert.Equal(t, []string{"bundle", "exec", "worker"}, cfg.Worker.Command)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("Test queues from environment keep comma groups", func(t *testing.T) {
		t.Setenv(config.EnvConfigPath, "")
		t.Setenv("QUEUEFLEET_QUEUES", "mailers,default low")

		cfg, err := config.Load("", nil)
		require.NoError(t, err)

		assert.Equal(t, []string{"mailers,default", "low"}, cfg.Queues)
	})

	t.Run("Test single comma group from environment", func(t *testing.T) {
		t.Setenv(config.EnvConfigPath, "")
		t.Setenv("QUEUEFLEET_QUEUES", "mailers,default")

		cfg, err := config.Load("", nil)
		require.NoError(t, err)

		assert.Equal(t, []string{"mailers,default"}, cfg.Queues)
	})

	t.Run("Test queues from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queuefleet.yml")
		require.NoError(t, os.WriteFile(path, []byte(`
queues:
  - mailers,default
  - low
`), 0644))

		cfg, err := config.Load(path, nil)
		require.NoError(t, err)

		assert.Equal(t, []string{"mailers,default", "low"}, cfg.Queues)
	})

	t.Run("Test explicit missing file", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"), nil)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		mutate  func(c *config.Config)
		wantErr bool
	}{
		"Valid": {
			mutate: func(c *config.Config) {},
		},
		"No queues": {
			mutate:  func(c *config.Config) { c.Queues = nil },
			wantErr: true,
		},
		"Zero concurrency": {
			mutate:  func(c *config.Config) { c.MaxConcurrency = 0 },
			wantErr: true,
		},
		"Empty worker command": {
			mutate:  func(c *config.Config) { c.Worker.Command = []string{""} },
			wantErr: true,
		},
		"Zero interval": {
			mutate:  func(c *config.Config) { c.Interval = 0 },
			wantErr: true,
		},
		"Negative grace period": {
			mutate:  func(c *config.Config) { c.GracePeriod = -time.Second },
			wantErr: true,
		},
		"Negative limit": {
			mutate:  func(c *config.Config) { c.Limits.MemoryMaxBytes = -1 },
			wantErr: true,
		},
		"Unknown signal": {
			mutate:  func(c *config.Config) { c.Signals.Forward = []string{"SIGBOGUS"} },
			wantErr: true,
		},
		"Overlapping signals": {
			mutate: func(c *config.Config) {
				c.Signals.Forward = []string{"SIGHUP", "SIGTERM"}
			},
			wantErr: true,
		},
		"Empty terminate set": {
			mutate:  func(c *config.Config) { c.Signals.Terminate = nil },
			wantErr: true,
		},
		"Partial health TLS": {
			mutate:  func(c *config.Config) { c.Health.TLSCert = "server.crt" },
			wantErr: true,
		},
		"Complete health TLS": {
			mutate: func(c *config.Config) {
				c.Health.TLSCert = "server.crt"
				c.Health.TLSKey = "server.key"
				c.Health.TLSCA = "ca.crt"
			},
		},
		"Bad log level": {
			mutate:  func(c *config.Config) { c.Log.Level = "chatty" },
			wantErr: true,
		},
	}

	for scenario, s := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			s.mutate(cfg)

			err := cfg.Validate()
			if s.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseSignals(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Signals.Terminate = []string{"TERM"}
	cfg.Signals.Forward = []string{"usr1"}

	terminate, forward, err := cfg.ParseSignals()
	require.NoError(t, err)

	assert.Equal(t, []os.Signal{syscall.SIGTERM}, terminate)
	assert.Equal(t, []os.Signal{syscall.SIGUSR1}, forward)
}
