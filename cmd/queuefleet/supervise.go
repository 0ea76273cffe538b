package main

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/nixpig/queuefleet/internal/catalog"
	"github.com/nixpig/queuefleet/internal/config"
	"github.com/nixpig/queuefleet/internal/fleet"
	"github.com/nixpig/queuefleet/internal/fleet/cgroups"
	"github.com/nixpig/queuefleet/internal/logging"
	"github.com/nixpig/queuefleet/internal/sigrouter"
	"github.com/nixpig/queuefleet/internal/tlsconfig"
	"go.uber.org/zap"
	"google.golang.org/grpc/credentials"
)

// supervise resolves the queue groups, wires the fleet together and runs it
// to completion. The dry run report is written to out.
func supervise(ctx context.Context, cfg *config.Config, out io.Writer) error {
	queues, err := expandQueues(cfg)
	if err != nil {
		return err
	}

	cfg.Queues = queues

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	terminate, forward, err := cfg.ParseSignals()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	runID := uuid.NewString()
	logger = logger.With(zap.String("run_id", runID))

	monitor := fleet.NewMonitor()

	launcher, err := fleet.NewLauncher(monitor, fleet.LauncherConfig{
		Command:    cfg.Worker.Command,
		RunID:      runID,
		CgroupRoot: cfg.Limits.CgroupRoot,
		Limits: cgroups.ResourceLimits{
			CPUMaxPercent:  cfg.Limits.CPUMaxPercent,
			MemoryMaxBytes: cfg.Limits.MemoryMaxBytes,
			PidsMax:        cfg.Limits.PidsMax,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	router, err := sigrouter.New(terminate, forward)
	if err != nil {
		return err
	}

	var health *healthServer

	if cfg.Health.Address != "" && !cfg.DryRun {
		listener, err := listen(cfg.Health.Address)
		if err != nil {
			return fmt.Errorf("listen for health checks: %w", err)
		}

		creds, err := healthCredentials(cfg.Health)
		if err != nil {
			listener.Close()
			return err
		}

		health = newHealthServer(logger, creds)

		go func() {
			if err := health.start(listener); err != nil {
				logger.Warn("health server stopped", zap.Error(err))
			}
		}()

		defer health.shutdown()

		logger.Info(
			"serving health checks",
			zap.String("address", listener.Addr().String()),
		)
	}

	supervisor := fleet.NewSupervisor(
		launcher,
		monitor,
		router,
		logger,
		fleet.Options{
			Queues:         cfg.Queues,
			Environment:    cfg.Environment,
			Directory:      cfg.Directory,
			MaxConcurrency: cfg.MaxConcurrency,
			DryRun:         cfg.DryRun,
			PidFile:        cfg.PidFile,
			Interval:       cfg.Interval,
			GracePeriod:    cfg.GracePeriod,
			Out:            out,
			OnStateChange: func(state fleet.State) {
				if health != nil {
					health.setState(state)
				}
			},
		},
	)

	logger.Info(
		"starting queuefleet",
		zap.Strings("queues", cfg.Queues),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.String("environment", cfg.Environment),
		zap.String("directory", cfg.Directory),
		zap.Bool("dry_run", cfg.DryRun),
	)

	if err := supervisor.Run(ctx); err != nil {
		logger.Error("queuefleet stopped", zap.Error(err))
		return err
	}

	logger.Info("queuefleet stopped")

	return nil
}

// healthCredentials returns mutual TLS credentials when the health endpoint
// has certificates configured, and nil otherwise.
func healthCredentials(cfg config.HealthConfig) (credentials.TransportCredentials, error) {
	tlsCfg := cfg.TLS()
	if !tlsCfg.Enabled() {
		return nil, nil
	}

	tlsConfig, err := tlsconfig.Setup(tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("load health TLS credentials: %w", err)
	}

	return credentials.NewTLS(tlsConfig), nil
}

// expandQueues applies the queue catalog, if any, to the configured tokens.
func expandQueues(cfg *config.Config) ([]string, error) {
	var c *catalog.Catalog

	if cfg.QueueCatalog != "" {
		var err error

		c, err = catalog.Load(cfg.QueueCatalog)
		if err != nil {
			return nil, err
		}
	}

	return catalog.Expand(c, cfg.Queues, cfg.Negate)
}
