package fleet

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"syscall"

	"github.com/nixpig/queuefleet/internal/fleet/cgroups"
	"go.uber.org/zap"
)

// Environment variables set on every worker in addition to the inherited
// environment. They share the QUEUEFLEET_WORKER_ prefix so they never shadow
// the supervisor's own QUEUEFLEET_* configuration.
const (
	EnvQueues      = "QUEUEFLEET_WORKER_QUEUES"
	EnvConcurrency = "QUEUEFLEET_WORKER_CONCURRENCY"
	EnvEnvironment = "QUEUEFLEET_WORKER_ENVIRONMENT"
	EnvRunID       = "QUEUEFLEET_WORKER_RUN_ID"
	EnvWorkerIndex = "QUEUEFLEET_WORKER_INDEX"
)

// LaunchOptions are the per-fleet parameters passed to every worker.
type LaunchOptions struct {
	// Environment is the deployment label, e.g. "production".
	Environment string

	// Directory is the worker's working directory.
	Directory string

	// DryRun computes launch parameters without spawning anything.
	DryRun bool
}

// LauncherConfig configures a Launcher.
type LauncherConfig struct {
	// Command is the worker executable followed by any leading arguments.
	Command []string

	// RunID identifies this supervisor run to workers and in cgroup names.
	RunID string

	// Env is the base environment for workers. Defaults to os.Environ().
	Env []string

	// CgroupRoot enables per-worker cgroups with Limits when set.
	CgroupRoot string
	Limits     cgroups.ResourceLimits

	Logger *zap.Logger
}

// Launcher spawns one worker process per queue group and hands each one to
// a Monitor for reaping.
type Launcher struct {
	command    []string
	runID      string
	env        []string
	cgroupRoot string
	limits     cgroups.ResourceLimits

	monitor *Monitor
	logger  *zap.Logger

	// next is the index given to the next worker. Launcher is only driven by
	// the supervisor's control flow, so it needs no locking.
	next int
}

// NewLauncher creates a Launcher that registers spawned workers with monitor.
func NewLauncher(monitor *Monitor, cfg LauncherConfig) (*Launcher, error) {
	if monitor == nil {
		return nil, errors.New("monitor cannot be nil")
	}

	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, errors.New("worker command cannot be empty")
	}

	if cfg.CgroupRoot != "" {
		if err := cgroups.ValidateRoot(cfg.CgroupRoot); err != nil {
			return nil, err
		}
	}

	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Launcher{
		command:    slices.Clone(cfg.Command),
		runID:      cfg.RunID,
		env:        slices.Clone(env),
		cgroupRoot: cfg.CgroupRoot,
		limits:     cfg.Limits,
		monitor:    monitor,
		logger:     logger,
	}, nil
}

// Command returns the full argv a worker for group would be started with.
func (l *Launcher) Command(
	group QueueGroup,
	concurrency int,
	opts LaunchOptions,
) []string {
	return append(
		slices.Clone(l.command),
		"--queues", group.String(),
		"--concurrency", strconv.Itoa(concurrency),
		"--environment", opts.Environment,
		"--directory", opts.Directory,
	)
}

func (l *Launcher) environ(index int, group QueueGroup, concurrency int, opts LaunchOptions) []string {
	return append(
		slices.Clone(l.env),
		EnvQueues+"="+group.String(),
		EnvConcurrency+"="+strconv.Itoa(concurrency),
		EnvEnvironment+"="+opts.Environment,
		EnvRunID+"="+l.runID,
		EnvWorkerIndex+"="+strconv.Itoa(index),
	)
}

// Launch spawns a worker for group and starts reaping it. It returns the new
// process id without waiting for the worker to do anything. In a dry run
// nothing is spawned and the pid is 0.
func (l *Launcher) Launch(
	group QueueGroup,
	concurrency int,
	opts LaunchOptions,
) (int, error) {
	argv := l.Command(group, concurrency, opts)

	if opts.DryRun {
		l.logger.Info(
			"would start worker",
			zap.Strings("queues", group.Queues),
			zap.Int("concurrency", concurrency),
			zap.Strings("argv", argv),
		)

		return 0, nil
	}

	index := l.next
	l.next++

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.Directory
	cmd.Env = l.environ(index, group, concurrency, opts)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	// Workers get their own process group so terminal generated signals only
	// reach the supervisor, which relays them deliberately.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var cg *cgroups.Cgroup
	if l.cgroupRoot != "" {
		var err error

		cg, err = cgroups.Create(
			l.cgroupRoot,
			fmt.Sprintf("queuefleet-%s-%d", l.runID, index),
			l.limits,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		}

		if fd := cg.FD(); fd != nil {
			cmd.SysProcAttr.UseCgroupFD = true
			cmd.SysProcAttr.CgroupFD = int(fd.Fd())
		}
	}

	if err := cmd.Start(); err != nil {
		if cg != nil {
			cg.Destroy()
		}

		return 0, fmt.Errorf("%w: queues %s: %w", ErrSpawnFailed, group, err)
	}

	if cg != nil {
		cg.CloseFD()

		if !cgroups.IsReal(l.cgroupRoot) {
			if err := cg.Join(cmd.Process.Pid); err != nil {
				l.logger.Warn(
					"failed to add worker to cgroup",
					zap.Int("pid", cmd.Process.Pid),
					zap.Error(err),
				)
			}
		}
	}

	w := newWorkerProcess(index, group, concurrency, cmd, cg)
	l.monitor.Watch(w)

	l.logger.Info(
		"started worker",
		zap.Int("pid", w.Pid()),
		zap.Int("index", index),
		zap.Strings("queues", group.Queues),
		zap.Int("concurrency", concurrency),
	)

	return w.Pid(), nil
}

// Start launches one worker per group, in order, each with the concurrency
// planned from maxConcurrency. It stops at the first spawn failure and
// returns the pids launched so far along with the error. A dry run returns
// no pids.
func (l *Launcher) Start(
	groups []QueueGroup,
	maxConcurrency int,
	opts LaunchOptions,
) ([]int, error) {
	if maxConcurrency < 1 {
		return nil, ErrInvalidConcurrency
	}

	pids := make([]int, 0, len(groups))

	for _, group := range groups {
		pid, err := l.Launch(group, PlanConcurrency(group, maxConcurrency), opts)
		if err != nil {
			return pids, err
		}

		if !opts.DryRun {
			pids = append(pids, pid)
		}
	}

	return pids, nil
}
