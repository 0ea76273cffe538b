package fleet

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nixpig/queuefleet/internal/pidfile"
	"github.com/nixpig/queuefleet/internal/sigrouter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultGracePeriod = 25 * time.Second

	// killWait bounds how long to wait for reapers after SIGKILL.
	killWait = 5 * time.Second

	// signalBuffer is how many trapped signals can queue before the signal
	// handlers block waiting for the control loop.
	signalBuffer = 8
)

// Spawner starts the worker fleet. *Launcher implements it.
type Spawner interface {
	Start(groups []QueueGroup, maxConcurrency int, opts LaunchOptions) ([]int, error)
	Command(group QueueGroup, concurrency int, opts LaunchOptions) []string
}

// Options configure a Supervisor run.
type Options struct {
	// Queues are the raw queue tokens; one worker is launched per token.
	Queues []string

	Environment    string
	Directory      string
	MaxConcurrency int

	// DryRun reports the workers that would be launched and stops.
	DryRun bool

	// PidFile, when set, receives the supervisor's pid before any worker is
	// launched and is removed once the supervisor stops.
	PidFile string

	// Interval between liveness probes of the fleet.
	Interval time.Duration

	// GracePeriod allowed for workers to exit after SIGTERM before they are
	// sent SIGKILL.
	GracePeriod time.Duration

	// Out receives the dry run report. Defaults to os.Stdout.
	Out io.Writer

	// OnStateChange is called after every state transition.
	OnStateChange func(State)
}

type signalEvent struct {
	sig       os.Signal
	terminate bool
}

// Supervisor launches a worker per queue group and supervises the fleet until
// it is told to stop or a worker dies.
type Supervisor struct {
	opts    Options
	spawner Spawner
	monitor *Monitor
	router  *sigrouter.Router
	logger  *zap.Logger

	state   AtomicState
	started atomic.Bool

	signals  chan signalEvent
	stopping chan struct{}
}

// NewSupervisor creates a Supervisor. The monitor must be the one spawner
// registers workers with.
func NewSupervisor(
	spawner Spawner,
	monitor *Monitor,
	router *sigrouter.Router,
	logger *zap.Logger,
	opts Options,
) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}

	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Supervisor{
		opts:     opts,
		spawner:  spawner,
		monitor:  monitor,
		router:   router,
		logger:   logger,
		signals:  make(chan signalEvent, signalBuffer),
		stopping: make(chan struct{}),
	}
}

// State returns the current state of the supervisor.
func (s *Supervisor) State() State {
	return s.state.Load()
}

func (s *Supervisor) transition(to State) error {
	from := s.state.Load()

	if !from.CanTransition(to) || !s.state.CompareAndSwap(from, to) {
		return NewInvalidStateError(from, to)
	}

	s.logger.Debug(
		"supervisor state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)

	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(to)
	}

	return nil
}

// Run launches the fleet and supervises it until shutdown. It returns nil
// after a requested shutdown or a dry run, and an error wrapping
// ErrWorkerDied or ErrSpawnFailed when the fleet was lost. Cancelling ctx
// requests a shutdown. Run may only be called once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}

	groups := ParseQueueGroups(s.opts.Queues)

	if err := s.validate(groups); err != nil {
		return multierr.Combine(err, s.transition(StateStopped))
	}

	if s.opts.DryRun {
		return multierr.Combine(s.report(groups), s.transition(StateStopped))
	}

	if s.opts.PidFile != "" {
		if err := pidfile.Write(s.opts.PidFile); err != nil {
			return multierr.Combine(err, s.transition(StateStopped))
		}

		defer func() {
			if err := pidfile.Remove(s.opts.PidFile); err != nil {
				s.logger.Warn("failed to remove pid file", zap.Error(err))
			}
		}()
	}

	s.router.TrapTerminate(s.enqueue(true))
	s.router.TrapForward(s.enqueue(false))

	defer func() {
		close(s.stopping)
		s.router.Stop()
	}()

	pids, startErr := s.spawner.Start(
		groups,
		s.opts.MaxConcurrency,
		LaunchOptions{
			Environment: s.opts.Environment,
			Directory:   s.opts.Directory,
		},
	)

	var cause error

	if startErr != nil {
		s.logger.Error(
			"failed to start worker fleet",
			zap.Int("started", len(pids)),
			zap.Int("groups", len(groups)),
			zap.Error(startErr),
		)

		cause = startErr
	} else {
		if err := s.transition(StateRunning); err != nil {
			return err
		}

		s.logger.Info("worker fleet running", zap.Ints("pids", pids))

		cause = s.loop(ctx, pids)
	}

	if err := s.transition(StateTerminating); err != nil {
		return multierr.Combine(cause, err)
	}

	shutdownErr := s.shutdown()

	return multierr.Combine(cause, shutdownErr, s.transition(StateStopped))
}

func (s *Supervisor) validate(groups []QueueGroup) error {
	if len(groups) == 0 {
		return ErrNoQueueGroups
	}

	if s.opts.MaxConcurrency < 1 {
		return ErrInvalidConcurrency
	}

	return nil
}

// enqueue returns a signal handler that hands the signal to the control loop
// and nothing else.
func (s *Supervisor) enqueue(terminate bool) sigrouter.Handler {
	return func(sig os.Signal) {
		select {
		case s.signals <- signalEvent{sig: sig, terminate: terminate}:
		case <-s.stopping:
		}
	}
}

// loop supervises the running fleet. It returns nil when shutdown was
// requested and an error when a worker was lost.
func (s *Supervisor) loop(ctx context.Context, pids []int) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown requested", zap.Error(ctx.Err()))
			return nil

		case ev := <-s.signals:
			if ev.terminate {
				s.logger.Info(
					"received terminate signal",
					zap.String("signal", sigrouter.Name(ev.sig)),
				)
				return nil
			}

			s.forward(ev.sig)

		case ev := <-s.monitor.Exits():
			s.logExit("worker exited unexpectedly", ev)
			return fmt.Errorf("%w: pid %d (queues %s)", ErrWorkerDied, ev.Pid, ev.Group)

		case <-ticker.C:
			if !s.monitor.AllAlive(pids) {
				s.logger.Error(
					"worker liveness check failed",
					zap.Ints("pids", pids),
					zap.Ints("live", s.monitor.Live()),
				)
				return fmt.Errorf("%w: liveness check failed", ErrWorkerDied)
			}
		}
	}
}

func (s *Supervisor) forward(sig os.Signal) {
	live, err := s.monitor.Signal(sig)

	s.logger.Info(
		"forwarded signal to workers",
		zap.String("signal", sigrouter.Name(sig)),
		zap.Ints("pids", live),
	)

	if err != nil {
		s.logger.Warn("failed to forward signal", zap.Error(err))
	}
}

// shutdown asks every live worker to stop, kills those that outlast the
// grace period and joins the reapers.
func (s *Supervisor) shutdown() error {
	var errs error

	live, err := s.monitor.Signal(syscall.SIGTERM)
	s.logger.Info("terminating workers", zap.Ints("pids", live))

	if err != nil {
		errs = multierr.Append(errs, err)
	}

	if !s.awaitExit(s.opts.GracePeriod, true) {
		remaining, err := s.monitor.Signal(syscall.SIGKILL)
		s.logger.Warn("killed workers that did not stop", zap.Ints("pids", remaining))

		if err != nil {
			errs = multierr.Append(errs, err)
		}

		// Only the timer ends this wait; the workers have already been killed
		// and their reapers must be joined.
		if !s.awaitExit(killWait, false) {
			remaining = s.monitor.Live()
			s.logger.Error("workers still running after kill", zap.Ints("pids", remaining))
			s.monitor.Close()

			return multierr.Append(
				errs,
				fmt.Errorf("%d workers still running after SIGKILL", len(remaining)),
			)
		}
	}

	s.monitor.Close()
	s.monitor.Wait()

	s.logger.Info("all workers stopped")

	return errs
}

// awaitExit waits for every worker to be reaped within d. When interruptible,
// a terminate signal received while waiting cuts the wait short; otherwise it
// is logged and ignored.
func (s *Supervisor) awaitExit(d time.Duration, interruptible bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for s.monitor.Len() > 0 {
		select {
		case ev := <-s.monitor.Exits():
			s.logExit("worker stopped", ev)

		case ev := <-s.signals:
			if ev.terminate {
				s.logger.Warn(
					"received terminate signal while stopping",
					zap.String("signal", sigrouter.Name(ev.sig)),
					zap.Bool("ignored", !interruptible),
				)

				if interruptible {
					return false
				}

				continue
			}

			s.forward(ev.sig)

		case <-timer.C:
			return false
		}
	}

	return true
}

func (s *Supervisor) logExit(msg string, ev ExitEvent) {
	status := "unknown"
	if ev.State != nil {
		status = ev.State.String()
	}

	fields := []zap.Field{
		zap.Int("pid", ev.Pid),
		zap.Strings("queues", ev.Group.Queues),
		zap.String("status", status),
	}

	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}

	if s.State() == StateTerminating {
		s.logger.Info(msg, fields...)
	} else {
		s.logger.Error(msg, fields...)
	}
}

// report writes the workers a real run would start.
func (s *Supervisor) report(groups []QueueGroup) error {
	opts := LaunchOptions{
		Environment: s.opts.Environment,
		Directory:   s.opts.Directory,
		DryRun:      true,
	}

	if _, err := s.spawner.Start(groups, s.opts.MaxConcurrency, opts); err != nil {
		return err
	}

	w := tabwriter.NewWriter(s.opts.Out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "GROUP\tCONCURRENCY\tCOMMAND\n")

	for _, group := range groups {
		concurrency := PlanConcurrency(group, s.opts.MaxConcurrency)
		argv := s.spawner.Command(group, concurrency, opts)

		fmt.Fprintf(
			w,
			"%s\t%d\t%s\n",
			group,
			concurrency,
			strings.Join(argv, " "),
		)
	}

	return w.Flush()
}
