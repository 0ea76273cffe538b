// Package sigrouter routes OS signals received by the supervisor into
// callbacks, and delivers signals to worker processes.
//
// Signals are split into two disjoint sets: terminate signals, which shut the
// whole fleet down, and forward signals, which are relayed to every worker.
package sigrouter

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var (
	// DefaultTerminateSignals are the signals that shut down the fleet unless
	// configured otherwise.
	DefaultTerminateSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

	// DefaultForwardSignals are the signals relayed verbatim to every worker
	// unless configured otherwise.
	DefaultForwardSignals = []os.Signal{
		syscall.SIGTTIN,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGHUP,
	}
)

// Handler is invoked for every trapped signal. It runs on a router goroutine,
// not the supervisor's control loop, so it should do no more than enqueue the
// signal for later processing.
type Handler func(sig os.Signal)

// Router installs signal handlers for a fixed pair of terminate and forward
// signal sets.
type Router struct {
	terminate []os.Signal
	forward   []os.Signal

	mu    sync.Mutex
	traps []*trap
	wg    sync.WaitGroup
}

type trap struct {
	ch   chan os.Signal
	stop chan struct{}
}

// New creates a Router for the given terminate and forward sets. The sets
// must be disjoint and contain only syscall signals.
func New(terminate, forward []os.Signal) (*Router, error) {
	for _, sig := range slices.Concat(terminate, forward) {
		if _, ok := sig.(syscall.Signal); !ok {
			return nil, fmt.Errorf("unsupported signal type %T", sig)
		}
	}

	for _, sig := range terminate {
		if slices.Contains(forward, sig) {
			return nil, fmt.Errorf(
				"signal %s cannot be both a terminate and a forward signal",
				Name(sig),
			)
		}
	}

	return &Router{
		terminate: slices.Clone(terminate),
		forward:   slices.Clone(forward),
	}, nil
}

// NewWithDefaults creates a Router using DefaultTerminateSignals and
// DefaultForwardSignals.
func NewWithDefaults() *Router {
	r, _ := New(DefaultTerminateSignals, DefaultForwardSignals)
	return r
}

// TerminateSignals returns a copy of the terminate set.
func (r *Router) TerminateSignals() []os.Signal {
	return slices.Clone(r.terminate)
}

// ForwardSignals returns a copy of the forward set.
func (r *Router) ForwardSignals() []os.Signal {
	return slices.Clone(r.forward)
}

// Trap installs handler for every signal in signals. Handlers installed for
// other signals are left untouched.
func (r *Router) Trap(signals []os.Signal, handler Handler) {
	if len(signals) == 0 {
		return
	}

	t := &trap{
		// NOTE: signal.Notify drops signals when the channel is full, so buffer
		// enough to absorb a burst of one of each.
		ch:   make(chan os.Signal, len(signals)),
		stop: make(chan struct{}),
	}

	signal.Notify(t.ch, signals...)

	r.mu.Lock()
	r.traps = append(r.traps, t)
	r.mu.Unlock()

	r.wg.Go(func() {
		for {
			select {
			case sig := <-t.ch:
				handler(sig)
			case <-t.stop:
				return
			}
		}
	})
}

// TrapTerminate installs handler for the terminate set.
func (r *Router) TrapTerminate(handler Handler) {
	r.Trap(r.terminate, handler)
}

// TrapForward installs handler for the forward set.
func (r *Router) TrapForward(handler Handler) {
	r.Trap(r.forward, handler)
}

// Stop restores default dispositions for every trapped signal and waits for
// the handler goroutines to return.
func (r *Router) Stop() {
	r.mu.Lock()
	traps := r.traps
	r.traps = nil
	r.mu.Unlock()

	for _, t := range traps {
		signal.Stop(t.ch)
		close(t.stop)
	}

	r.wg.Wait()
}

// Signal sends sig to the process with the given pid. It returns false with a
// nil error when the process does not exist. Any other failure, such as a
// permission error, is returned.
//
// Passing a zero signal probes for existence without delivering anything.
func Signal(pid int, sig os.Signal) (bool, error) {
	// kill(2) with pid <= 0 targets process groups or every process we can
	// reach, never a single worker.
	if pid <= 0 {
		return false, fmt.Errorf("invalid pid %d", pid)
	}

	s, ok := sig.(syscall.Signal)
	if !ok {
		return false, fmt.Errorf("unsupported signal type %T", sig)
	}

	if err := unix.Kill(pid, s); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return false, nil
		}

		return false, fmt.Errorf("signal %s to pid %d: %w", Name(sig), pid, err)
	}

	return true, nil
}

// SignalProcesses sends sig to every pid in order. A failure for one pid does
// not prevent delivery to the rest; all failures are returned combined.
func SignalProcesses(pids []int, sig os.Signal) error {
	var errs error

	for _, pid := range pids {
		if _, err := Signal(pid, sig); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// Parse converts a signal name such as "SIGTERM" or "term" into a signal.
func Parse(name string) (os.Signal, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if !strings.HasPrefix(n, "SIG") {
		n = "SIG" + n
	}

	s := unix.SignalNum(n)
	if s == 0 {
		return nil, fmt.Errorf("unknown signal %q", name)
	}

	return s, nil
}

// ParseAll converts each name with Parse.
func ParseAll(names []string) ([]os.Signal, error) {
	signals := make([]os.Signal, 0, len(names))

	for _, name := range names {
		sig, err := Parse(name)
		if err != nil {
			return nil, err
		}

		signals = append(signals, sig)
	}

	return signals, nil
}

// Name returns the conventional name of sig, e.g. "SIGTERM".
func Name(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		if name := unix.SignalName(s); name != "" {
			return name
		}
	}

	return sig.String()
}
