package fleet

import (
	"errors"
	"os"
	"os/exec"
	"sync/atomic"

	"github.com/nixpig/queuefleet/internal/fleet/cgroups"
	"golang.org/x/sys/unix"
)

// WorkerProcess is the supervisor's record of one launched worker. It does
// not cache whether the process is alive; use Monitor.AllAlive to probe.
type WorkerProcess struct {
	index       int
	group       QueueGroup
	concurrency int

	cmd          *exec.Cmd
	cgroup       *cgroups.Cgroup
	processState atomic.Pointer[os.ProcessState]

	done chan struct{}
}

func newWorkerProcess(
	index int,
	group QueueGroup,
	concurrency int,
	cmd *exec.Cmd,
	cgroup *cgroups.Cgroup,
) *WorkerProcess {
	return &WorkerProcess{
		index:       index,
		group:       group,
		concurrency: concurrency,
		cmd:         cmd,
		cgroup:      cgroup,
		done:        make(chan struct{}),
	}
}

// Pid returns the OS process id assigned at spawn.
func (w *WorkerProcess) Pid() int {
	return w.cmd.Process.Pid
}

// Index returns the worker's position in launch order.
func (w *WorkerProcess) Index() int {
	return w.index
}

// Group returns the queue group the worker was launched with.
func (w *WorkerProcess) Group() QueueGroup {
	return w.group
}

// Concurrency returns the concurrency the worker was launched with.
func (w *WorkerProcess) Concurrency() int {
	return w.concurrency
}

// Done returns a channel that is closed once the process has exited and been
// reaped.
func (w *WorkerProcess) Done() <-chan struct{} {
	return w.done
}

// ExitCode returns the exit code of the process or -1 if the process hasn't
// exited or was terminated by a signal.
func (w *WorkerProcess) ExitCode() int {
	ps := w.processState.Load()
	if ps == nil {
		return -1
	}

	return ps.ExitCode()
}

// ProcessState returns the exit state, or nil if the process hasn't exited.
func (w *WorkerProcess) ProcessState() *os.ProcessState {
	return w.processState.Load()
}

// awaitExited blocks until the process has exited but leaves it unreaped, so
// its pid cannot be handed to another process until wait is called.
func (w *WorkerProcess) awaitExited() {
	var info unix.Siginfo

	for {
		err := unix.Waitid(unix.P_PID, w.Pid(), &info, unix.WEXITED|unix.WNOWAIT, nil)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

// wait blocks until the process exits, records how it exited and releases
// its cgroup.
func (w *WorkerProcess) wait() error {
	// Non-zero exits surface as *exec.ExitError; the ProcessState carries the
	// same information, so only other errors are kept.
	err := w.cmd.Wait()
	if exitErr := new(exec.ExitError); errors.As(err, &exitErr) {
		err = nil
	}

	w.processState.Store(w.cmd.ProcessState)

	if w.cgroup != nil {
		if cgErr := w.cgroup.Destroy(); cgErr != nil && err == nil {
			err = cgErr
		}
	}

	close(w.done)

	return err
}
