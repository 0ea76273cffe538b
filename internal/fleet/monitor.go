package fleet

import (
	"os"
	"slices"
	"sync"
	"syscall"

	"github.com/nixpig/queuefleet/internal/sigrouter"
)

// exitBuffer is how many exit events can queue before reapers block waiting
// for the control loop.
const exitBuffer = 16

// ExitEvent reports that a watched worker has exited and been reaped.
type ExitEvent struct {
	Pid   int
	Index int
	Group QueueGroup
	State *os.ProcessState
	Err   error
}

// Monitor owns the set of live workers. Each watched worker is reaped by its
// own goroutine, which removes it from the live set once it has exited, then
// reaps it and reports the exit on Exits. A pid in the live set therefore
// always belongs to the worker, running or not yet reaped.
type Monitor struct {
	mu   sync.Mutex
	live map[int]*WorkerProcess

	exits     chan ExitEvent
	closed    chan struct{}
	closeOnce sync.Once

	wg sync.WaitGroup
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		live:   make(map[int]*WorkerProcess),
		exits:  make(chan ExitEvent, exitBuffer),
		closed: make(chan struct{}),
	}
}

// Watch adds a started worker to the live set and begins reaping it in the
// background. It does not block.
func (m *Monitor) Watch(w *WorkerProcess) {
	pid := w.Pid()

	m.mu.Lock()
	m.live[pid] = w
	m.mu.Unlock()

	m.wg.Go(func() {
		w.awaitExited()

		m.mu.Lock()
		delete(m.live, pid)
		m.mu.Unlock()

		err := w.wait()

		ev := ExitEvent{
			Pid:   pid,
			Index: w.Index(),
			Group: w.Group(),
			State: w.ProcessState(),
			Err:   err,
		}

		select {
		case m.exits <- ev:
		case <-m.closed:
		}
	})
}

// Exits returns the channel on which reaped workers are reported.
func (m *Monitor) Exits() <-chan ExitEvent {
	return m.exits
}

// Live returns the pids of workers that have not yet been reaped, in launch
// order.
func (m *Monitor) Live() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.livePids()
}

// Signal sends sig to every live worker and returns the pids it targeted.
// The live set stays locked until every signal is sent, so none of them can
// reach a process that reused a worker's pid.
func (m *Monitor) Signal(sig os.Signal) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pids := m.livePids()

	return pids, sigrouter.SignalProcesses(pids, sig)
}

// livePids must be called with mu held.
func (m *Monitor) livePids() []int {
	workers := make([]*WorkerProcess, 0, len(m.live))
	for _, w := range m.live {
		workers = append(workers, w)
	}

	slices.SortFunc(workers, func(a, b *WorkerProcess) int {
		return a.Index() - b.Index()
	})

	pids := make([]int, 0, len(workers))
	for _, w := range workers {
		pids = append(pids, w.Pid())
	}

	return pids
}

// Len returns the number of workers not yet reaped.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.live)
}

// AllAlive reports whether every pid answers a zero signal probe. It stops
// at the first pid that doesn't. A probe error, such as a permission
// failure, counts as a failed probe.
func (m *Monitor) AllAlive(pids []int) bool {
	for _, pid := range pids {
		if ok, err := sigrouter.Signal(pid, syscall.Signal(0)); !ok || err != nil {
			return false
		}
	}

	return true
}

// Close stops delivering exit events. Reapers still running will finish
// without reporting.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}

// Wait blocks until every reaper goroutine has returned.
func (m *Monitor) Wait() {
	m.wg.Wait()
}
