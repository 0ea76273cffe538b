package sigrouter_test

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/nixpig/queuefleet/internal/sigrouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startSleep(t *testing.T) *exec.Cmd {
	t.Helper()

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())

	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	return cmd
}

func TestRouter(t *testing.T) {
	t.Run("Test overlapping sets are rejected", func(t *testing.T) {
		_, err := sigrouter.New(
			[]os.Signal{syscall.SIGTERM},
			[]os.Signal{syscall.SIGHUP, syscall.SIGTERM},
		)
		assert.Error(t, err)
	})

	t.Run("Test defaults are disjoint", func(t *testing.T) {
		r := sigrouter.NewWithDefaults()
		require.NotNil(t, r)

		for _, sig := range r.TerminateSignals() {
			assert.NotContains(t, r.ForwardSignals(), sig)
		}
	})

	t.Run("Test terminate and forward handlers are independent", func(t *testing.T) {
		r, err := sigrouter.New(
			[]os.Signal{syscall.SIGUSR1},
			[]os.Signal{syscall.SIGUSR2},
		)
		require.NoError(t, err)
		defer r.Stop()

		terminated := make(chan os.Signal, 4)
		forwarded := make(chan os.Signal, 4)

		r.TrapTerminate(func(sig os.Signal) { terminated <- sig })
		r.TrapForward(func(sig os.Signal) { forwarded <- sig })

		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

		select {
		case sig := <-terminated:
			assert.Equal(t, syscall.SIGUSR1, sig)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for terminate handler")
		}

		assert.Empty(t, forwarded)

		require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR2))

		select {
		case sig := <-forwarded:
			assert.Equal(t, syscall.SIGUSR2, sig)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for forward handler")
		}

		assert.Empty(t, terminated)
	})
}

func TestSignal(t *testing.T) {
	t.Run("Test probe running process", func(t *testing.T) {
		cmd := startSleep(t)

		ok, err := sigrouter.Signal(cmd.Process.Pid, syscall.Signal(0))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Test missing process is not an error", func(t *testing.T) {
		cmd := exec.Command("true")
		require.NoError(t, cmd.Run())

		ok, err := sigrouter.Signal(cmd.Process.Pid, syscall.SIGTERM)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Test invalid pid", func(t *testing.T) {
		for _, pid := range []int{0, -1} {
			ok, err := sigrouter.Signal(pid, syscall.Signal(0))
			assert.Error(t, err)
			assert.False(t, ok)
		}
	})

	t.Run("Test permission denied is an error", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root can signal init")
		}

		if info, err := os.Stat("/proc/1"); err == nil {
			if st, ok := info.Sys().(*syscall.Stat_t); ok &&
				int(st.Uid) == os.Geteuid() {
				t.Skip("init is owned by the current user")
			}
		}

		ok, err := sigrouter.Signal(1, syscall.Signal(0))
		assert.Error(t, err)
		assert.False(t, ok)
	})
}

func TestSignalProcesses(t *testing.T) {
	first := startSleep(t)
	second := startSleep(t)

	gone := exec.Command("true")
	require.NoError(t, gone.Run())

	err := sigrouter.SignalProcesses(
		[]int{first.Process.Pid, gone.Process.Pid, second.Process.Pid},
		syscall.SIGTERM,
	)
	require.NoError(t, err)

	for _, cmd := range []*exec.Cmd{first, second} {
		err := cmd.Wait()

		var exitErr *exec.ExitError
		require.ErrorAs(t, err, &exitErr)

		status := exitErr.Sys().(syscall.WaitStatus)
		assert.Equal(t, syscall.SIGTERM, status.Signal())
	}
}

func TestParse(t *testing.T) {
	scenarios := map[string]struct {
		name    string
		want    os.Signal
		wantErr bool
	}{
		"Full name":  {name: "SIGTERM", want: syscall.SIGTERM},
		"Short name": {name: "ttin", want: syscall.SIGTTIN},
		"Padded":     {name: " SIGHUP ", want: syscall.SIGHUP},
		"Unknown":    {name: "SIGNOPE", wantErr: true},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			got, err := sigrouter.Parse(config.name)
			if config.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, config.want, got)
		})
	}

	t.Run("Test name round trip", func(t *testing.T) {
		assert.Equal(t, "SIGUSR1", sigrouter.Name(syscall.SIGUSR1))
	})
}
