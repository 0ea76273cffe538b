package fleet_test

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nixpig/queuefleet/internal/fleet"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

// recordingWorker records every TERM or USR2 it receives, then writes its
// arguments to $OUT_DIR/<index>.args once its traps are in place, and
// otherwise idles.
const recordingWorker = `
trap 'echo usr2 >> "$OUT_DIR/$QUEUEFLEET_WORKER_INDEX.usr2"' USR2
trap 'echo term > "$OUT_DIR/$QUEUEFLEET_WORKER_INDEX.term"; exit 0' TERM
echo "$@" > "$OUT_DIR/$QUEUEFLEET_WORKER_INDEX.args"
while :; do sleep 0.05; done
`

// stubbornWorker ignores TERM.
const stubbornWorker = `
trap '' TERM
echo "$@" > "$OUT_DIR/$QUEUEFLEET_WORKER_INDEX.args"
while :; do sleep 0.05; done
`

func newTestLauncher(
	t *testing.T,
	script string,
) (*fleet.Launcher, *fleet.Monitor, string) {
	t.Helper()

	outDir := t.TempDir()
	monitor := fleet.NewMonitor()

	launcher, err := fleet.NewLauncher(monitor, fleet.LauncherConfig{
		Command: []string{"sh", "-c", script, "worker"},
		RunID:   "test-run",
		Env:     append(os.Environ(), "OUT_DIR="+outDir),
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		for _, pid := range monitor.Live() {
			if p, err := os.FindProcess(pid); err == nil {
				p.Kill()
			}
		}

		monitor.Close()
		monitor.Wait()
	})

	return launcher, monitor, outDir
}

func waitForFile(t *testing.T, path string) string {
	t.Helper()

	var data []byte

	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(path)
		return err == nil && len(data) > 0
	}, waitFor, tick, "waiting for %s", path)

	return strings.TrimSpace(string(data))
}

// awaitWorkers waits until workers 0 to n-1 have reported their arguments.
func awaitWorkers(t *testing.T, outDir string, n int) {
	t.Helper()

	for i := range n {
		waitForFile(t, outFile(outDir, i, "args"))
	}
}

func outFile(dir string, index int, suffix string) string {
	return filepath.Join(dir, strconv.Itoa(index)+"."+suffix)
}
