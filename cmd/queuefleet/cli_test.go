package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/queuefleet/internal/fleet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()

	out := &bytes.Buffer{}

	cmd := rootCmd()
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

func TestRootCmd(t *testing.T) {
	t.Parallel()

	t.Run("Test dry run", func(t *testing.T) {
		t.Parallel()

		out, err := executeRoot(
			t,
			"--dryrun",
			"--worker-command", "bin/worker",
			"-m", "2",
			"-e", "production",
			"-d", "/srv/app",
			"critical,default,low",
			"mailers",
		)
		require.NoError(t, err)

		assert.Contains(t, out, "GROUP")
		assert.Contains(
			t,
			out,
			"bin/worker --queues critical,default,low --concurrency 2 --environment production --directory /srv/app",
		)
		assert.Contains(
			t,
			out,
			"bin/worker --queues mailers --concurrency 1 --environment production --directory /srv/app",
		)
	})

	t.Run("Test dry run with catalog", func(t *testing.T) {
		t.Parallel()

		catalogPath := filepath.Join(t.TempDir(), "queues.yml")
		writeFile(t, catalogPath, "queues: [critical, default, mailers]\n")

		out, err := executeRoot(
			t,
			"--dryrun",
			"--worker-command", "bin/worker",
			"--queue-catalog", catalogPath,
			"--negate",
			"mailers",
		)
		require.NoError(t, err)

		assert.Contains(t, out, "--queues critical,default --concurrency 2")
		assert.NotContains(t, out, "--queues mailers")
	})

	t.Run("Test no queues", func(t *testing.T) {
		t.Parallel()

		_, err := executeRoot(t, "--dryrun")
		assert.ErrorContains(t, err, "at least one queue must be given")
	})

	t.Run("Test wildcard without catalog", func(t *testing.T) {
		t.Parallel()

		_, err := executeRoot(t, "--dryrun", "*")
		assert.Error(t, err)
	})

	t.Run("Test invalid signals", func(t *testing.T) {
		t.Parallel()

		_, err := executeRoot(
			t,
			"--dryrun",
			"--terminate-signals", "SIGTERM",
			"--forward-signals", "SIGTERM",
			"default",
		)
		assert.ErrorContains(t, err, "SIGTERM")
	})

	t.Run("Test worker exit fails the run", func(t *testing.T) {
		t.Parallel()

		pidFile := filepath.Join(t.TempDir(), "queuefleet.pid")

		_, err := executeRoot(
			t,
			"--worker-command", "sh,-c,exit 3",
			"--terminate-signals", "SIGUSR1",
			"--forward-signals", "SIGUSR2",
			"--pidfile", pidFile,
			"--grace-period", "1s",
			"-d", t.TempDir(),
			"default",
		)
		assert.ErrorIs(t, err, fleet.ErrWorkerDied)
		assert.NoFileExists(t, pidFile)
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
