package cgroups_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nixpig/queuefleet/internal/fleet/cgroups"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(data)
}

func TestCgroups(t *testing.T) {
	t.Parallel()

	t.Run("Test lifecycle with limits", func(t *testing.T) {
		t.Parallel()

		root := t.TempDir()

		cg, err := cgroups.Create(root, "queuefleet-test-0", cgroups.ResourceLimits{
			CPUMaxPercent:  50,
			MemoryMaxBytes: 536870912,
			PidsMax:        64,
		})
		require.NoError(t, err)

		assert.Equal(t, filepath.Join(root, "queuefleet-test-0"), cg.Path())
		assert.Equal(t, "queuefleet-test-0", cg.Name())
		assert.Nil(t, cg.FD(), "expected no fd outside real cgroup hierarchy")

		assert.Equal(t, "50000 100000", readFile(t, filepath.Join(cg.Path(), "cpu.max")))
		assert.Equal(t, "536870912", readFile(t, filepath.Join(cg.Path(), "memory.max")))
		assert.Equal(t, "64", readFile(t, filepath.Join(cg.Path(), "pids.max")))

		require.NoError(t, cg.Join(4242))
		assert.Equal(t, "4242", readFile(t, filepath.Join(cg.Path(), "cgroup.procs")))

		require.NoError(t, cg.Destroy())
		assert.NoDirExists(t, cg.Path())
	})

	t.Run("Test no limits writes no controller files", func(t *testing.T) {
		t.Parallel()

		cg, err := cgroups.Create(t.TempDir(), "empty", cgroups.ResourceLimits{})
		require.NoError(t, err)
		defer cg.Destroy()

		entries, err := os.ReadDir(cg.Path())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestResourceLimits(t *testing.T) {
	t.Parallel()

	assert.True(t, cgroups.ResourceLimits{}.IsZero())
	assert.False(t, cgroups.ResourceLimits{PidsMax: 1}.IsZero())
}

func TestRoot(t *testing.T) {
	t.Parallel()

	assert.True(t, cgroups.IsReal("/sys/fs/cgroup"))
	assert.True(t, cgroups.IsReal("/sys/fs/cgroup/queuefleet/"))
	assert.False(t, cgroups.IsReal("/sys/fs/cgroupish"))
	assert.False(t, cgroups.IsReal(t.TempDir()))

	assert.NoError(t, cgroups.ValidateRoot(t.TempDir()))
	assert.Error(t, cgroups.ValidateRoot(filepath.Join(t.TempDir(), "missing")))
}
