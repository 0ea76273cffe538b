// Package cgroups places worker processes into cgroup v2 groups with
// resource limits.
package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	cpuPeriodMicros = 100000

	// DefaultRoot is where the unified cgroup v2 hierarchy is mounted.
	DefaultRoot = "/sys/fs/cgroup"
)

// ResourceLimits are applied to each worker's cgroup. Zero values leave the
// corresponding controller unlimited.
type ResourceLimits struct {
	CPUMaxPercent  int64
	MemoryMaxBytes int64
	PidsMax        int64
}

// IsZero reports whether no limit is set.
func (l ResourceLimits) IsZero() bool {
	return l.CPUMaxPercent <= 0 && l.MemoryMaxBytes <= 0 && l.PidsMax <= 0
}

// Cgroup is a single worker's cgroup directory.
type Cgroup struct {
	name string
	path string
	fd   *os.File
}

// Create makes the cgroup named name under root and applies limits. On a
// real cgroup hierarchy the directory is also opened so a child can be
// spawned directly into it with SysProcAttr.CgroupFD.
func Create(root, name string, limits ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{
		name: name,
		path: filepath.Join(root, name),
	}

	if err := os.MkdirAll(cg.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if err := cg.applyLimits(limits); err != nil {
		os.RemoveAll(cg.path)
		return nil, fmt.Errorf("apply cgroup limits: %w", err)
	}

	if IsReal(root) {
		fd, err := os.Open(cg.path)
		if err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("open cgroup dir: %w", err)
		}

		cg.fd = fd
	}

	return cg, nil
}

func (c *Cgroup) applyLimits(limits ResourceLimits) error {
	if limits.CPUMaxPercent > 0 {
		quota := (limits.CPUMaxPercent * cpuPeriodMicros) / 100
		value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

		if err := c.write("cpu.max", value); err != nil {
			return err
		}
	}

	if limits.MemoryMaxBytes > 0 {
		value := strconv.FormatInt(limits.MemoryMaxBytes, 10)

		if err := c.write("memory.max", value); err != nil {
			return err
		}
	}

	if limits.PidsMax > 0 {
		if err := c.write("pids.max", strconv.FormatInt(limits.PidsMax, 10)); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(
		filepath.Join(c.path, file),
		[]byte(value),
		0644,
	); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

// Join moves the process with the given pid into the cgroup.
func (c *Cgroup) Join(pid int) error {
	if err := c.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("add process to cgroup: %w", err)
	}

	return nil
}

// CloseFD releases the directory handle once the child has been spawned.
func (c *Cgroup) CloseFD() error {
	if c.fd == nil {
		return nil
	}

	err := c.fd.Close()
	c.fd = nil

	if err != nil {
		return fmt.Errorf("close cgroup fd: %w", err)
	}

	return nil
}

// Destroy removes the cgroup. It must only be called once every process in
// it has exited.
func (c *Cgroup) Destroy() error {
	// Ignore error and just go ahead and remove.
	c.CloseFD()

	if err := os.RemoveAll(c.path); err != nil {
		return fmt.Errorf("remove cgroup: %w", err)
	}

	return nil
}

// FD returns the open directory handle, or nil when the cgroup root is not a
// real cgroup hierarchy.
func (c *Cgroup) FD() *os.File {
	return c.fd
}

func (c *Cgroup) Name() string {
	return c.name
}

func (c *Cgroup) Path() string {
	return c.path
}

// IsReal reports whether root lies within the mounted cgroup v2 hierarchy.
func IsReal(root string) bool {
	root = filepath.Clean(root)
	return root == DefaultRoot || strings.HasPrefix(root, DefaultRoot+"/")
}

// ValidateRoot checks that root can hold worker cgroups. Roots outside the
// real hierarchy only need to exist.
func ValidateRoot(root string) error {
	if !IsReal(root) {
		if _, err := os.Stat(root); err != nil {
			return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
		}

		return nil
	}

	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
