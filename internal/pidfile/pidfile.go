// Package pidfile persists the supervisor's process id for external process
// managers and reads it back for operator tooling.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrNoPid is returned by Read when the file holds no usable pid.
var ErrNoPid = errors.New("pid file does not contain a pid")

// Write writes the current process id to path as plain text, truncating any
// existing content.
func Write(path string) error {
	return WritePid(path, os.Getpid())
}

// WritePid writes pid to path as plain text, truncating any existing content.
func WritePid(path string, pid int) error {
	if path == "" {
		return errors.New("pid file path cannot be empty")
	}

	if err := os.WriteFile(
		path,
		[]byte(strconv.Itoa(pid)),
		0644,
	); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}

	return nil
}

// Read returns the pid stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPid, path)
	}

	return pid, nil
}

// Remove deletes the pid file. A file that is already gone is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}

	return nil
}
