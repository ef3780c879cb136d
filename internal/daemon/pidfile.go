package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by WritePID when a live daemon owns the file.
var ErrAlreadyRunning = errors.New("daemon already running")

// ReadPID returns the pid stored at path, or 0 when there is no file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s is corrupt: %w", path, err)
	}
	return pid, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// WritePID records the current process. A stale file is replaced.
func WritePID(path string) error {
	pid, err := ReadPID(path)
	if err == nil && pid != os.Getpid() && Alive(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// RemovePID deletes the pid file if it still names this process.
func RemovePID(path string) error {
	pid, err := ReadPID(path)
	if err != nil || pid != os.Getpid() {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Signal sends sig to the daemon recorded at path. It returns the pid, or 0
// when no live daemon is recorded.
func Signal(path string, sig os.Signal) (int, error) {
	pid, err := ReadPID(path)
	if err != nil || pid == 0 {
		return 0, err
	}
	if !Alive(pid) {
		return 0, nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return 0, err
	}
	if err := p.Signal(sig); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return pid, nil
}
