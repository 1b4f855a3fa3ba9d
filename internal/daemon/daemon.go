// Package daemon supervises the discode background process: single-instance
// enforcement, detached starts, and the wiring of every subsystem.
package daemon

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	pidFileName = "daemon.pid"
	logFileName = "daemon.log"
	sockName    = "runtime.sock"

	startWaitTimeout = 10 * time.Second
	stopWaitTimeout  = 10 * time.Second
)

// Dir returns ~/.discode, creating it when missing.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("daemon.Dir: %w", err)
	}
	dir := filepath.Join(home, ".discode")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("daemon.Dir: %w", err)
	}
	return dir, nil
}

// SocketPath returns the stream server's unix socket location.
func SocketPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sockName), nil
}

// PortBusy reports whether something is already listening on the loopback
// port. Port ownership is the daemon's single-instance check: whoever holds
// the hook server port is the daemon.
func PortBusy(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 500*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ReadPID reads the recorded daemon PID. A missing file returns 0, nil.
func ReadPID() (int, error) {
	dir, err := Dir()
	if err != nil {
		return 0, err
	}
	raw, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daemon.ReadPID: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("daemon.ReadPID: %w", err)
	}
	return pid, nil
}

// WritePID records the current process as the daemon.
func WritePID() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(filepath.Join(dir, pidFileName), []byte(pid), 0o644); err != nil {
		return fmt.Errorf("daemon.WritePID: %w", err)
	}
	return nil
}

// RemovePID clears the PID file. Missing files are fine.
func RemovePID() {
	if dir, err := Dir(); err == nil {
		_ = os.Remove(filepath.Join(dir, pidFileName))
	}
}

// Running reports the recorded daemon PID when that process is still alive.
func Running() (int, bool) {
	pid, err := ReadPID()
	if err != nil || pid <= 0 {
		return 0, false
	}
	// Signal 0 probes for existence without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil {
		return 0, false
	}
	return pid, true
}

// FindDaemonBinary locates the discoded executable: next to the calling
// binary first, then on PATH.
func FindDaemonBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "discoded")
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("discoded")
	if err != nil {
		return "", fmt.Errorf("daemon.FindDaemonBinary: %w", err)
	}
	return path, nil
}

// Start launches discoded as a detached process with stdio redirected to
// ~/.discode/daemon.log, then waits for the hook server port to come up.
func Start(executable string, port int) error {
	if PortBusy(port) {
		return fmt.Errorf("daemon.Start: port %d already in use (daemon running?)", port)
	}

	dir, err := Dir()
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("daemon.Start: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(executable)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("daemon.Start: %w", err)
	}
	// The child records its own PID and is reparented to init; do not wait.
	_ = cmd.Process.Release()

	deadline := time.Now().Add(startWaitTimeout)
	for time.Now().Before(deadline) {
		if PortBusy(port) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon.Start: daemon did not come up within %s (see %s)",
		startWaitTimeout, filepath.Join(dir, logFileName))
}

// Stop terminates the daemon's process group and waits for it to exit.
func Stop() error {
	pid, ok := Running()
	if !ok {
		RemovePID()
		return nil
	}

	// Negative PID targets the whole session created at Start.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("daemon.Stop: signal %d: %w", pid, err)
		}
	}

	deadline := time.Now().Add(stopWaitTimeout)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			RemovePID()
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
	RemovePID()
	return nil
}
