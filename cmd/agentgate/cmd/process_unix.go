//go:build !windows

package cmd

import (
	"errors"
	"os"
	"syscall"
)

// gracefulSignals lists the signals that trigger a clean shutdown.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

// processIsAlive probes a pid with the null signal. EPERM means the
// process exists but belongs to another user, so it still counts as
// alive.
func processIsAlive(proc *os.Process) bool {
	err := proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// sendGracefulStop asks the daemon to shut down cleanly.
func sendGracefulStop(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
