//go:build !windows

package cmd

import (
	"os"
	"syscall"
)

// gracefulSignals returns the OS signals to capture for graceful shutdown.
// On Unix: SIGINT (Ctrl+C) and SIGTERM (kill).
func gracefulSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// reloadSignal returns the OS signal that triggers a bundle reload, or nil
// if the platform has none. On Unix this is SIGHUP, the conventional
// "reload your config" signal.
func reloadSignal() os.Signal {
	return syscall.SIGHUP
}
