//go:build unix

package main

import (
	"os"
	"syscall"
)

func init() {
	extraShutdownSignals = append(extraShutdownSignals, syscall.SIGTSTP)

	shutdownMessage = func(sig os.Signal) string {
		if sig == syscall.SIGTSTP {
			return "Received suspend signal (Ctrl+Z), shutting down gracefully..."
		}
		return "Received interrupt signal, shutting down..."
	}
}
