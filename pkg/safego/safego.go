// Package safego starts goroutines with panic recovery so a bug in one
// tunnel session, probe or scheduler tick cannot take down the daemon.
package safego

import "log"

// Go starts fn in its own goroutine and recovers any panic, logging it
// through logger instead of crashing the process.
func Go(logger *log.Logger, fn func()) {
	go func() {
		defer Recover(logger)
		fn()
	}()
}

// Recover must be deferred directly in a goroutine to catch a panic and log
// it through logger.
func Recover(logger *log.Logger) {
	if r := recover(); r != nil {
		logger.Printf("recovered from panic: %v", r)
	}
}
