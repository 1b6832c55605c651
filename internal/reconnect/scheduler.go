// Package reconnect implements the per-server exponential backoff scheduler
// (spec C7): after a worker disconnects unexpectedly, retry the connection
// with a capped exponential delay, single-flight per server, cancellable on
// user disconnect or server deletion.
//
// There is no teacher precedent for backoff scheduling -- the teacher's
// tunnels simply go to StatusDisconnected and wait for the user to press
// reconnect -- so this package's shape (one goroutine per pending retry,
// guarded by a map keyed on serverId) follows the same
// mutex-guarded-map-of-goroutines idiom as sshtunnel.Manager.activeTunnels,
// generalized to scheduled retries instead of live tunnels.
package reconnect

import (
	"context"
	"log"
	"sync"
	"time"

	"tunnelgate/pkg/safego"
)

// baseDelay and maxDelay bound the exponential backoff: attempt N waits
// min(baseDelay*2^(N-1), maxDelay) (spec §4.7).
const (
	baseDelay = time.Second
	maxDelay  = 30 * time.Second
)

// Reconnector is called once the backoff for an attempt has elapsed. It
// returns whether the attempt succeeded; a false result schedules another
// attempt.
type Reconnector func(ctx context.Context, serverID string) bool

// Scheduler tracks at most one pending retry per server.
type Scheduler struct {
	logger      *log.Logger
	reconnector Reconnector

	mu      sync.Mutex
	pending map[string]context.CancelFunc
	attempt map[string]int
}

// New creates a Scheduler that calls reconnector for each retry attempt.
func New(logger *log.Logger, reconnector Reconnector) *Scheduler {
	return &Scheduler{
		logger:      logger,
		reconnector: reconnector,
		pending:     make(map[string]context.CancelFunc),
		attempt:     make(map[string]int),
	}
}

// Delay returns the backoff delay for the given 1-indexed attempt number.
func Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Schedule arranges a reconnect attempt for serverID after the backoff delay
// for its current attempt count. Calling Schedule for a server that already
// has a pending retry is a no-op (single-flight per spec §4.7).
func (s *Scheduler) Schedule(parent context.Context, serverID string) {
	s.mu.Lock()
	if _, exists := s.pending[serverID]; exists {
		s.mu.Unlock()
		return
	}
	s.attempt[serverID]++
	attempt := s.attempt[serverID]
	ctx, cancel := context.WithCancel(parent)
	s.pending[serverID] = cancel
	s.mu.Unlock()

	delay := Delay(attempt)
	s.logger.Printf("reconnect: scheduling attempt %d for server %s in %s", attempt, serverID, delay)

	safego.Go(s.logger, func() {
		retry := false
		defer func() {
			s.clearPending(serverID)
			if retry {
				s.Schedule(parent, serverID)
			}
		}()

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if s.reconnector(ctx, serverID) {
			s.resetAttempts(serverID)
			return
		}

		// Failed again: schedule the next attempt with a longer backoff,
		// unless this retry was cancelled meanwhile.
		retry = ctx.Err() == nil
	})
}

func (s *Scheduler) clearPending(serverID string) {
	s.mu.Lock()
	delete(s.pending, serverID)
	s.mu.Unlock()
}

// resetAttempts clears the backoff counter after a successful reconnect, so
// the next unexpected disconnect starts again at attempt 1.
func (s *Scheduler) resetAttempts(serverID string) {
	s.mu.Lock()
	delete(s.attempt, serverID)
	s.mu.Unlock()
}

// Cancel aborts any pending retry for serverID, used when the user manually
// disconnects or deletes the server (spec §4.7).
func (s *Scheduler) Cancel(serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.pending[serverID]; ok {
		cancel()
		delete(s.pending, serverID)
	}
	delete(s.attempt, serverID)
}

// IsPending reports whether serverID currently has a scheduled retry.
func (s *Scheduler) IsPending(serverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[serverID]
	return ok
}
