// Package health implements the Health Monitor (spec C8): a periodic
// liveness probe for each connected worker (latency is sampled by the
// worker's SSH keepalive, not here), independent of the
// Tunnel Worker's own SSH keepalive, so a worker wedged in a half-open TCP
// state without SendRequest erroring is still caught and retired.
//
// The ticker-plus-timeout-wrapped-probe shape follows the same pattern as
// the teacher's sshmanager.StartKeepAlive, applied here to the SOCKS5
// listener's own health rather than the SSH transport.
package health

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"tunnelgate/pkg/safego"
)

// probeInterval is how often each registered worker's listener is probed.
const probeInterval = 30 * time.Second

// probeTimeout bounds a single dial probe, shorter than probeInterval so a
// wedged probe can't accumulate indefinitely.
const probeTimeout = 5 * time.Second

// Probe reports whether serverID's tunnel is currently responsive. A
// worker's own TCP listener being dialable is a proxy for "accept loop still
// running"; the worker's SSH keepalive already covers transport liveness.
type Probe func(serverID string) error

// DeadCallback is invoked once a probe fails, so the caller can synthesize a
// keepalive_timeout disconnect and hand off to the Reconnect Scheduler.
type DeadCallback func(serverID string, cause error)

// Monitor runs one probe goroutine per registered server.
type Monitor struct {
	logger *log.Logger
	probe  Probe
	onDead DeadCallback

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Monitor. probe is called on each tick for every registered
// server; onDead fires the first time probe returns a non-nil error.
func New(logger *log.Logger, probe Probe, onDead DeadCallback) *Monitor {
	return &Monitor{
		logger:  logger,
		probe:   probe,
		onDead:  onDead,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Register starts probing serverID until ctx is cancelled or Unregister is
// called. Registering a serverID that is already registered replaces the
// prior probe loop.
func (m *Monitor) Register(ctx context.Context, serverID string) {
	m.Unregister(serverID)

	probeCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[serverID] = cancel
	m.mu.Unlock()

	safego.Go(m.logger, func() { m.run(probeCtx, serverID) })
}

// Unregister stops probing serverID, if it was registered.
func (m *Monitor) Unregister(serverID string) {
	m.mu.Lock()
	cancel, ok := m.cancels[serverID]
	delete(m.cancels, serverID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Monitor) run(ctx context.Context, serverID string) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			errC := make(chan error, 1)
			safego.Go(m.logger, func() { errC <- m.probe(serverID) })

			select {
			case err := <-errC:
				if err != nil {
					m.logger.Printf("health: probe for %s failed: %v", serverID, err)
					if m.onDead != nil {
						m.onDead(serverID, err)
					}
					return
				}
			case <-time.After(probeTimeout):
				m.logger.Printf("health: probe for %s timed out after %s", serverID, probeTimeout)
				if m.onDead != nil {
					m.onDead(serverID, context.DeadlineExceeded)
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// DialProbe builds a Probe that dials addr (typically 127.0.0.1:<socksPort>)
// and immediately closes the connection, treating any dial failure as dead.
func DialProbe(addr string) Probe {
	return func(serverID string) error {
		conn, err := net.DialTimeout("tcp", addr, probeTimeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
