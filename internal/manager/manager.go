// Package manager implements the Tunnel Manager (spec C11): the single
// orchestrator owning every live worker, the owned-port set, and the wiring
// between the Config/Secret/Stats Stores, the Event Bus, and the Reconnect
// Scheduler/Health Monitor/Network Watcher/Port Scanner.
//
// The coarse single sync.RWMutex guarding a map[string]*Worker, plus
// non-blocking change notification, generalizes the teacher's
// sshtunnel.Manager.activeTunnels/debounceChangeEvent pair: where the
// teacher emits one "tunnels:changed" wails event per settle period, this
// daemon publishes a typed model.Event per transition immediately, since the
// Event Bus (unlike a single wails channel) is built to absorb that volume.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"tunnelgate/internal/configstore"
	"tunnelgate/internal/eventbus"
	"tunnelgate/internal/health"
	"tunnelgate/internal/logbuffer"
	"tunnelgate/internal/model"
	"tunnelgate/internal/netwatch"
	"tunnelgate/internal/portscan"
	"tunnelgate/internal/reconnect"
	"tunnelgate/internal/secretstore"
	"tunnelgate/internal/sshauth"
	"tunnelgate/internal/statsstore"
	"tunnelgate/internal/worker"
)

// minEphemeralPort and maxEphemeralPort bound AllocateEphemeralPort's pick
// to [minEphemeralPort, maxEphemeralPort).
const (
	minEphemeralPort = 20000
	maxEphemeralPort = 60000
)

// Manager owns the full fleet of Tunnel Workers.
type Manager struct {
	logger  *log.Logger
	config  *configstore.Store
	secrets *secretstore.Manager
	stats   *statsstore.Store
	bus     *eventbus.Bus
	logs    *logbuffer.Buffer
	sched   *reconnect.Scheduler
	monitor *health.Monitor

	knownHostsPath string

	mu      sync.RWMutex
	workers map[string]*worker.Worker

	externalMu sync.RWMutex
	external   map[int]model.ActiveTunnel // bound port -> foreign listener found by the Port Scanner

	reconnectMu    sync.Mutex
	reconnectCount map[string]int   // serverId -> successful reconnects this run
	totalUptime    map[string]int64 // serverId -> seconds accumulated across ended sessions
}

// New wires the Tunnel Manager together from its already-constructed
// dependencies (spec §4.11's init sequence: stores and bus are opened first,
// then the manager is built, then workers are started for
// ConnectOnStartup-flagged servers).
func New(logger *log.Logger, config *configstore.Store, secrets *secretstore.Manager, stats *statsstore.Store, bus *eventbus.Bus, logs *logbuffer.Buffer, knownHostsPath string) *Manager {
	m := &Manager{
		logger:         logger,
		config:         config,
		secrets:        secrets,
		stats:          stats,
		bus:            bus,
		logs:           logs,
		knownHostsPath: knownHostsPath,
		workers:        make(map[string]*worker.Worker),
		external:       make(map[int]model.ActiveTunnel),
		reconnectCount: make(map[string]int),
		totalUptime:    make(map[string]int64),
	}
	m.sched = reconnect.New(logger, m.attemptReconnect)
	m.monitor = health.New(logger, m.healthProbe, m.onHealthDead)
	return m
}

// StartEnabled connects every persisted server that is enabled and has
// ConnectOnStartup set,
// logging and continuing past individual failures rather than aborting
// daemon startup (spec §4.11).
func (m *Manager) StartEnabled(ctx context.Context) {
	for _, rec := range m.config.ListServers() {
		if !rec.IsEnabled || !rec.ConnectOnStartup {
			continue
		}
		if err := m.Connect(ctx, rec.ID); err != nil {
			m.logger.Printf("manager: startup connect for %s failed: %v", rec.ID, err)
		}
	}
}

// Connect starts (or restarts) a worker for serverID, choosing its bound
// port from the record's configured SocksPort or a prior owned-port entry.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	rec, ok := m.config.GetServer(serverID)
	if !ok {
		return &configstore.NotFoundError{Kind: "server", ID: serverID}
	}

	m.mu.Lock()
	if _, running := m.workers[serverID]; running {
		m.mu.Unlock()
		return fmt.Errorf("server %s is already connected", serverID)
	}
	m.mu.Unlock()

	port := rec.SocksPort
	if owned, ok := m.config.OwnedPort(serverID); ok {
		port = owned
	}

	w := worker.New(rec, m.knownHostsPath, m.resolveCredentials, m.logger, m.onWorkerDisconnect, m.isOwnedPort)

	m.mu.Lock()
	m.workers[serverID] = w
	m.mu.Unlock()

	if err := w.Start(ctx, port); err != nil {
		m.mu.Lock()
		delete(m.workers, serverID)
		m.mu.Unlock()

		if errors.Is(err, worker.ErrExternallyOwned) {
			m.registerExternal(serverID, port, w.ExternalFinding())
			m.publish(model.EventConnected, serverID, map[string]any{"socksPort": port, "source": "external"})
			return nil
		}

		m.publish(model.EventError, serverID, map[string]any{
			"message": err.Error(),
			"reason":  sshauth.ClassifyReason(err, "unknown"),
		})
		return err
	}

	if err := m.config.SetOwnedPort(serverID, port); err != nil {
		m.logger.Printf("manager: persist owned port for %s: %v", serverID, err)
	}
	m.monitor.Register(ctx, serverID)
	m.publish(model.EventConnected, serverID, map[string]any{"socksPort": port})
	return nil
}

// Disconnect stops serverID's worker and cancels any pending reconnect,
// treating this as user-initiated (spec §4.11 distinguishes this from an
// unexpected drop: no reconnect is scheduled afterward).
func (m *Manager) Disconnect(serverID string) error {
	return m.DisconnectWithReason(serverID, "user_disconnect")
}

// DisconnectWithReason is Disconnect with a caller-supplied classified reason
// tag (spec §7), so API-initiated disconnects can be told apart from a
// worker that dropped on its own in the published event and the log.
func (m *Manager) DisconnectWithReason(serverID, reason string) error {
	m.sched.Cancel(serverID)
	m.monitor.Unregister(serverID)

	m.mu.Lock()
	w, ok := m.workers[serverID]
	delete(m.workers, serverID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("server %s is not connected", serverID)
	}

	w.Stop()
	if err := m.config.ClearOwnedPort(serverID); err != nil {
		m.logger.Printf("manager: clear owned port for %s: %v", serverID, err)
	}
	m.publish(model.EventDisconnected, serverID, map[string]any{"reason": reason})
	return nil
}

// Snapshot returns the in-memory ActiveTunnel view for every running worker,
// plus any externally-owned listener the Port Scanner found that isn't
// shadowed by one of our own bound ports (spec §9: a later Connect onto that
// same port simply supersedes the external entry here, rather than needing
// explicit removal bookkeeping).
func (m *Manager) Snapshot() []model.ActiveTunnel {
	m.mu.RLock()
	boundPorts := make(map[int]bool, len(m.workers))
	out := make([]model.ActiveTunnel, 0, len(m.workers))
	m.reconnectMu.Lock()
	for serverID, w := range m.workers {
		rec, ok := m.config.GetServer(serverID)
		name := serverID
		if ok {
			name = rec.Name
		}
		snap := w.Snapshot()
		boundPorts[snap.BoundPort] = true
		out = append(out, model.ActiveTunnel{
			ServerID:        serverID,
			DisplayName:     name,
			SocksPort:       snap.BoundPort,
			StartedAt:       snap.StartedAt,
			BytesIn:         snap.BytesIn,
			BytesOut:        snap.BytesOut,
			ReconnectCount:  m.reconnectCount[serverID],
			TotalUptime:     m.totalUptime[serverID],
			LatencyMs:       snap.LatencyMs,
			LastKeepaliveAt: snap.LastKeepaliveAt,
		})
	}
	m.reconnectMu.Unlock()
	m.mu.RUnlock()

	m.externalMu.RLock()
	for port, tunnel := range m.external {
		if boundPorts[port] {
			continue
		}
		out = append(out, tunnel)
	}
	m.externalMu.RUnlock()

	return out
}

// IsConnected reports whether serverID currently has a running worker.
func (m *Manager) IsConnected(serverID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.workers[serverID]
	return ok
}

func (m *Manager) resolveCredentials(serverID string) (sshauth.Credentials, error) {
	creds := sshauth.Credentials{}

	if pw, ok, err := m.secrets.Get(secretstore.Key(secretstore.KindPassword, serverID)); err != nil {
		return creds, err
	} else if ok {
		creds.Password = string(pw)
	}

	if key, ok, err := m.secrets.Get(secretstore.Key(secretstore.KindPrivateKey, serverID)); err != nil {
		return creds, err
	} else if ok {
		creds.PrivateKeyPEM = key
	}

	if pass, ok, err := m.secrets.Get(secretstore.Key(secretstore.KindKeyPassphrase, serverID)); err != nil {
		return creds, err
	} else if ok {
		creds.KeyPassphrase = string(pass)
	}

	return creds, nil
}

// onWorkerDisconnect is the worker's disconnect callback: it records a stats
// sample, publishes the event, removes the dead worker, and -- unless the
// server was deleted out from under it -- schedules a reconnect when
// AutoReconnect is set.
func (m *Manager) onWorkerDisconnect(serverID, reason string) {
	m.mu.Lock()
	w, ok := m.workers[serverID]
	delete(m.workers, serverID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.monitor.Unregister(serverID)

	snap := w.Snapshot()
	uptime := int64(time.Since(snap.StartedAt).Seconds())

	m.reconnectMu.Lock()
	m.totalUptime[serverID] += uptime
	reconnects := m.reconnectCount[serverID]
	m.reconnectMu.Unlock()

	if err := m.stats.InsertSample(model.StatsSample{
		ServerID:         serverID,
		Timestamp:        time.Now(),
		UptimeSec:        uptime,
		BytesIn:          snap.BytesIn,
		BytesOut:         snap.BytesOut,
		LatencyMs:        snap.LatencyMs,
		ReconnectCount:   reconnects,
		DisconnectReason: reason,
	}); err != nil {
		m.logger.Printf("manager: insert stats sample for %s: %v", serverID, err)
	}

	m.publish(model.EventDisconnected, serverID, map[string]any{"reason": reason})

	rec, ok := m.config.GetServer(serverID)
	if !ok || !rec.AutoReconnect {
		return
	}
	m.publish(model.EventReconnecting, serverID, nil)
	m.sched.Schedule(context.Background(), serverID)
}

// attemptReconnect is the Reconnect Scheduler's Reconnector callback.
// reconnectCount only advances on a successful reconnect (spec §4.7): a
// failed attempt just triggers the scheduler's own backoff retry.
func (m *Manager) attemptReconnect(ctx context.Context, serverID string) bool {
	rec, ok := m.config.GetServer(serverID)
	if !ok || !rec.IsEnabled {
		return true // server gone or disabled: stop retrying, this counts as "done"
	}
	if err := m.Connect(ctx, serverID); err != nil {
		m.logger.Printf("manager: reconnect attempt for %s failed: %v", serverID, err)
		return false
	}
	m.reconnectMu.Lock()
	m.reconnectCount[serverID]++
	m.reconnectMu.Unlock()
	return true
}

// isOwnedPort reports whether port is recorded in the Config Store's
// owned-tunnels set for some server, i.e. a bind collision there means a
// previous session of ours is still serving it rather than a foreign
// listener (spec §4.6.2's port-busy protocol).
func (m *Manager) isOwnedPort(port int) bool {
	for _, owned := range m.config.OwnedPorts() {
		if owned == port {
			return true
		}
	}
	return false
}

// registerExternal records a foreign listener found on port, either from a
// Connect attempt that collided with one (serverID non-empty) or from a
// standalone Port Scanner sweep (serverID empty).
func (m *Manager) registerExternal(serverID string, port int, finding portscan.Finding) {
	name := fmt.Sprintf("external:%d", port)
	if serverID != "" {
		if rec, ok := m.config.GetServer(serverID); ok {
			name = rec.Name
		}
	}
	m.externalMu.Lock()
	m.external[port] = model.ActiveTunnel{
		ServerID:       serverID,
		DisplayName:    name,
		SocksPort:      port,
		StartedAt:      time.Now(),
		IsExternal:     true,
		ProxyType:      finding.ProxyType,
		AdvertisedAuth: finding.AdvertisedAuth,
	}
	m.externalMu.Unlock()
}

// RegisterExternalFindings records every finding from a completed Port
// Scanner sweep of host as external tunnels, so GET /tunnels can surface
// proxies this daemon didn't start (spec invariant #1, §8 seed test S6's
// counterpart for listeners we don't own at all).
func (m *Manager) RegisterExternalFindings(findings []portscan.Finding, host string) {
	for _, f := range findings {
		m.registerExternal("", f.Port, f)
	}
}

func (m *Manager) healthProbe(serverID string) error {
	m.mu.RLock()
	w, ok := m.workers[serverID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no worker running for %s", serverID)
	}
	port := w.Snapshot().BoundPort
	return health.DialProbe(fmt.Sprintf("127.0.0.1:%d", port))(serverID)
}

// onHealthDead synthesizes a keepalive_timeout disconnect when the Health
// Monitor's independent probe fails, even though the worker's own SSH
// keepalive hasn't noticed yet.
func (m *Manager) onHealthDead(serverID string, cause error) {
	m.mu.Lock()
	w, ok := m.workers[serverID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Printf("manager: health probe declared %s dead: %v", serverID, cause)
	w.Stop()
	m.onWorkerDisconnect(serverID, "keepalive_timeout")
}

// ReconnectAll triggers a Connect for every enabled, auto-reconnecting
// server not currently connected. Used as the Network Watcher's
// OnlineCallback after a settle delay.
func (m *Manager) ReconnectAll(ctx context.Context) {
	for _, rec := range m.config.ListServers() {
		if !rec.IsEnabled || !rec.AutoReconnect || m.IsConnected(rec.ID) {
			continue
		}
		if err := m.Connect(ctx, rec.ID); err != nil {
			m.logger.Printf("manager: bulk reconnect for %s failed: %v", rec.ID, err)
		}
	}
}

// AsNetworkWatcherCallback adapts ReconnectAll to netwatch.OnlineCallback.
func (m *Manager) AsNetworkWatcherCallback() netwatch.OnlineCallback {
	return func(ctx context.Context) { m.ReconnectAll(ctx) }
}

func (m *Manager) publish(typ model.EventType, serverID string, fields map[string]any) {
	m.bus.PublishTunnelEvent(typ, serverID, fields, time.Now())
	m.logs.Append(model.LogEntry{
		Timestamp:  time.Now(),
		ServerName: m.serverName(serverID),
		Event:      logLevelFor(typ),
		Details:    detailsFor(fields),
	})
}

func (m *Manager) serverName(serverID string) string {
	if rec, ok := m.config.GetServer(serverID); ok {
		return rec.Name
	}
	return serverID
}

func logLevelFor(typ model.EventType) model.LogLevel {
	switch typ {
	case model.EventConnected:
		return model.LogConnected
	case model.EventDisconnected:
		return model.LogDisconnected
	case model.EventReconnecting:
		return model.LogReconnected
	case model.EventError:
		return model.LogError
	default:
		return model.LogInfo
	}
}

func detailsFor(fields map[string]any) string {
	if msg, ok := fields["message"].(string); ok {
		return msg
	}
	if reason, ok := fields["reason"].(string); ok {
		return reason
	}
	return ""
}

// AllocateEphemeralPort picks a random port in the ephemeral range. It is a
// best-effort pick: a listener bind is the real authority on availability.
// Connect does not call it; it binds the record's SocksPort (or the owned
// port) as given.
func AllocateEphemeralPort() int {
	return minEphemeralPort + rand.Intn(maxEphemeralPort-minEphemeralPort)
}

// Shutdown stops every running worker, used during daemon shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(serverID string) {
			defer wg.Done()
			if err := m.Disconnect(serverID); err != nil {
				m.logger.Printf("manager: shutdown disconnect for %s: %v", serverID, err)
			}
		}(id)
	}
	wg.Wait()
}
