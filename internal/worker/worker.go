// Package worker implements the Tunnel Worker (spec C6): one goroutine tree
// per ServerRecord that dials the SSH server, binds a local SOCKS5 listener,
// and proxies CONNECT requests through direct-tcpip channels until stopped
// or disconnected.
//
// The accept loop, keepalive ticker, and passive sshClient.Wait() monitor are
// adapted from the teacher's sshtunnel.Manager.runTunnel/startKeepAlive/
// monitorSSHConnection trio; this package additionally makes the lifecycle an
// explicit, externally observable state machine (spec §4.6) instead of the
// teacher's three-status TunnelStatus, since the control API and Reconnect
// Scheduler both need to branch on exactly where a worker is.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"tunnelgate/internal/model"
	"tunnelgate/internal/portscan"
	"tunnelgate/internal/socks5"
	"tunnelgate/internal/sshauth"
	"tunnelgate/pkg/safego"
)

// State is the Tunnel Worker's position in its lifecycle (spec §4.6).
type State string

const (
	StateIdle           State = "idle"
	StateDialing        State = "dialing"
	StateAuthenticating State = "authenticating"
	StateBinding        State = "binding"
	StateConnected      State = "connected"
	StateDraining       State = "draining"
	StateTerminated     State = "terminated"
	StateFailed         State = "failed"
)

const keepAliveInterval = 15 * time.Second
const keepAliveRequestTimeout = 10 * time.Second

// drainTimeout bounds how long Stop waits for in-flight SOCKS sessions to
// finish on their own before forcing the listener and client closed (spec
// §4.6/§5: DRAINING gives sessions "up to 2 s" before teardown).
const drainTimeout = 2 * time.Second

// bindRetryDelay is the pause before the single retry bindOrAdopt attempts
// when a port looks unbound but the previous listener hasn't let go of it
// yet, approximating SO_REUSEADDR-style handoff between our own processes.
const bindRetryDelay = 50 * time.Millisecond

// ErrExternallyOwned is returned by Start when the requested local port is
// already held by a listener this daemon doesn't own (spec §4.6.2's "foreign"
// branch of the port-busy protocol). The caller should register the server
// as an external tunnel rather than treat this as a connection failure.
var ErrExternallyOwned = errors.New("worker: local port is externally owned")

// CredentialResolver resolves the secret material a worker needs to
// authenticate, looked up by ServerRecord.ID at dial time so a rotated
// password takes effect on the next reconnect without restarting the
// daemon.
type CredentialResolver func(serverID string) (sshauth.Credentials, error)

// Snapshot is the externally visible state of a worker at a point in time,
// used to build model.ActiveTunnel and log entries without exposing the
// worker's internals.
type Snapshot struct {
	State           State
	BoundPort       int
	StartedAt       time.Time
	BytesIn         int64
	BytesOut        int64
	LatencyMs       *int64
	LastKeepaliveAt *time.Time
	LastError       string
}

// Worker drives one ServerRecord's tunnel lifecycle.
type Worker struct {
	rec            model.ServerRecord
	knownHostsPath string
	resolveCreds   CredentialResolver
	logger         *log.Logger
	onDisconnect   func(serverID string, reason string) // called once per session end
	isOwnedPort    func(port int) bool                  // nil means "never owned"

	mu              sync.RWMutex
	state           State
	boundPort       int
	startedAt       time.Time
	lastErr         string
	adopted         bool // bound by us previously; sharing the port, no listener of our own
	external        bool // foreign listener on the requested port; SSH side never connected
	externalFinding portscan.Finding

	bytesIn         int64
	bytesOut        int64
	latencyMs       atomic.Int64
	hasLatency      atomic.Bool
	lastKeepalive   atomic.Int64 // unix nanos, 0 means unset

	client   *ssh.Client
	listener net.Listener

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Worker for rec. Start must be called to begin connecting.
// isOwnedPort reports whether port was bound by us in a prior session (the
// Config Store's owned-tunnels set); it may be nil, which behaves as if
// nothing is ever owned.
func New(rec model.ServerRecord, knownHostsPath string, resolveCreds CredentialResolver, logger *log.Logger, onDisconnect func(serverID, reason string), isOwnedPort func(port int) bool) *Worker {
	return &Worker{
		rec:            rec,
		knownHostsPath: knownHostsPath,
		resolveCreds:   resolveCreds,
		logger:         logger,
		onDisconnect:   onDisconnect,
		isOwnedPort:    isOwnedPort,
		state:          StateIdle,
		done:           make(chan struct{}),
	}
}

// Adopted reports whether the worker is sharing an already-bound port owned
// by a previous session of ours, rather than holding its own listener.
func (w *Worker) Adopted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.adopted
}

// IsExternal reports whether Start terminated because the requested port is
// held by a foreign listener (spec §4.6.2). When true, the worker never
// connected over SSH and ExternalFinding describes what's listening instead.
func (w *Worker) IsExternal() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.external
}

// ExternalFinding returns the classification of the foreign listener found
// on the requested port, valid only when IsExternal is true.
func (w *Worker) ExternalFinding() portscan.Finding {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.externalFinding
}

// Snapshot returns the worker's current externally-visible state.
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Snapshot{
		State:     w.state,
		BoundPort: w.boundPort,
		StartedAt: w.startedAt,
		BytesIn:   atomic.LoadInt64(&w.bytesIn),
		BytesOut:  atomic.LoadInt64(&w.bytesOut),
		LastError: w.lastErr,
	}
	if w.hasLatency.Load() {
		v := w.latencyMs.Load()
		s.LatencyMs = &v
	}
	if ns := w.lastKeepalive.Load(); ns != 0 {
		t := time.Unix(0, ns)
		s.LastKeepaliveAt = &t
	}
	return s
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) setError(err error) {
	w.mu.Lock()
	if err != nil {
		w.lastErr = err.Error()
	}
	w.mu.Unlock()
}

// Start dials the SSH server, binds a local SOCKS5 listener on port, and
// begins serving connections in background goroutines. It returns once the
// worker reaches StateConnected or StateFailed.
func (w *Worker) Start(ctx context.Context, port int) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.setState(StateDialing)
	creds, err := w.resolveCreds(w.rec.ID)
	if err != nil {
		w.fail(fmt.Errorf("resolve credentials: %w", err))
		return err
	}

	cfg, err := sshauth.BuildClientConfig(w.rec, creds, w.knownHostsPath)
	if err != nil {
		w.fail(err)
		return err
	}

	w.setState(StateAuthenticating)
	client, err := sshauth.Dial(w.rec, cfg)
	if err != nil {
		w.fail(err)
		return err
	}
	w.client = client

	w.setState(StateBinding)
	listener, adopted, foreign, finding, bindErr := w.bindOrAdopt(port)
	if bindErr != nil {
		client.Close()
		w.fail(bindErr)
		return w.lastErrValue()
	}
	if foreign {
		client.Close()
		w.mu.Lock()
		w.boundPort = port
		w.startedAt = time.Now()
		w.external = true
		w.externalFinding = finding
		w.state = StateTerminated
		w.mu.Unlock()
		close(w.done)
		return ErrExternallyOwned
	}

	w.mu.Lock()
	w.listener = listener
	w.adopted = adopted
	w.boundPort = port
	w.startedAt = time.Now()
	w.state = StateConnected
	w.mu.Unlock()

	if adopted {
		safego.Go(w.logger, func() { w.waitAdopted(runCtx) })
	} else {
		safego.Go(w.logger, func() { w.acceptLoop(runCtx) })
	}
	safego.Go(w.logger, func() { w.keepAliveLoop(runCtx) })
	safego.Go(w.logger, func() { w.monitorConnection(runCtx) })

	return nil
}

// bindOrAdopt implements the port-busy protocol (spec §4.6.2). A plain bind
// failure on its own is ambiguous -- something might be listening, or the
// previous holder might just not have let go of the socket yet -- so a
// collision is first triaged by probing the port:
//
//   - something answers and the Config Store says we owned this port before:
//     adopt it without a listener of our own (the original worker we adopted
//     from is presumably still serving it).
//   - something answers and we never owned it: it's a foreign listener;
//     report it so the caller can register an external tunnel instead of
//     retrying forever.
//   - nothing answers yet: the previous listener likely hasn't released the
//     socket; wait briefly and retry the bind once before giving up.
func (w *Worker) bindOrAdopt(port int) (listener net.Listener, adopted bool, foreign bool, finding portscan.Finding, err error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err = net.Listen("tcp", addr)
	if err == nil {
		return listener, false, false, portscan.Finding{}, nil
	}
	if !isAddrInUse(err) {
		return nil, false, false, portscan.Finding{}, classifyBindError(port, err)
	}

	if f, ok := portscan.Probe("127.0.0.1", port); ok {
		if w.isOwnedPort != nil && w.isOwnedPort(port) {
			return nil, true, false, portscan.Finding{}, nil
		}
		return nil, false, true, f, nil
	}

	time.Sleep(bindRetryDelay)
	listener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, false, portscan.Finding{}, classifyBindError(port, err)
	}
	return listener, false, false, portscan.Finding{}, nil
}

// isAddrInUse recognizes "address already in use" the way classifyBindError
// does, since net.OpError's wrapped syscall errno isn't portable to compare
// directly.
func isAddrInUse(err error) bool {
	opErr, ok := err.(*net.OpError)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(opErr.Err.Error()), "address already in use")
}

// waitAdopted stands in for acceptLoop when the worker is sharing a port it
// doesn't hold a listener for: there's nothing to accept, but done and
// teardown still need to fire on Stop.
func (w *Worker) waitAdopted(ctx context.Context) {
	defer close(w.done)
	defer w.teardown()
	<-ctx.Done()
}

func (w *Worker) lastErrValue() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastErr == "" {
		return nil
	}
	return fmt.Errorf("%s", w.lastErr)
}

func (w *Worker) fail(err error) {
	w.setError(err)
	w.setState(StateFailed)
}

// classifyBindError recognizes "address already in use" the way the
// teacher's createTunnel does, since net.OpError's wrapped syscall errno
// isn't portable to compare directly.
func classifyBindError(port int, err error) error {
	if opErr, ok := err.(*net.OpError); ok {
		if strings.Contains(strings.ToLower(opErr.Err.Error()), "address already in use") {
			return fmt.Errorf("local port %d is already in use", port)
		}
	}
	return fmt.Errorf("listen on local port %d: %w", port, err)
}

// Stop gracefully drains the worker: new connections are refused immediately
// and existing sessions are left to finish on their own (spec §4.6's
// draining semantics), then all resources are released once they've ended
// or drainTimeout has passed, whichever comes first.
func (w *Worker) Stop() {
	w.setState(StateDraining)
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.RLock()
	listener := w.listener
	w.mu.RUnlock()
	if listener != nil {
		listener.Close()
	}
	select {
	case <-w.done:
	case <-time.After(drainTimeout):
		w.logger.Printf("worker %s: drain timeout after %s, forcing teardown", w.rec.ID, drainTimeout)
		w.teardown()
	}
	w.setState(StateTerminated)
}

func (w *Worker) acceptLoop(ctx context.Context) {
	defer close(w.done)
	defer w.teardown()

	safego.Go(w.logger, func() {
		<-ctx.Done()
		w.listener.Close()
	})

	var sessions sync.WaitGroup
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				w.logger.Printf("worker %s: accept error: %v", w.rec.ID, err)
			}
			break
		}
		sessions.Add(1)
		safego.Go(w.logger, func() {
			defer sessions.Done()
			w.serveSession(conn)
		})
	}
	sessions.Wait()
}

func (w *Worker) serveSession(conn net.Conn) {
	var creds *socks5.Credentials
	if w.rec.RequiresProxyAuth() {
		creds = &socks5.Credentials{Username: w.rec.ProxyUsername, Password: w.rec.ProxyPassword}
	}
	socks5.ServeSession(conn, creds, directTCPIPDialer{client: w.client}, w.logger, func(bytesIn, bytesOut int64) {
		atomic.AddInt64(&w.bytesIn, bytesIn)
		atomic.AddInt64(&w.bytesOut, bytesOut)
	})
}

// directTCPIPDialer adapts *ssh.Client to socks5.Dialer.
type directTCPIPDialer struct {
	client *ssh.Client
}

func (d directTCPIPDialer) Dial(network, addr string) (net.Conn, error) {
	return d.client.Dial(network, addr)
}

func (w *Worker) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			errC := make(chan error, 1)
			safego.Go(w.logger, func() {
				_, _, err := w.client.SendRequest("keepalive@openssh.com", true, nil)
				errC <- err
			})

			select {
			case err := <-errC:
				if err != nil {
					w.logger.Printf("worker %s: keepalive failed: %v", w.rec.ID, err)
					w.client.Close()
					return
				}
				latency := time.Since(start).Milliseconds()
				w.latencyMs.Store(latency)
				w.hasLatency.Store(true)
				w.lastKeepalive.Store(time.Now().UnixNano())
			case <-time.After(keepAliveRequestTimeout):
				w.logger.Printf("worker %s: keepalive timed out after %s", w.rec.ID, keepAliveRequestTimeout)
				w.client.Close()
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// monitorConnection blocks until the SSH client's connection dies for any
// reason, then reports the disconnect so the owner (Tunnel Manager) can hand
// off to the Reconnect Scheduler.
func (w *Worker) monitorConnection(ctx context.Context) {
	waitErr := w.client.Wait()

	w.mu.RLock()
	draining := w.state == StateDraining
	w.mu.RUnlock()
	if draining {
		return
	}

	reason := sshauth.ClassifyReason(waitErr, "ssh_error")
	w.setError(waitErr)
	w.setState(StateFailed)
	if w.listener != nil {
		w.listener.Close()
	}
	if w.onDisconnect != nil {
		w.onDisconnect(w.rec.ID, reason)
	}
}

func (w *Worker) teardown() {
	if w.listener != nil {
		w.listener.Close()
	}
	if w.client != nil {
		w.client.Close()
	}
}
