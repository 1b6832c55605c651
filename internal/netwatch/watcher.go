// Package netwatch implements the Network Watcher (spec C9): it consumes a
// platform online/offline signal and, on a transition back online, waits a
// short settle delay before triggering a bulk reconnect of every server that
// auto-reconnects, so a flapping link doesn't spawn redundant dial attempts.
//
// tunnelgate has no OS-level network-change API wired up (spec's Non-goals
// exclude platform network reachability integration); Source is an injected
// interface so a concrete implementation can be swapped in per platform
// without this package changing, the same way the Tunnel Worker's Dialer
// keeps socks5 ignorant of ssh.Client.
package netwatch

import (
	"context"
	"log"
	"time"

	"tunnelgate/pkg/safego"
)

// settleDelay is how long the link must stay up before a bulk reconnect is
// triggered, absorbing a flapping connection (spec §4.9).
const settleDelay = 3 * time.Second

// Source emits true when the network becomes reachable and false when it is
// lost. Implementations should be tolerant of slow consumers; Watcher reads
// continuously and never blocks back-pressure onto Source beyond one pending
// value.
type Source interface {
	Events() <-chan bool
}

// OnlineCallback fires once, settleDelay after the link has been
// continuously online, so the caller can reconnect every eligible server.
type OnlineCallback func(ctx context.Context)

// Watcher bridges a Source to a settle-delayed OnlineCallback.
type Watcher struct {
	logger   *log.Logger
	source   Source
	onOnline OnlineCallback
}

// New creates a Watcher. Run must be called to start consuming source.
func New(logger *log.Logger, source Source, onOnline OnlineCallback) *Watcher {
	return &Watcher{logger: logger, source: source, onOnline: onOnline}
}

// Run consumes source's events until ctx is cancelled, blocking the caller.
// Start it with safego.Go from the owner's init sequence.
func (w *Watcher) Run(ctx context.Context) {
	events := w.source.Events()

	var settleCancel context.CancelFunc
	defer func() {
		if settleCancel != nil {
			settleCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-events:
			if !ok {
				return
			}
			if settleCancel != nil {
				settleCancel()
				settleCancel = nil
			}
			if !online {
				w.logger.Printf("netwatch: network reported offline")
				continue
			}

			w.logger.Printf("netwatch: network reported online, waiting %s to settle", settleDelay)
			settleCtx, cancel := context.WithCancel(ctx)
			settleCancel = cancel
			safego.Go(w.logger, func() { w.awaitSettle(settleCtx) })
		}
	}
}

func (w *Watcher) awaitSettle(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(settleDelay):
		w.logger.Printf("netwatch: network settled online, triggering reconnects")
		w.onOnline(ctx)
	}
}

// StaticSource is a Source fed manually, used by tests and by any caller
// that polls connectivity itself rather than subscribing to an OS API.
type StaticSource struct {
	ch chan bool
}

// NewStaticSource creates a StaticSource with a small buffer so a producer
// never blocks on a slow Watcher.
func NewStaticSource() *StaticSource {
	return &StaticSource{ch: make(chan bool, 4)}
}

// Events implements Source.
func (s *StaticSource) Events() <-chan bool { return s.ch }

// Push delivers an online/offline transition.
func (s *StaticSource) Push(online bool) {
	s.ch <- online
}
